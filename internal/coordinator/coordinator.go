package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"xmrbridge/internal/gateway"
	"xmrbridge/internal/ledger"
	"xmrbridge/internal/receipt"
	"xmrbridge/internal/verify"
)

var (
	// ErrInProgress means another submission for the same key is being
	// processed; the caller should poll or resubmit later.
	ErrInProgress = errors.New("swap already in progress")
	// ErrSubmissionPending means the chain-side effect was broadcast but
	// not yet confirmed when the poll budget ran out. The swap is safe to
	// resubmit: the recorded reference will be reconciled, not re-executed.
	ErrSubmissionPending = errors.New("submission awaiting confirmation")
	// ErrPaused means the bridge is administratively paused.
	ErrPaused = errors.New("bridge is paused")
)

// RejectedError replays a terminal rejection recorded in the ledger.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "swap permanently rejected: " + e.Reason
}

// ProofVerifier validates deposit claims against the base chain.
type ProofVerifier interface {
	Verify(ctx context.Context, claim verify.Claim) (verify.Proof, error)
}

// RetryPolicy bounds local retries of transport-retryable calls.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type Config struct {
	Retry RetryPolicy
	// CallTimeout applies to each external call attempt.
	CallTimeout time.Duration
	// ConfirmPollInterval and ConfirmPollBudget bound the wait for a
	// broadcast submission to confirm.
	ConfirmPollInterval time.Duration
	ConfirmPollBudget   int
	// StaleTakeover is how long a Verified entry with no recorded
	// submission reference is presumed in-flight elsewhere before a
	// resumer may take it over. Covers crashes between verification
	// and broadcast.
	StaleTakeover time.Duration
	// MinRedeemAmount in atomic units.
	MinRedeemAmount uint64
}

// Coordinator drives each swap through
// Received -> Reserved -> ProofVerified -> Submitted -> Completed.
// The ledger is the sole idempotency authority; the coordinator never
// decides "already processed" on its own.
type Coordinator struct {
	ledger   ledger.Store
	verifier ProofVerifier
	minter   gateway.Minter
	payer    gateway.Payer
	receipts receipt.Store
	cfg      Config
	log      *logrus.Entry
	paused   atomic.Bool
}

func New(store ledger.Store, verifier ProofVerifier, minter gateway.Minter, payer gateway.Payer, receipts receipt.Store, cfg Config, log *logrus.Entry) *Coordinator {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 2 * time.Second
	}
	if cfg.ConfirmPollBudget <= 0 {
		cfg.ConfirmPollBudget = 30
	}
	if cfg.StaleTakeover <= 0 {
		cfg.StaleTakeover = 5 * time.Minute
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		ledger:   store,
		verifier: verifier,
		minter:   minter,
		payer:    payer,
		receipts: receipts,
		cfg:      cfg,
		log:      log,
	}
}

// Pause stops the coordinator from accepting new swaps. In-flight swaps
// finish normally.
func (c *Coordinator) Pause()       { c.paused.Store(true) }
func (c *Coordinator) Resume()      { c.paused.Store(false) }
func (c *Coordinator) Paused() bool { return c.paused.Load() }

// DepositClaim asserts that a base-chain payment to the bridge happened.
type DepositClaim struct {
	TxID      string
	TxKey     string
	Address   string
	Recipient string
	// ClaimedAmount is informational only; the verified on-chain amount
	// is what gets minted.
	ClaimedAmount uint64
}

// RedeemRequest asks for a base-chain payout of burned wrapped tokens.
type RedeemRequest struct {
	// IdempotencyKey is caller-supplied; when empty a fresh key is
	// generated and the request cannot be deduplicated on retry.
	IdempotencyKey string
	Amount         uint64
	Destination    string
	// BurnRef is the wrapped-chain burn transaction, recorded in the
	// receipt as the wrapped leg.
	BurnRef string
}

// Result is the outcome of a completed swap.
type Result struct {
	SwapID     string
	Amount     uint64
	BaseRef    string
	WrappedRef string
	// Duplicate is set when the result was replayed from an earlier
	// execution of the same key.
	Duplicate bool
}

// Deposit processes a deposit claim to completion or to a well-defined
// intermediate state. Resubmitting the same claim is always safe.
func (c *Coordinator) Deposit(ctx context.Context, claim DepositClaim) (*Result, error) {
	if c.Paused() {
		return nil, ErrPaused
	}
	if claim.TxID == "" || claim.TxKey == "" || claim.Recipient == "" {
		return nil, &RejectedError{Reason: "missing tx id, tx key or recipient"}
	}

	key := claim.TxID
	log := c.log.WithFields(logrus.Fields{"key": key, "direction": "deposit"})

	entry, err := c.ledger.Reserve(ctx, key, ledger.DirectionDeposit, claim.Recipient, claim.ClaimedAmount)
	if errors.Is(err, ledger.ErrAlreadyReserved) {
		entry, err = c.ledger.Lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if result, done, err := c.shortCircuit(ctx, entry); done {
			return result, err
		}
		// Pending or Verified: resume processing. The conditional
		// ledger transitions below arbitrate concurrent resumers.
		log.WithField("status", entry.Status).Info("resuming reserved swap")
	} else if err != nil {
		return nil, err
	}

	// Once chain-side effects may be issued the swap must finish its
	// state writes even if the caller goes away.
	runCtx := context.WithoutCancel(ctx)

	if entry.Status == ledger.StatusPending {
		proof, err := c.verifyClaim(runCtx, claim)
		if err != nil {
			var vErr *verify.Error
			if errors.As(err, &vErr) {
				// A retryable outcome (not found, shallow
				// confirmations) leaves the entry reclaimable so
				// the caller can resubmit once the chain catches
				// up; a terminal one is permanent.
				c.markFailed(runCtx, key, vErr.Error(), vErr.Retryable())
				if !vErr.Retryable() {
					log.WithField("kind", vErr.Kind).Warn("deposit claim rejected")
				}
			}
			return nil, err
		}

		// The verified on-chain amount wins over the claim.
		if err := c.ledger.MarkVerified(runCtx, key, proof.Received); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				return nil, ErrInProgress
			}
			return nil, err
		}
		entry.Status = ledger.StatusVerified
		entry.Amount = proof.Received
		entry.SubmittedRef = ""
		log.WithFields(logrus.Fields{
			"amount":        proof.Received,
			"confirmations": proof.Confirmations,
		}).Info("deposit proof verified")
	}

	// The reserved counterparty is authoritative: a resumed entry mints to
	// the recipient recorded at reservation, not whatever a later
	// resubmission of the same txid asks for.
	submit := func(ctx context.Context) (string, error) {
		return c.minter.Mint(ctx, gateway.MintRequest{
			Recipient: entry.Counterparty,
			Amount:    entry.Amount,
			ProofTxID: claim.TxID,
			ProofKey:  claim.TxKey,
			ProofAddr: claim.Address,
		})
	}

	ref, err := c.executeLeg(runCtx, log, key, entry.SubmittedRef, submit, c.minter.StatusOf)
	if err != nil {
		return nil, err
	}

	c.recordReceipt(runCtx, log, receipt.Receipt{
		SwapID:     key,
		Direction:  receipt.DepositToWrapped,
		BaseRef:    claim.TxID,
		WrappedRef: ref,
		Amount:     entry.Amount,
		CreatedAt:  time.Now().UTC(),
	})

	log.WithFields(logrus.Fields{"ref": ref, "amount": entry.Amount}).Info("deposit swap completed")
	return &Result{
		SwapID:     key,
		Amount:     entry.Amount,
		BaseRef:    claim.TxID,
		WrappedRef: ref,
	}, nil
}

// Redeem processes a redeem request: the wrapped tokens are already burned
// on the wrapped chain; the coordinator pays out on the base chain.
func (c *Coordinator) Redeem(ctx context.Context, req RedeemRequest) (*Result, error) {
	if c.Paused() {
		return nil, ErrPaused
	}

	key := req.IdempotencyKey
	if key == "" {
		key = "redeem-" + uuid.NewString()
	}
	log := c.log.WithFields(logrus.Fields{"key": key, "direction": "redeem"})

	entry, err := c.ledger.Reserve(ctx, key, ledger.DirectionRedeem, req.Destination, req.Amount)
	if errors.Is(err, ledger.ErrAlreadyReserved) {
		entry, err = c.ledger.Lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if result, done, err := c.shortCircuit(ctx, entry); done {
			return result, err
		}
		log.WithField("status", entry.Status).Info("resuming reserved swap")
	} else if err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)

	if entry.Status == ledger.StatusPending {
		if req.Destination == "" {
			c.markFailed(runCtx, key, "missing payout destination", false)
			return nil, &RejectedError{Reason: "missing payout destination"}
		}
		if req.Amount < c.cfg.MinRedeemAmount {
			reason := fmt.Sprintf("amount %d below minimum swap amount %d", req.Amount, c.cfg.MinRedeemAmount)
			c.markFailed(runCtx, key, reason, false)
			return nil, &RejectedError{Reason: reason}
		}

		if err := c.ledger.MarkVerified(runCtx, key, req.Amount); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				return nil, ErrInProgress
			}
			return nil, err
		}
		entry.Status = ledger.StatusVerified
		entry.Amount = req.Amount
		entry.SubmittedRef = ""
	}

	submit := func(ctx context.Context) (string, error) {
		return c.payer.Payout(ctx, entry.Counterparty, entry.Amount)
	}

	ref, err := c.executeLeg(runCtx, log, key, entry.SubmittedRef, submit, c.payer.StatusOf)
	if err != nil {
		return nil, err
	}

	c.recordReceipt(runCtx, log, receipt.Receipt{
		SwapID:     key,
		Direction:  receipt.WrappedToDeposit,
		BaseRef:    ref,
		WrappedRef: req.BurnRef,
		Amount:     entry.Amount,
		CreatedAt:  time.Now().UTC(),
	})

	log.WithFields(logrus.Fields{"ref": ref, "amount": entry.Amount}).Info("redeem swap completed")
	return &Result{
		SwapID:     key,
		Amount:     entry.Amount,
		BaseRef:    ref,
		WrappedRef: req.BurnRef,
	}, nil
}

// Receipt returns the proof-of-swap for an executed key.
func (c *Coordinator) Receipt(ctx context.Context, key string) (*receipt.Receipt, error) {
	return c.receipts.Get(ctx, key)
}

// Entry exposes the ledger record for a key.
func (c *Coordinator) Entry(ctx context.Context, key string) (*ledger.Entry, error) {
	return c.ledger.Lookup(ctx, key)
}

// shortCircuit resolves an already-reserved key without re-executing
// anything. done=false means the caller should resume processing.
func (c *Coordinator) shortCircuit(ctx context.Context, entry *ledger.Entry) (*Result, bool, error) {
	switch entry.Status {
	case ledger.StatusExecuted:
		rec, err := c.receipts.Get(ctx, entry.Key)
		if errors.Is(err, receipt.ErrNotFound) {
			// The receipt aged out under retention. The ledger's
			// terminal record still replays the result.
			res := &Result{
				SwapID:    entry.Key,
				Amount:    entry.Amount,
				Duplicate: true,
			}
			if entry.Direction == ledger.DirectionDeposit {
				res.BaseRef = entry.Key
				res.WrappedRef = entry.ChainRef
			} else {
				res.BaseRef = entry.ChainRef
			}
			return res, true, nil
		}
		if err != nil {
			return nil, true, err
		}
		return &Result{
			SwapID:     rec.SwapID,
			Amount:     rec.Amount,
			BaseRef:    rec.BaseRef,
			WrappedRef: rec.WrappedRef,
			Duplicate:  true,
		}, true, nil
	case ledger.StatusFailed:
		// Retryable failures are reclaimed by Reserve, so a Failed
		// entry seen here is terminal.
		return nil, true, &RejectedError{Reason: entry.FailReason}
	case ledger.StatusVerified:
		if entry.SubmittedRef == "" && time.Since(entry.UpdatedAt) < c.cfg.StaleTakeover {
			// Another worker verified this entry and is about to
			// broadcast. Taking over now could double-submit.
			return nil, true, ErrInProgress
		}
		return nil, false, nil
	default:
		return nil, false, nil
	}
}

// executeLeg drives Verified -> Submitted -> Completed for one chain-side
// effect. When a submission reference was already recorded it reconciles via
// StatusOf instead of resubmitting.
func (c *Coordinator) executeLeg(
	ctx context.Context,
	log *logrus.Entry,
	key, priorRef string,
	submit func(context.Context) (string, error),
	statusOf func(context.Context, string) (gateway.SubmitStatus, error),
) (string, error) {
	ref := priorRef
	if ref != "" {
		status, err := c.pollOnce(ctx, statusOf, ref)
		if err != nil {
			return "", err
		}
		log.WithFields(logrus.Fields{"ref": ref, "status": status.String()}).
			Info("reconciled prior submission")
		switch status {
		case gateway.StatusConfirmed:
			return ref, c.complete(ctx, key, ref)
		case gateway.StatusPending:
			return "", ErrSubmissionPending
		case gateway.StatusRejected, gateway.StatusUnknown:
			// The prior broadcast is dead; submitting again is safe.
			ref = ""
		}
	}

	if ref == "" {
		var err error
		ref, err = c.withRetry(ctx, func(ctx context.Context) (string, error) {
			return submit(ctx)
		})
		if err != nil {
			if !gateway.Retryable(err) {
				c.markFailed(ctx, key, err.Error(), false)
				log.WithError(err).Warn("submission rejected")
			}
			// Retry budget exhausted on a transport error: the entry
			// stays Verified and a later resubmission picks it up.
			return "", err
		}
		if err := c.ledger.RecordSubmission(ctx, key, ref); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				return "", ErrInProgress
			}
			return "", err
		}
		log.WithField("ref", ref).Info("submission broadcast")
	}

	status, err := c.waitConfirmed(ctx, statusOf, ref)
	if err != nil {
		return "", err
	}
	if status == gateway.StatusRejected {
		c.markFailed(ctx, key, "submission rejected on chain", false)
		return "", &RejectedError{Reason: "submission rejected on chain"}
	}
	return ref, c.complete(ctx, key, ref)
}

// complete marks the single durability checkpoint: after Executed the swap
// can never re-execute.
func (c *Coordinator) complete(ctx context.Context, key, ref string) error {
	err := c.ledger.MarkExecuted(ctx, key, ref)
	if err != nil && !errors.Is(err, ledger.ErrConflict) {
		return err
	}
	return nil
}

func (c *Coordinator) recordReceipt(ctx context.Context, log *logrus.Entry, r receipt.Receipt) {
	if err := c.receipts.Record(ctx, r); err != nil {
		// The ledger already holds the Executed record, so idempotency
		// is intact; only the receipt is missing.
		log.WithError(err).Error("failed to persist swap receipt")
	}
}

func (c *Coordinator) markFailed(ctx context.Context, key, reason string, retryable bool) {
	if err := c.ledger.MarkFailed(ctx, key, reason, retryable); err != nil &&
		!errors.Is(err, ledger.ErrConflict) {
		c.log.WithError(err).WithField("key", key).Error("failed to mark ledger entry failed")
	}
}

// verifyClaim retries only transport failures; typed verification outcomes
// are returned to the caller as-is.
func (c *Coordinator) verifyClaim(ctx context.Context, claim DepositClaim) (verify.Proof, error) {
	var proof verify.Proof
	_, err := c.withRetry(ctx, func(ctx context.Context) (string, error) {
		var err error
		proof, err = c.verifier.Verify(ctx, verify.Claim{
			TxID:    claim.TxID,
			TxKey:   claim.TxKey,
			Address: claim.Address,
		})
		if err != nil {
			var vErr *verify.Error
			if errors.As(err, &vErr) {
				// A typed outcome is an answer, not a transport
				// failure; do not burn retries on it.
				return "", terminalForRetry{err}
			}
			return "", err
		}
		return "", nil
	})
	var wrapped terminalForRetry
	if errors.As(err, &wrapped) {
		return verify.Proof{}, wrapped.err
	}
	if err != nil {
		return verify.Proof{}, err
	}
	return proof, nil
}

// terminalForRetry stops withRetry without reclassifying the inner error.
type terminalForRetry struct{ err error }

func (t terminalForRetry) Error() string { return t.err.Error() }

// withRetry runs fn with per-attempt timeouts and bounded exponential
// backoff, retrying only errors the gateway taxonomy calls retryable.
func (c *Coordinator) withRetry(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	backoff := c.cfg.Retry.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		out, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err

		var stop terminalForRetry
		if errors.As(err, &stop) || !gateway.Retryable(err) {
			return "", err
		}
		if attempt == c.cfg.Retry.MaxAttempts {
			break
		}

		sleep := backoff
		if c.cfg.Retry.MaxBackoff > 0 && sleep > c.cfg.Retry.MaxBackoff {
			sleep = c.cfg.Retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if c.cfg.Retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(c.cfg.Retry.BackoffMultiplier)
		}
	}
	return "", lastErr
}

// pollOnce queries a submission status with local retry on transport errors.
func (c *Coordinator) pollOnce(ctx context.Context, statusOf func(context.Context, string) (gateway.SubmitStatus, error), ref string) (gateway.SubmitStatus, error) {
	var status gateway.SubmitStatus
	_, err := c.withRetry(ctx, func(ctx context.Context) (string, error) {
		var err error
		status, err = statusOf(ctx, ref)
		return "", err
	})
	if err != nil {
		return gateway.StatusUnknown, err
	}
	return status, nil
}

// waitConfirmed polls until the submission is Confirmed or Rejected, up to
// the poll budget. Exhaustion is ErrSubmissionPending: the entry keeps its
// recorded reference and is reconciled on the next attempt.
func (c *Coordinator) waitConfirmed(ctx context.Context, statusOf func(context.Context, string) (gateway.SubmitStatus, error), ref string) (gateway.SubmitStatus, error) {
	for i := 0; i < c.cfg.ConfirmPollBudget; i++ {
		status, err := c.pollOnce(ctx, statusOf, ref)
		if err != nil {
			return gateway.StatusUnknown, err
		}
		if status == gateway.StatusConfirmed || status == gateway.StatusRejected {
			return status, nil
		}
		select {
		case <-time.After(c.cfg.ConfirmPollInterval):
		case <-ctx.Done():
			return gateway.StatusUnknown, ctx.Err()
		}
	}
	return gateway.StatusUnknown, ErrSubmissionPending
}
