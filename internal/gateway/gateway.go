package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SubmitStatus is the reconciliation view of a previously broadcast
// submission. Coordinators consult it before ever resubmitting, so a
// network failure after broadcast cannot turn into a double execution.
type SubmitStatus int

const (
	StatusUnknown SubmitStatus = iota
	StatusPending
	StatusConfirmed
	StatusRejected
)

func (s SubmitStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Reason narrows an ExecError beyond the retryable/terminal split.
type Reason string

const (
	ReasonNetwork           Reason = "network"
	ReasonTimeout           Reason = "timeout"
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonInvalidState      Reason = "invalid_state"
	ReasonAlreadyProcessed  Reason = "already_processed"
)

// ExecError is a failed chain submission. Retryable errors (network,
// timeout) may be retried with backoff; terminal ones must not be.
type ExecError struct {
	Reason    Reason
	Retryable bool
	Err       error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execution failed (%s): %v", e.Reason, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Retryable reports whether err may succeed on resubmission. Unclassified
// errors are treated as retryable, matching how transient RPC failures
// usually surface.
func Retryable(err error) bool {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	return true
}

func retryableErr(reason Reason, err error) *ExecError {
	return &ExecError{Reason: reason, Retryable: true, Err: err}
}

func terminalErr(reason Reason, err error) *ExecError {
	return &ExecError{Reason: reason, Retryable: false, Err: err}
}

// MintRequest carries a verified deposit to the wrapped-asset contract. The
// proof fields travel with the mint so the contract can reject an
// already-processed proof itself, a second line of defense behind the ledger.
type MintRequest struct {
	Recipient string
	Amount    uint64
	ProofTxID string
	ProofKey  string
	ProofAddr string
}

// Minter issues mint instructions on the wrapped-asset chain.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (string, error)
	StatusOf(ctx context.Context, ref string) (SubmitStatus, error)
}

// Payer issues outbound payments on the base chain.
type Payer interface {
	Payout(ctx context.Context, destination string, amount uint64) (string, error)
	StatusOf(ctx context.Context, ref string) (SubmitStatus, error)
}

// classifySubmitError maps raw node errors onto the ExecError taxonomy by
// message, the only signal most RPC nodes give us.
func classifySubmitError(err error) *ExecError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "not enough money"),
		strings.Contains(msg, "not enough unlocked money"):
		return terminalErr(ReasonInsufficientFunds, err)
	case strings.Contains(msg, "already processed"),
		strings.Contains(msg, "proof already"):
		return terminalErr(ReasonAlreadyProcessed, err)
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "invalid"):
		return terminalErr(ReasonInvalidState, err)
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return retryableErr(ReasonTimeout, err)
	default:
		return retryableErr(ReasonNetwork, err)
	}
}
