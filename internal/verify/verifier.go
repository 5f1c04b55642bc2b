package verify

import (
	"context"
	"errors"
	"fmt"

	"xmrbridge/internal/monero"
)

// Kind classifies why a proof-of-payment claim failed verification.
type Kind string

const (
	KindNotFound                  Kind = "not_found"
	KindInsufficientConfirmations Kind = "insufficient_confirmations"
	KindAmountTooLow              Kind = "amount_too_low"
	KindProofMismatch             Kind = "proof_mismatch"
)

// Error is a failed verification check. NotFound and
// InsufficientConfirmations are transient states of an eventually-consistent
// chain: the caller should retry later. ProofMismatch and AmountTooLow will
// never succeed on retry.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("verification failed (%s): %s", e.Kind, e.Message)
}

// Retryable reports whether the same claim could verify later.
func (e *Error) Retryable() bool {
	return e.Kind == KindNotFound || e.Kind == KindInsufficientConfirmations
}

// Claim is a user's assertion that a base-chain transaction paid the bridge.
// The tx key proves payment to Address without revealing the sender.
type Claim struct {
	TxID    string
	TxKey   string
	Address string
}

// Proof is the chain-attested outcome of a successful verification. Received
// is the on-chain amount, which always supersedes whatever the user claimed.
type Proof struct {
	TxID          string
	Received      uint64
	Confirmations uint64
}

type Config struct {
	// BridgeAddress is the custodial address deposits must pay into.
	BridgeAddress string
	// MinConfirmations a deposit needs before it is mintable.
	MinConfirmations uint64
	// MinSwapAmount in atomic units.
	MinSwapAmount uint64
}

// Verifier validates deposit claims against the base chain. It is stateless;
// every call is a fresh read-only query.
type Verifier struct {
	wallet monero.WalletRPC
	cfg    Config
}

func NewVerifier(wallet monero.WalletRPC, cfg Config) *Verifier {
	return &Verifier{wallet: wallet, cfg: cfg}
}

// Verify checks a claim against canonical chain state. A *Error describes a
// failed check; any other error is a transport failure and says nothing about
// the claim itself.
func (v *Verifier) Verify(ctx context.Context, claim Claim) (Proof, error) {
	if claim.Address != v.cfg.BridgeAddress {
		return Proof{}, &Error{
			Kind:    KindProofMismatch,
			Message: "claim address is not the bridge custodial address",
		}
	}

	result, err := v.wallet.CheckTxKey(ctx, claim.TxID, claim.TxKey, claim.Address)
	if err != nil {
		if errors.Is(err, monero.ErrTxNotFound) {
			return Proof{}, &Error{
				Kind:    KindNotFound,
				Message: fmt.Sprintf("transaction %s not known to the chain", claim.TxID),
			}
		}
		return Proof{}, fmt.Errorf("proof query: %w", err)
	}

	if result.Received == 0 {
		return Proof{}, &Error{
			Kind:    KindProofMismatch,
			Message: "tx key proves no payment to the bridge address",
		}
	}
	if result.Confirmations < v.cfg.MinConfirmations {
		return Proof{}, &Error{
			Kind: KindInsufficientConfirmations,
			Message: fmt.Sprintf("%d of %d required confirmations",
				result.Confirmations, v.cfg.MinConfirmations),
		}
	}
	if result.Received < v.cfg.MinSwapAmount {
		return Proof{}, &Error{
			Kind: KindAmountTooLow,
			Message: fmt.Sprintf("received %d is below the minimum swap amount %d",
				result.Received, v.cfg.MinSwapAmount),
		}
	}

	return Proof{
		TxID:          claim.TxID,
		Received:      result.Received,
		Confirmations: result.Confirmations,
	}, nil
}
