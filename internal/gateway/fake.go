package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// FakeMinter hashes the request to deterministically emulate chain
// references. Used when no signer key is configured and in tests.
type FakeMinter struct{}

func (FakeMinter) Mint(_ context.Context, req MintRequest) (string, error) {
	if req.Recipient == "" {
		return "", terminalErr(ReasonInvalidState, fmt.Errorf("missing recipient"))
	}
	return fakeRef("mint", req.ProofTxID, req.Recipient, fmt.Sprint(req.Amount)), nil
}

func (FakeMinter) StatusOf(context.Context, string) (SubmitStatus, error) {
	return StatusConfirmed, nil
}

// FakePayer mirrors FakeMinter for the payout side.
type FakePayer struct{}

func (FakePayer) Payout(_ context.Context, destination string, amount uint64) (string, error) {
	if destination == "" {
		return "", terminalErr(ReasonInvalidState, fmt.Errorf("missing destination"))
	}
	return fakeRef("payout", destination, fmt.Sprint(amount)), nil
}

func (FakePayer) StatusOf(context.Context, string) (SubmitStatus, error) {
	return StatusConfirmed, nil
}

func fakeRef(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
