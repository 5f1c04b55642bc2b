package verify

import (
	"context"
	"errors"
	"testing"

	"xmrbridge/internal/monero"
)

type stubWallet struct {
	result monero.CheckTxKeyResult
	err    error
}

func (s *stubWallet) CheckTxKey(context.Context, string, string, string) (monero.CheckTxKeyResult, error) {
	return s.result, s.err
}

func (s *stubWallet) Transfer(context.Context, monero.TransferRequest) (monero.TransferResult, error) {
	return monero.TransferResult{}, errors.New("not implemented")
}

func (s *stubWallet) TransferByTxID(context.Context, string) (monero.TransferInfo, error) {
	return monero.TransferInfo{}, errors.New("not implemented")
}

func (s *stubWallet) Ping(context.Context) error { return nil }

func newVerifier(w monero.WalletRPC) *Verifier {
	return NewVerifier(w, Config{
		BridgeAddress:    "bridge-addr",
		MinConfirmations: 10,
		MinSwapAmount:    10000,
	})
}

func validClaim() Claim {
	return Claim{TxID: "abc123", TxKey: "k1", Address: "bridge-addr"}
}

func TestVerifyHappyPath(t *testing.T) {
	v := newVerifier(&stubWallet{result: monero.CheckTxKeyResult{
		Confirmations: 10,
		Received:      1000000,
	}})

	proof, err := v.Verify(context.Background(), validClaim())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if proof.Received != 1000000 {
		t.Fatalf("expected received 1000000, got %d", proof.Received)
	}
	if proof.TxID != "abc123" {
		t.Fatalf("unexpected tx id %q", proof.TxID)
	}
}

func TestVerifyWrongAddress(t *testing.T) {
	v := newVerifier(&stubWallet{})

	claim := validClaim()
	claim.Address = "someone-else"
	_, err := v.Verify(context.Background(), claim)

	var vErr *Error
	if !errors.As(err, &vErr) || vErr.Kind != KindProofMismatch {
		t.Fatalf("expected proof mismatch, got %v", err)
	}
	if vErr.Retryable() {
		t.Fatal("proof mismatch must not be retryable")
	}
}

func TestVerifyNotFound(t *testing.T) {
	v := newVerifier(&stubWallet{err: monero.ErrTxNotFound})

	_, err := v.Verify(context.Background(), validClaim())

	var vErr *Error
	if !errors.As(err, &vErr) || vErr.Kind != KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if !vErr.Retryable() {
		t.Fatal("not found must be retryable")
	}
}

func TestVerifyZeroConfirmations(t *testing.T) {
	v := newVerifier(&stubWallet{result: monero.CheckTxKeyResult{
		Confirmations: 0,
		InPool:        true,
		Received:      1000000,
	}})

	_, err := v.Verify(context.Background(), validClaim())

	var vErr *Error
	if !errors.As(err, &vErr) || vErr.Kind != KindInsufficientConfirmations {
		t.Fatalf("expected insufficient confirmations, got %v", err)
	}
	if !vErr.Retryable() {
		t.Fatal("insufficient confirmations must be retryable")
	}
}

func TestVerifyAmountTooLow(t *testing.T) {
	v := newVerifier(&stubWallet{result: monero.CheckTxKeyResult{
		Confirmations: 20,
		Received:      9999,
	}})

	_, err := v.Verify(context.Background(), validClaim())

	var vErr *Error
	if !errors.As(err, &vErr) || vErr.Kind != KindAmountTooLow {
		t.Fatalf("expected amount too low, got %v", err)
	}
	if vErr.Retryable() {
		t.Fatal("amount too low must not be retryable")
	}
}

func TestVerifyNoPaymentProven(t *testing.T) {
	v := newVerifier(&stubWallet{result: monero.CheckTxKeyResult{
		Confirmations: 20,
		Received:      0,
	}})

	_, err := v.Verify(context.Background(), validClaim())

	var vErr *Error
	if !errors.As(err, &vErr) || vErr.Kind != KindProofMismatch {
		t.Fatalf("expected proof mismatch, got %v", err)
	}
}

func TestVerifyTransportErrorIsNotTyped(t *testing.T) {
	v := newVerifier(&stubWallet{err: errors.New("connection refused")})

	_, err := v.Verify(context.Background(), validClaim())
	if err == nil {
		t.Fatal("expected error")
	}

	var vErr *Error
	if errors.As(err, &vErr) {
		t.Fatalf("transport failure must not be a verification error, got %v", vErr)
	}
}
