package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"xmrbridge/internal/config"
	"xmrbridge/internal/coordinator"
	"xmrbridge/internal/gateway"
	"xmrbridge/internal/hmacauth"
	"xmrbridge/internal/ledger"
	"xmrbridge/internal/receipt"
	"xmrbridge/internal/verify"
)

type stubVerifier struct {
	proof verify.Proof
	err   error
}

func (s *stubVerifier) Verify(context.Context, verify.Claim) (verify.Proof, error) {
	if s.err != nil {
		return verify.Proof{}, s.err
	}
	return s.proof, nil
}

func newTestServer(t *testing.T, v coordinator.ProofVerifier) *Server {
	t.Helper()

	codec, err := receipt.NewCodec(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	log := logrus.New()
	log.SetOutput(bytes.NewBuffer(nil))
	entry := logrus.NewEntry(log)

	store := ledger.NewMemoryStore()
	coord := coordinator.New(
		store,
		v,
		gateway.FakeMinter{},
		gateway.FakePayer{},
		receipt.NewMemoryStore(codec),
		coordinator.Config{
			Retry: coordinator.RetryPolicy{
				MaxAttempts:    1,
				InitialBackoff: time.Millisecond,
			},
			ConfirmPollInterval: time.Millisecond,
			MinRedeemAmount:     100,
		},
		entry,
	)

	cfg := &config.Config{
		Service: config.ServiceConfig{
			HTTPPort:      0,
			HMACSecret:    "client-secret",
			AdminSecret:   "admin-secret",
			HMACClockSkew: time.Minute,
		},
	}
	return NewServer(cfg, coord, store, nil, nil, entry)
}

func signedRequest(t *testing.T, secret, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", hmacauth.Sign(secret, ts, body))
	return req
}

func signedGet(t *testing.T, secret, path string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", hmacauth.Sign(secret, ts, nil))
	return req
}

func TestDepositEndpointCompletesAndReplays(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{
		proof: verify.Proof{TxID: "abc123", Received: 1_500_000_000, Confirmations: 12},
	})

	body, _ := json.Marshal(depositRequest{
		TxID:      "abc123",
		TxKey:     "k1",
		Address:   "bridge-addr",
		Recipient: "0xrecipient",
		Amount:    1_000_000_000,
	})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedRequest(t, "client-secret", "/api/v1/deposits", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var first swapResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.SwapID != "abc123" {
		t.Fatalf("expected swap id abc123, got %s", first.SwapID)
	}
	if first.Amount != 1_500_000_000 {
		t.Fatalf("expected verified amount 1500000000, got %d", first.Amount)
	}

	// Resubmitting the same claim replays the recorded result.
	rec2 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec2, signedRequest(t, "client-secret", "/api/v1/deposits", body))

	if rec2.Code != http.StatusOK {
		t.Fatalf("expected replay 200 got %d", rec2.Code)
	}
	var second swapResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.WrappedRef != first.WrappedRef {
		t.Fatalf("replay returned a different wrapped ref")
	}
}

func TestDepositEndpointRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{proof: verify.Proof{Received: 1}})

	body := []byte(`{"txId":"abc","txKey":"k","recipient":"0x1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposits", bytes.NewReader(body))
	req.Header.Set("X-Request-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Request-Signature", "deadbeef")

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestDepositShallowConfirmationsRetryLater(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{
		err: &verify.Error{Kind: verify.KindInsufficientConfirmations, Message: "3 of 10 required confirmations"},
	})

	body, _ := json.Marshal(depositRequest{TxID: "shallow", TxKey: "k", Recipient: "0x1"})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedRequest(t, "client-secret", "/api/v1/deposits", body))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Retryable {
		t.Fatal("expected retryable error body")
	}
	if resp.Kind != string(verify.KindInsufficientConfirmations) {
		t.Fatalf("unexpected kind %q", resp.Kind)
	}
}

func TestDepositProofMismatchIsUnprocessable(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{
		err: &verify.Error{Kind: verify.KindProofMismatch, Message: "tx key proves no payment"},
	})

	body, _ := json.Marshal(depositRequest{TxID: "bogus", TxKey: "k", Recipient: "0x1"})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedRequest(t, "client-secret", "/api/v1/deposits", body))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Retryable {
		t.Fatal("proof mismatch must not be retryable")
	}
}

func TestRedeemEndpointIdempotencyKey(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{proof: verify.Proof{Received: 1}})

	body, _ := json.Marshal(redeemRequest{
		Amount:      500,
		Destination: "xmr-destination",
		BurnRef:     "0xburn",
	})

	req := signedRequest(t, "client-secret", "/api/v1/redeems", body)
	req.Header.Set("X-Idempotency-Key", "redeem-key-1")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var first swapResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req2 := signedRequest(t, "client-secret", "/api/v1/redeems", body)
	req2.Header.Set("X-Idempotency-Key", "redeem-key-1")
	rec2 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("expected replay 200 got %d", rec2.Code)
	}
	var second swapResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.BaseRef != first.BaseRef {
		t.Fatal("replayed redeem returned a different payout ref")
	}
}

func TestRedeemBelowMinimumIsUnprocessable(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{proof: verify.Proof{Received: 1}})

	body, _ := json.Marshal(redeemRequest{Amount: 10, Destination: "xmr-destination"})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedRequest(t, "client-secret", "/api/v1/redeems", body))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSwapLookupEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{
		proof: verify.Proof{TxID: "lookup1", Received: 2_000_000_000, Confirmations: 15},
	})

	body, _ := json.Marshal(depositRequest{TxID: "lookup1", TxKey: "k", Recipient: "0x1"})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedRequest(t, "client-secret", "/api/v1/deposits", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("deposit setup failed: %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec2, signedGet(t, "client-secret", "/api/v1/swaps/lookup1"))

	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec2.Code)
	}
	var detail swapDetailResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Status != string(ledger.StatusExecuted) {
		t.Fatalf("expected executed, got %s", detail.Status)
	}
	if detail.WrappedRef == "" {
		t.Fatal("expected wrapped ref from receipt")
	}

	rec3 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec3, signedGet(t, "client-secret", "/api/v1/swaps/never-seen"))
	if rec3.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec3.Code)
	}
}

func TestSwapLookupRequiresSignature(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{
		proof: verify.Proof{TxID: "guarded1", Received: 1_000_000, Confirmations: 15},
	})

	body, _ := json.Marshal(depositRequest{TxID: "guarded1", TxKey: "k", Recipient: "0x1"})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedRequest(t, "client-secret", "/api/v1/deposits", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("deposit setup failed: %d", rec.Code)
	}

	// The linkage between deposit and payout must not be readable by
	// anyone who merely knows a public txid.
	bare := httptest.NewRequest(http.MethodGet, "/api/v1/swaps/guarded1", nil)
	rec2 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec2, bare)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned lookup, got %d", rec2.Code)
	}

	forged := httptest.NewRequest(http.MethodGet, "/api/v1/swaps/guarded1", nil)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	forged.Header.Set("X-Request-Timestamp", ts)
	forged.Header.Set("X-Request-Signature", hmacauth.Sign("wrong-secret", ts, nil))
	rec3 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec3, forged)
	if rec3.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged lookup, got %d", rec3.Code)
	}
}

func TestAdminPauseBlocksNewSwaps(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{proof: verify.Proof{Received: 1_000_000_000}})

	pause, _ := json.Marshal(adminStatusRequest{Status: "paused"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/status", bytes.NewReader(pause))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Admin-Timestamp", ts)
	req.Header.Set("X-Admin-Signature", hmacauth.Sign("admin-secret", ts, pause))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("pause failed: %d %s", rec.Code, rec.Body.String())
	}

	body, _ := json.Marshal(depositRequest{TxID: "paused1", TxKey: "k", Recipient: "0x1"})
	rec2 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec2, signedRequest(t, "client-secret", "/api/v1/deposits", body))

	if rec2.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while paused, got %d", rec2.Code)
	}

	resume, _ := json.Marshal(adminStatusRequest{Status: "running"})
	req3 := httptest.NewRequest(http.MethodPost, "/api/v1/admin/status", bytes.NewReader(resume))
	ts3 := strconv.FormatInt(time.Now().Unix(), 10)
	req3.Header.Set("X-Admin-Timestamp", ts3)
	req3.Header.Set("X-Admin-Signature", hmacauth.Sign("admin-secret", ts3, resume))
	rec3 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec3, req3)
	if rec3.Code != http.StatusOK {
		t.Fatalf("resume failed: %d", rec3.Code)
	}

	rec4 := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec4, signedRequest(t, "client-secret", "/api/v1/deposits", body))
	if rec4.Code != http.StatusCreated {
		t.Fatalf("expected 201 after resume, got %d", rec4.Code)
	}
}

func TestAdminStatusRejectsClientSecret(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{proof: verify.Proof{Received: 1}})

	pause, _ := json.Marshal(adminStatusRequest{Status: "paused"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/status", bytes.NewReader(pause))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Admin-Timestamp", ts)
	req.Header.Set("X-Admin-Signature", hmacauth.Sign("client-secret", ts, pause))
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubVerifier{proof: verify.Proof{Received: 1}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp struct {
		Status string `json:"status"`
		Bridge string `json:"bridge"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Fatalf("expected healthy, got %s", resp.Status)
	}
	if resp.Bridge != "running" {
		t.Fatalf("expected running, got %s", resp.Bridge)
	}
}
