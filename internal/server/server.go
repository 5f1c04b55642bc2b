package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"xmrbridge/internal/config"
	"xmrbridge/internal/coordinator"
	"xmrbridge/internal/hmacauth"
	"xmrbridge/internal/ledger"
	"xmrbridge/internal/receipt"
	"xmrbridge/internal/verify"
)

// Pinger is a dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg        *config.Config
	coord      *coordinator.Coordinator
	store      ledger.Store
	hmac       *hmacauth.Verifier
	adminHMAC  *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	log        *logrus.Entry

	walletHealthFn  func(context.Context) error
	wrappedHealthFn func(context.Context) error
}

// NewServer wires the HTTP surface. wallet and wrapped are the chain clients
// backing the health endpoint; either may be nil or not implement Pinger.
func NewServer(cfg *config.Config, coord *coordinator.Coordinator, store ledger.Store, wallet, wrapped any, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	clientVerifier := &hmacauth.Verifier{
		Secret:  cfg.Service.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}
	adminVerifier := &hmacauth.Verifier{
		Secret:          cfg.Service.AdminSecret,
		MaxSkew:         cfg.Service.HMACClockSkew,
		SignatureHeader: "X-Admin-Signature",
		TimestampHeader: "X-Admin-Timestamp",
	}

	s := &Server{
		cfg:       cfg,
		coord:     coord,
		store:     store,
		hmac:      clientVerifier,
		adminHMAC: adminVerifier,
		metrics:   newMetricsRegistry(),
		log:       log,
	}

	if checker, ok := wallet.(Pinger); ok {
		s.walletHealthFn = checker.Ping
	}
	if checker, ok := wrapped.(Pinger); ok {
		s.wrappedHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/deposits", s.hmac.Middleware(http.HandlerFunc(s.handleDeposit)))
	mux.Handle("/api/v1/redeems", s.hmac.Middleware(http.HandlerFunc(s.handleRedeem)))
	// Swap details expose the deposit/payout linkage, so the lookup is
	// gated behind the same client secret as swap submission.
	mux.Handle("/api/v1/swaps/", s.hmac.Middleware(http.HandlerFunc(s.handleSwapLookup)))
	mux.Handle("/api/v1/admin/status", s.adminHMAC.Middleware(http.HandlerFunc(s.handleAdminStatus)))
	mux.Handle("/api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// RecordPurged feeds the retention purge loop's results into metrics.
func (s *Server) RecordPurged(n int) {
	s.metrics.addPurged(n)
}

type depositRequest struct {
	TxID      string `json:"txId"`
	TxKey     string `json:"txKey"`
	Address   string `json:"address"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

type redeemRequest struct {
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination"`
	BurnRef     string `json:"burnTxRef"`
}

type swapResponse struct {
	SwapID     string `json:"swapId"`
	Status     string `json:"status"`
	Amount     uint64 `json:"amount"`
	BaseRef    string `json:"baseRef,omitempty"`
	WrappedRef string `json:"wrappedRef,omitempty"`
}

type errorResponse struct {
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload depositRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json payload", false)
		return
	}
	if payload.TxID == "" || payload.TxKey == "" || payload.Recipient == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "txId, txKey and recipient are required", false)
		return
	}

	result, err := s.coord.Deposit(r.Context(), coordinator.DepositClaim{
		TxID:          payload.TxID,
		TxKey:         payload.TxKey,
		Address:       payload.Address,
		Recipient:     payload.Recipient,
		ClaimedAmount: payload.Amount,
	})
	s.respondSwap(w, "deposit", result, err)
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json payload", false)
		return
	}

	result, err := s.coord.Redeem(r.Context(), coordinator.RedeemRequest{
		IdempotencyKey: strings.TrimSpace(r.Header.Get("X-Idempotency-Key")),
		Amount:         payload.Amount,
		Destination:    payload.Destination,
		BurnRef:        payload.BurnRef,
	})
	s.respondSwap(w, "redeem", result, err)
}

// respondSwap maps coordinator outcomes onto the HTTP contract: 201 for a
// fresh completion, 200 for a replayed one, 202 while a submission is still
// settling, 409 when the claim may verify later, 422 when it never will.
func (s *Server) respondSwap(w http.ResponseWriter, direction string, result *coordinator.Result, err error) {
	if err == nil {
		status := http.StatusCreated
		outcome := "completed"
		if result.Duplicate {
			status = http.StatusOK
			outcome = "duplicate"
		}
		s.metrics.incSwap(direction, outcome)
		writeJSON(w, status, swapResponse{
			SwapID:     result.SwapID,
			Status:     "completed",
			Amount:     result.Amount,
			BaseRef:    result.BaseRef,
			WrappedRef: result.WrappedRef,
		})
		return
	}

	switch {
	case errors.Is(err, coordinator.ErrPaused):
		s.metrics.incSwap(direction, "paused")
		writeError(w, http.StatusServiceUnavailable, "paused", err.Error(), true)
	case errors.Is(err, coordinator.ErrInProgress),
		errors.Is(err, coordinator.ErrSubmissionPending):
		s.metrics.incSwap(direction, "in_progress")
		writeError(w, http.StatusAccepted, "in_progress", err.Error(), true)
	default:
		var rejected *coordinator.RejectedError
		var vErr *verify.Error
		switch {
		case errors.As(err, &rejected):
			s.metrics.incSwap(direction, "rejected")
			writeError(w, http.StatusUnprocessableEntity, "rejected", rejected.Reason, false)
		case errors.As(err, &vErr) && vErr.Retryable():
			s.metrics.incSwap(direction, "retry_later")
			writeError(w, http.StatusConflict, string(vErr.Kind), vErr.Message, true)
		case errors.As(err, &vErr):
			s.metrics.incSwap(direction, "rejected")
			writeError(w, http.StatusUnprocessableEntity, string(vErr.Kind), vErr.Message, false)
		default:
			s.metrics.incSwap(direction, "error")
			s.log.WithError(err).WithField("direction", direction).Error("swap failed")
			writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), true)
		}
	}
}

type swapDetailResponse struct {
	SwapID     string `json:"swapId"`
	Direction  string `json:"direction"`
	Status     string `json:"status"`
	Amount     uint64 `json:"amount"`
	BaseRef    string `json:"baseRef,omitempty"`
	WrappedRef string `json:"wrappedRef,omitempty"`
	FailReason string `json:"failReason,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

func (s *Server) handleSwapLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/v1/swaps/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", "swap key is required", false)
		return
	}

	entry, err := s.coord.Entry(r.Context(), key)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no swap for key", false)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), true)
		return
	}

	resp := swapDetailResponse{
		SwapID:     entry.Key,
		Direction:  string(entry.Direction),
		Status:     string(entry.Status),
		Amount:     entry.Amount,
		FailReason: entry.FailReason,
		Retryable:  entry.Retryable,
		CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  entry.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if entry.Status == ledger.StatusExecuted {
		if rec, err := s.coord.Receipt(r.Context(), key); err == nil {
			resp.BaseRef = rec.BaseRef
			resp.WrappedRef = rec.WrappedRef
		} else if !errors.Is(err, receipt.ErrNotFound) {
			s.log.WithError(err).WithField("key", key).Warn("receipt lookup failed")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type adminStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": s.statusLevel()})
	case http.MethodPost:
		var payload adminStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json payload", false)
			return
		}
		switch payload.Status {
		case "paused":
			s.coord.Pause()
		case "running":
			s.coord.Resume()
		default:
			writeError(w, http.StatusBadRequest, "bad_request", `status must be "running" or "paused"`, false)
			return
		}
		s.metrics.setPaused(s.coord.Paused())
		s.log.WithField("status", payload.Status).Warn("bridge status changed")
		writeJSON(w, http.StatusOK, map[string]string{"status": s.statusLevel()})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) statusLevel() string {
	if s.coord.Paused() {
		return "paused"
	}
	return "running"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	type depInfo struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}

	probe := func(fn func(context.Context) error) depInfo {
		if fn == nil {
			return depInfo{Connected: true}
		}
		start := time.Now()
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := fn(pingCtx); err != nil {
			overallHealthy = false
			return depInfo{Connected: false, Error: err.Error()}
		}
		return depInfo{
			Connected: true,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		}
	}

	ledgerInfo := probe(s.store.Ping)
	walletInfo := probe(s.walletHealthFn)
	wrappedInfo := probe(s.wrappedHealthFn)

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status  string  `json:"status"`
		Bridge  string  `json:"bridge"`
		Ledger  depInfo `json:"ledger"`
		Wallet  depInfo `json:"wallet"`
		Wrapped depInfo `json:"wrapped"`
	}{
		Status:  status,
		Bridge:  s.statusLevel(),
		Ledger:  ledgerInfo,
		Wallet:  walletInfo,
		Wrapped: wrappedInfo,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string, retryable bool) {
	writeJSON(w, status, errorResponse{Kind: kind, Retryable: retryable, Message: message})
}
