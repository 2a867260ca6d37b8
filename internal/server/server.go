package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"zkmint/internal/config"
	"zkmint/internal/hmacauth"
	"zkmint/internal/ledger"
	"zkmint/internal/mint"
	"zkmint/internal/proofsvc"
)

const (
	maxRequestBody    = 1 << 20
	maxIdempotencyKey = 128
	healthTimeout     = 2 * time.Second
)

// Deps are the collaborators behind the API. Archive and Ledger are probed for
// optional capabilities (health checks, unknown-outcome listing).
type Deps struct {
	Orchestrator *mint.Orchestrator
	Metrics      *Metrics
	Archive      mint.Archive
	Ledger       ledger.Gateway
	Logger       *slog.Logger
}

type unknownOutcomeLister interface {
	UnknownOutcomes(ctx context.Context, limit int) ([]mint.Snapshot, error)
}

type Server struct {
	orch        *mint.Orchestrator
	hmac        *hmacauth.Verifier
	limiter     *rateLimiter
	metrics     *Metrics
	logger      *slog.Logger
	archive     mint.Archive
	httpServer  *http.Server
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		orch: deps.Orchestrator,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		limiter: newRateLimiter(cfg.Service.RateLimitRPS, cfg.Service.RateLimitBurst, cfg.Service.TrustedProxies),
		metrics: metrics,
		logger:  logger.With("component", "api"),
		archive: deps.Archive,
	}

	if checker, ok := deps.Archive.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Ledger.(ledger.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	create := s.limiter.middleware(metrics.incRateLimited, s.hmac.Middleware(http.HandlerFunc(s.handleCreateMint)))
	cancel := s.limiter.middleware(metrics.incRateLimited, s.hmac.Middleware(http.HandlerFunc(s.handleCancelMint)))

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/mints", create)
	mux.HandleFunc("GET /api/v1/mints/{id}", s.handleGetMint)
	mux.Handle("POST /api/v1/mints/{id}/cancel", cancel)
	mux.HandleFunc("GET /api/v1/mints/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/outcomes/unknown", s.handleUnknownOutcomes)
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createMintRequest struct {
	// Metadata is either a JSON string (URI or raw text) or an inline JSON document.
	Metadata  json.RawMessage    `json:"metadata"`
	Recipient string             `json:"recipient,omitempty"`
	Artifact  *proofsvc.Artifact `json:"artifact,omitempty"`
}

type mintView struct {
	ID                  string             `json:"id"`
	State               mint.State         `json:"state"`
	Metadata            string             `json:"metadata"`
	Recipient           string             `json:"recipient"`
	Artifact            *proofsvc.Artifact `json:"artifact,omitempty"`
	TxRef               ledger.TxRef       `json:"txRef,omitempty"`
	TxStatus            *ledger.TxStatus   `json:"txStatus,omitempty"`
	LastError           *mint.Failure      `json:"lastError,omitempty"`
	AttemptCount        int                `json:"attemptCount"`
	CompressionAttempts int                `json:"compressionAttempts"`
	TransientLookups    int                `json:"transientLookups"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}

func newMintView(s mint.Snapshot) mintView {
	return mintView{
		ID:                  s.ID,
		State:               s.State,
		Metadata:            string(s.Metadata),
		Recipient:           s.Recipient.Hex(),
		Artifact:            s.Artifact,
		TxRef:               s.TxRef,
		TxStatus:            s.TxStatus,
		LastError:           s.LastError,
		AttemptCount:        s.AttemptCount,
		CompressionAttempts: s.CompressionAttempts,
		TransientLookups:    s.TransientLookups,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
}

func (s *Server) handleCreateMint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if len(key) > maxIdempotencyKey {
		writeError(w, http.StatusBadRequest, "X-Idempotency-Key is too long")
		return
	}

	var payload createMintRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	metadata, err := decodeMetadata(payload.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts []mint.AttemptOption
	if key != "" {
		opts = append(opts, mint.WithID(key))
	}
	if payload.Recipient != "" {
		if !common.IsHexAddress(payload.Recipient) {
			writeError(w, http.StatusBadRequest, "recipient is not a valid address")
			return
		}
		opts = append(opts, mint.WithRecipient(common.HexToAddress(payload.Recipient)))
	}
	if payload.Artifact != nil {
		opts = append(opts, mint.WithArtifact(*payload.Artifact))
	}

	id, err := s.orch.StartMint(ctx, metadata, opts...)
	switch {
	case errors.Is(err, mint.ErrDuplicateAttempt):
		snap, getErr := s.orch.GetSnapshot(ctx, id)
		if getErr != nil {
			s.writeMintError(w, getErr)
			return
		}
		s.metrics.incRequest("duplicate")
		writeJSON(w, http.StatusOK, newMintView(snap))
		return
	case errors.Is(err, mint.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("start mint", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start mint")
		return
	}

	snap, err := s.orch.GetSnapshot(ctx, id)
	if err != nil {
		s.writeMintError(w, err)
		return
	}
	s.metrics.incRequest("accepted")
	w.Header().Set("Location", "/api/v1/mints/"+id)
	writeJSON(w, http.StatusAccepted, newMintView(snap))
}

// decodeMetadata accepts a JSON string verbatim and compacts any other JSON value.
func decodeMetadata(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, errors.New("metadata is not a valid JSON string")
		}
		return []byte(s), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, errors.New("metadata is not valid JSON")
	}
	return buf.Bytes(), nil
}

func (s *Server) handleGetMint(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.GetSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMintError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newMintView(snap))
}

func (s *Server) handleCancelMint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(id); err != nil {
		s.writeMintError(w, err)
		return
	}
	snap, err := s.orch.GetSnapshot(r.Context(), id)
	if err != nil {
		s.writeMintError(w, err)
		return
	}
	s.metrics.incRequest("cancelled")
	writeJSON(w, http.StatusAccepted, newMintView(snap))
}

func (s *Server) handleUnknownOutcomes(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.archive.(unknownOutcomeLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "archive cannot list unknown outcomes")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	snaps, err := lister.UnknownOutcomes(r.Context(), limit)
	if err != nil {
		s.logger.Error("list unknown outcomes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list unknown outcomes")
		return
	}
	views := make([]mintView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, newMintView(snap))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) writeMintError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mint.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, mint.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, mint.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("mint lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type componentHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func probe(ctx context.Context, fn func(context.Context) error) componentHealth {
	if fn == nil {
		return componentHealth{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		return componentHealth{Error: err.Error()}
	}
	return componentHealth{
		Connected: true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rpc := probe(r.Context(), s.rpcHealthFn)
	db := probe(r.Context(), s.dbHealthFn)

	status, code := "healthy", http.StatusOK
	if !rpc.Connected || !db.Connected {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status   string          `json:"status"`
		RPC      componentHealth `json:"rpc"`
		Database componentHealth `json:"database"`
	}{
		Status:   status,
		RPC:      rpc,
		Database: db,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
