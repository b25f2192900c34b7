package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/tally/internal/ledger"
	"github.com/hyperengineering/tally/internal/metrics"
	"github.com/hyperengineering/tally/internal/store"
	tallysync "github.com/hyperengineering/tally/internal/sync"
)

// DefaultIdempotencyTTL is how long command and push outcomes are replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// Handler implements the API handlers
type Handler struct {
	store          store.Store
	registry       *ledger.Registry
	metrics        *metrics.Metrics
	apiKey         string
	version        string
	idempotencyTTL time.Duration

	// inflight joins requests that carry an idempotency key already being
	// processed, so check, execute and record run once per key.
	inflight singleflight.Group
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithMetrics records command and sync metrics on m and serves them on /metrics.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithIdempotencyTTL overrides DefaultIdempotencyTTL.
func WithIdempotencyTTL(ttl time.Duration) HandlerOption {
	return func(h *Handler) {
		if ttl > 0 {
			h.idempotencyTTL = ttl
		}
	}
}

// NewHandler creates a Handler serving commands from registry against s.
func NewHandler(s store.Store, registry *ledger.Registry, apiKey, version string, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:          s,
		registry:       registry,
		apiKey:         apiKey,
		version:        version,
		idempotencyTTL: DefaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		slog.Error("health check failed",
			"component", "api",
			"action", "health_failed",
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	resp := tallysync.HealthResponse{
		Status:         "healthy",
		Version:        h.version,
		SchemaVersion:  h.schemaVersion(r),
		DocumentCount:  stats.DocumentCount,
		LatestSequence: stats.LatestSequence,
		Commands:       h.registry.Names(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// Metrics serves the Prometheus exposition of the handler's registry.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		WriteProblem(w, r, http.StatusNotFound, "Metrics disabled")
		return
	}
	h.metrics.Handler().ServeHTTP(w, r)
}

// schemaVersion reads the backend schema version, defaulting to 1.
func (h *Handler) schemaVersion(r *http.Request) int {
	v, err := h.store.GetSyncMeta(r.Context(), tallysync.SyncMetaSchemaVersion)
	if err != nil {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
