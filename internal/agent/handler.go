// Package agent exposes the sync engine over a small local HTTP API so that
// app front ends and the nestsync CLI can submit changes, trigger drains and
// settle conflicts.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilupskalvis/nestsync/internal/conflict"
	"github.com/kilupskalvis/nestsync/internal/engine"
	"github.com/kilupskalvis/nestsync/internal/metrics"
	"github.com/kilupskalvis/nestsync/internal/models"
	"github.com/kilupskalvis/nestsync/internal/mutation"
	"github.com/kilupskalvis/nestsync/internal/queue"
	"github.com/kilupskalvis/nestsync/internal/remote"
)

// Network reports connectivity.
type Network interface {
	IsOnline() bool
}

// Records lists the optimistic local view of a table.
type Records interface {
	List(table string) []models.Record
}

// Notifications returns recent user-facing notifications.
type Notifications interface {
	All() []models.Notification
}

// Deps are the components the API drives. Engine, Facade, Queue and
// Network are required.
type Deps struct {
	Engine        *engine.Engine
	Facade        *mutation.Facade
	Queue         *queue.Queue
	Network       Network
	Records       Records
	Notifications Notifications
	Metrics       *metrics.Collector
}

// Config holds configurable limits for the API.
type Config struct {
	Token             string // bearer token for /v1 routes, empty disables auth
	MaxRequestBody    int64
	RequestsPerMinute int
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRequestBody:    4 * 1024 * 1024, // 4MB
		RequestsPerMinute: 600,
	}
}

// MutationRequest is the body of POST /v1/mutations.
type MutationRequest struct {
	Table   string               `json:"table"`
	Kind    models.OperationKind `json:"kind"`
	Payload models.Record        `json:"payload"`
	Context string               `json:"context,omitempty"`
}

// MutationResponse reports the outcome of a mutation.
type MutationResponse struct {
	models.MutationResult
	Error string `json:"error,omitempty"`
}

// ResolveRequest is the body of POST /v1/conflicts/{table}/{id}/resolve.
type ResolveRequest struct {
	Strategy models.ResolutionStrategy `json:"strategy"`
	Merged   models.Record             `json:"merged,omitempty"`
}

// Status summarizes the agent's state.
type Status struct {
	Online           bool       `json:"online"`
	QueueDepth       int        `json:"queue_depth"`
	ConflictsPending int        `json:"conflicts_pending"`
	OldestQueuedAt   *time.Time `json:"oldest_queued_at,omitempty"`
}

type api struct {
	deps   Deps
	cfg    *Config
	logger *slog.Logger
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned function drops rate limiter state; call it on shutdown.
func Handler(deps Deps, cfg *Config, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = DefaultConfig().MaxRequestBody
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{deps: deps, cfg: cfg, logger: logger}

	limiter := newHostLimiter(cfg.RequestsPerMinute, nil)
	mws := []func(http.Handler) http.Handler{limiter.middleware}
	if cfg.Token != "" {
		mws = append([]func(http.Handler) http.Handler{requireToken(cfg.Token)}, mws...)
	}
	// Execution order: auth -> rl -> handler
	protect := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, mws...)
	}

	mux := http.NewServeMux()

	// Health endpoints (no auth)
	mux.HandleFunc("GET /healthz", handleHealthz)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	mux.Handle("GET /v1/status", protect(a.handleStatus))
	mux.Handle("POST /v1/mutations", protect(a.handleMutate))
	mux.Handle("POST /v1/drain", protect(a.handleDrain))

	mux.Handle("GET /v1/queue", protect(a.handleListQueue))
	mux.Handle("DELETE /v1/queue/{id}", protect(a.handleDropQueued))

	mux.Handle("GET /v1/conflicts", protect(a.handleListConflicts))
	mux.Handle("POST /v1/conflicts/{table}/{id}/resolve", protect(a.handleResolve))

	mux.Handle("GET /v1/records/{table}", protect(a.handleListRecords))
	mux.Handle("GET /v1/notifications", protect(a.handleNotifications))

	// Apply global middleware
	handler := applyMiddleware(mux,
		withRecovery(logger),
		withAccessLog(logger),
		withRequestID,
	)
	return handler, limiter.reset
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := Status{
		Online:           a.deps.Network.IsOnline(),
		QueueDepth:       a.deps.Queue.Size(),
		ConflictsPending: a.deps.Engine.Conflicts().Len(),
	}
	if ops := a.deps.Queue.List(); len(ops) > 0 {
		oldest := ops[0].EnqueuedAt
		st.OldestQueuedAt = &oldest
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) handleMutate(w http.ResponseWriter, r *http.Request) {
	var req MutationRequest
	if err := readJSON(r, a.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Table == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "table is required")
		return
	}

	res := a.deps.Facade.Mutate(r.Context(), req.Table, req.Kind, req.Payload, req.Context)
	resp := MutationResponse{MutationResult: res}

	switch {
	case res.Error != nil:
		resp.Error = res.Error.Error()
		writeJSON(w, mutationErrorStatus(res.Error), resp)
	case res.Queued:
		writeJSON(w, http.StatusAccepted, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// mutationErrorStatus maps a rejected mutation to an HTTP status.
func mutationErrorStatus(err error) int {
	var re *remote.RemoteError
	switch {
	case errors.Is(err, mutation.ErrInvalidKind), errors.Is(err, queue.ErrMissingRecordID):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.As(err, &re):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) handleDrain(w http.ResponseWriter, r *http.Request) {
	res := a.deps.Engine.Drain(r.Context())
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handleListQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Queue.List())
}

func (a *api) handleDropQueued(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.deps.Queue.Get(id); errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("operation '%s' not queued", id))
		return
	}
	if err := a.deps.Queue.Dequeue(id); err != nil {
		a.logger.Error("drop queued operation", "error", err, "operation_id", id)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to drop operation")
		return
	}
	a.deps.Metrics.SetQueueDepth(a.deps.Queue.Size())
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleListConflicts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Engine.Conflicts().Pending())
}

func (a *api) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := readJSON(r, a.cfg.MaxRequestBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	key := models.RecordKey(r.PathValue("table"), r.PathValue("id"))
	rec, err := a.deps.Engine.Resolve(r.Context(), key, req.Strategy, req.Merged)
	if err != nil {
		switch {
		case errors.Is(err, conflict.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, conflict.ErrInvalidStrategy), errors.Is(err, conflict.ErrMergePayloadRequired):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		default:
			writeError(w, http.StatusBadGateway, "remote_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if a.deps.Records == nil {
		writeJSON(w, http.StatusOK, []models.Record{})
		return
	}
	recs := a.deps.Records.List(r.PathValue("table"))
	if recs == nil {
		recs = []models.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *api) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Notifications == nil {
		writeJSON(w, http.StatusOK, []models.Notification{})
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Notifications.All())
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func readJSON(r *http.Request, maxSize int64, v interface{}) error {
	limited := io.LimitReader(r.Body, maxSize)
	if err := json.NewDecoder(limited).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
