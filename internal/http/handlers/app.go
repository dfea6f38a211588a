package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"imgstudio/internal/domain"
	"imgstudio/internal/infra"
	"imgstudio/internal/middleware"
	"imgstudio/internal/orchestrator"
	"imgstudio/internal/progress"
)

// Generator is the slice of the orchestrator the routes need.
type Generator interface {
	SubmitBatch(ctx context.Context, req domain.GenerationRequest) (domain.Admission, error)
	BatchStatus(ctx context.Context, requestID string) (domain.BatchSnapshot, error)
	Subscribe(ctx context.Context, requestID string) (domain.BatchSnapshot, *progress.Subscription, error)
	Stats() orchestrator.Stats
}

// ImageReader loads persisted images by reference.
type ImageReader interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// BatchLister lists archived batches of a session.
type BatchLister interface {
	ListBySession(ctx context.Context, sessionID string, limit int) ([]domain.BatchSnapshot, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type App struct {
	Config    *infra.Config
	Logger    infra.Logger
	Generator Generator
	Images    ImageReader
	Sessions  domain.SessionStore
	Batches   BatchLister
	Checks    map[string]HealthCheck
	Providers map[string]string

	upgrader websocket.Upgrader
}

func NewApp(cfg *infra.Config, logger infra.Logger, gen Generator, images ImageReader, sessions domain.SessionStore) *App {
	origins := middleware.NewOrigins(cfg.AllowedOrigins)
	return &App{
		Config:    cfg,
		Logger:    logger,
		Generator: gen,
		Images:    images,
		Sessions:  sessions,
		Checks:    map[string]HealthCheck{},
		Providers: map[string]string{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     origins.CheckOrigin,
		},
	}
}

type errorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Scope             string `json:"scope,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// admissionError renders a rejected submission.
func (a *App) admissionError(w http.ResponseWriter, err *domain.AdmissionError) {
	body := errorBody{Code: string(err.Reason), Message: err.Error()}
	status := http.StatusBadRequest
	switch err.Reason {
	case domain.RejectRateLimited:
		status = http.StatusTooManyRequests
		body.Scope = err.Scope
		body.RetryAfterSeconds = int(math.Ceil(err.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	case domain.RejectSystemOverloaded:
		status = http.StatusServiceUnavailable
	case domain.RejectDuplicateInFlight:
		status = http.StatusConflict
	}
	a.json(w, status, map[string]errorBody{"error": body})
}

// lookupBatch loads a batch the caller may see. Batches owned by another
// session are reported as missing.
func (a *App) lookupBatch(w http.ResponseWriter, r *http.Request, requestID string) (domain.BatchSnapshot, bool) {
	snap, err := a.Generator.BatchStatus(r.Context(), requestID)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return snap, false
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("request_id", requestID).Msg("handlers: batch lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load generation")
		return snap, false
	}
	if !canView(r.Context(), snap) {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return snap, false
	}
	return snap, true
}

func canView(ctx context.Context, snap domain.BatchSnapshot) bool {
	return snap.SessionID == "" || snap.SessionID == middleware.SessionIDFromContext(ctx)
}
