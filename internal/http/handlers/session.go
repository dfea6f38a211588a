package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"imgstudio/internal/domain"
	"imgstudio/internal/middleware"
)

type sessionResponse struct {
	SessionID       string                  `json:"session_id"`
	DailyCount      int                     `json:"daily_count"`
	TotalCount      int                     `json:"total_count"`
	GeneratedImages []domain.GeneratedImage `json:"generated_images"`
}

// GetSession returns the caller's counters and history, starting a session
// when the request carries none.
func (a *App) GetSession(w http.ResponseWriter, r *http.Request) {
	id := middleware.SessionIDFromContext(r.Context())
	if id == "" {
		a.CreateSession(w, r)
		return
	}
	hist, err := a.Sessions.History(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		if err := a.Sessions.Touch(r.Context(), id); err != nil {
			a.Logger.Error().Err(err).Str("session_id", id).Msg("handlers: touch session")
			a.error(w, http.StatusInternalServerError, "internal", "failed to load session")
			return
		}
		a.json(w, http.StatusOK, sessionResponse{SessionID: id, GeneratedImages: []domain.GeneratedImage{}})
		return
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("session_id", id).Msg("handlers: load session")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load session")
		return
	}
	a.json(w, http.StatusOK, sessionResponse{
		SessionID:       id,
		DailyCount:      hist.Counts.Daily,
		TotalCount:      hist.Counts.Total,
		GeneratedImages: hist.GeneratedImages,
	})
}

// CreateSession mints a new session id and returns it in the body, the
// session header and a cookie.
func (a *App) CreateSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	if err := a.Sessions.Touch(r.Context(), id); err != nil {
		a.Logger.Error().Err(err).Msg("handlers: create session")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(a.Config.SessionTimeout.Seconds()),
		HttpOnly: true,
		Secure:   a.Config.AppEnv == "production",
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set(middleware.SessionHeader, id)
	a.json(w, http.StatusCreated, sessionResponse{SessionID: id, GeneratedImages: []domain.GeneratedImage{}})
}

// SessionBatches lists archived batches of the caller's session.
func (a *App) SessionBatches(w http.ResponseWriter, r *http.Request) {
	id := middleware.SessionIDFromContext(r.Context())
	if id == "" {
		a.error(w, http.StatusBadRequest, "invalid_request", "session required")
		return
	}
	if a.Batches == nil {
		a.json(w, http.StatusOK, map[string]any{"items": []domain.BatchSnapshot{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	items, err := a.Batches.ListBySession(r.Context(), id, limit)
	if err != nil {
		a.Logger.Error().Err(err).Str("session_id", id).Msg("handlers: list session batches")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list generations")
		return
	}
	if items == nil {
		items = []domain.BatchSnapshot{}
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
