package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"imgstudio/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// snapshotFrame is the first message of every progress stream.
type snapshotFrame struct {
	Kind      string                `json:"kind"`
	RequestID string                `json:"request_id"`
	Status    domain.BatchStatus    `json:"status"`
	Completed int                   `json:"completed"`
	Total     int                   `json:"total"`
	Results   []domain.ImageResult  `json:"results"`
	Errors    []domain.AttemptError `json:"errors"`
}

func newSnapshotFrame(s domain.BatchSnapshot) snapshotFrame {
	return snapshotFrame{
		Kind:      "snapshot",
		RequestID: s.RequestID,
		Status:    s.Status,
		Completed: s.Completed,
		Total:     s.Total,
		Results:   s.Results,
		Errors:    s.Errors,
	}
}

// GenerationEvents streams progress over a websocket. The first frame is the
// current snapshot; the stream ends after batch-done.
func (a *App) GenerationEvents(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	snap, sub, err := a.Generator.Subscribe(r.Context(), requestID)
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return
	}
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to subscribe")
		return
	}
	if sub != nil {
		defer sub.Close()
	}
	if !canView(r.Context(), snap) {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Warn().Err(err).Str("request_id", requestID).Msg("handlers: websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := a.Logger.With().Str("request_id", requestID).Logger()
	if err := writeJSON(conn, newSnapshotFrame(snap)); err != nil {
		logger.Debug().Err(err).Msg("handlers: write snapshot frame")
		return
	}
	if sub == nil || snap.Status.Terminal() {
		closeStream(conn, "generation finished")
		return
	}

	// The reader only services control frames and notices client hangups.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				closeStream(conn, "generation finished")
				return
			}
			if err := writeJSON(conn, ev); err != nil {
				logger.Debug().Err(err).Msg("handlers: write progress frame")
				return
			}
			if ev.Kind == domain.EventBatchDone {
				closeStream(conn, "generation finished")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
