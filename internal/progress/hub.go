// Package progress fans generation progress events out to subscribers.
package progress

import (
	"sync"

	"github.com/rs/zerolog"

	"imgstudio/internal/domain"
)

const DefaultBuffer = 32

// Subscription receives the events of one request from the moment it was
// created. C is closed when the subscription ends.
type Subscription struct {
	C         <-chan domain.ProgressEvent
	RequestID string

	ch   chan domain.ProgressEvent
	hub  *Hub
	once sync.Once
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.hub.remove(s)
}

// Hub is a non-blocking broadcast of progress events keyed by request id.
// Delivery is at most once: a subscriber with a full buffer misses events.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger zerolog.Logger
}

func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

func (h *Hub) Subscribe(requestID string) *Subscription {
	ch := make(chan domain.ProgressEvent, h.buffer)
	sub := &Subscription{C: ch, RequestID: requestID, ch: ch, hub: h}

	h.mu.Lock()
	set, ok := h.subs[requestID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[requestID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish never blocks the caller.
func (h *Hub) Publish(ev domain.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.RequestID] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn().
				Str("request_id", ev.RequestID).
				Str("kind", string(ev.Kind)).
				Uint64("seq", ev.Seq).
				Msg("progress: subscriber buffer full, event dropped")
		}
	}
}

// CloseRequest ends every subscription of requestID.
func (h *Hub) CloseRequest(requestID string) {
	h.mu.Lock()
	set := h.subs[requestID]
	delete(h.subs, requestID)
	h.mu.Unlock()
	for sub := range set {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Subscribers reports the live subscription count for requestID.
func (h *Hub) Subscribers(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[requestID])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.RequestID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.RequestID)
		}
	}
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.ch) })
}
