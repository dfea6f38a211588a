package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const memoryIdleTTL = 24 * time.Hour

type window struct {
	start time.Time
	count int
}

type identityWindows struct {
	mu      sync.Mutex
	windows map[Scope]*window
}

// MemoryStore keeps rate windows in process. Entries expire after a day of
// inactivity and each identity has its own lock.
type MemoryStore struct {
	entries *cache.Cache
	mu      sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: cache.New(memoryIdleTTL, 10*time.Minute)}
}

func (s *MemoryStore) entry(identity string) *identityWindows {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.entries.Get(identity); ok {
		e := v.(*identityWindows)
		s.entries.SetDefault(identity, e)
		return e
	}
	e := &identityWindows{windows: make(map[Scope]*window)}
	s.entries.SetDefault(identity, e)
	return e
}

func (s *MemoryStore) Take(_ context.Context, identity string, quotas []Quota, cost int, now time.Time) (Decision, error) {
	e := s.entry(identity)
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, q := range quotas {
		w := e.windows[q.Scope]
		start := windowStart(now, q.Period)
		if w == nil || !w.start.Equal(start) {
			w = &window{start: start}
			e.windows[q.Scope] = w
		}
		if w.count+cost > q.Limit {
			return Decision{Allowed: false, Scope: q.Scope, RetryAfter: retryAfter(now, q)}, nil
		}
	}
	for _, q := range quotas {
		e.windows[q.Scope].count += cost
	}
	return Decision{Allowed: true}, nil
}

var _ WindowStore = (*MemoryStore)(nil)
