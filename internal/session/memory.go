package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/patrickmn/go-cache"

	"imgstudio/internal/domain"
)

var errSessionRequired = errors.New("session: id is required")

// MemoryStore keeps sessions in process. Entries expire after TTL without
// activity.
type MemoryStore struct {
	opts  Options
	cache *cache.Cache
	mu    sync.Mutex
}

func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	return &MemoryStore{opts: opts, cache: cache.New(opts.TTL, opts.TTL/4)}
}

func (s *MemoryStore) RecordGeneration(ctx context.Context, sessionID string, b domain.BatchSnapshot) error {
	return s.update(sessionID, func(r *record) {
		r.apply(b, s.opts.Now(), s.opts.MaxImages)
	})
}

func (s *MemoryStore) Touch(ctx context.Context, sessionID string) error {
	return s.update(sessionID, func(r *record) {
		now := s.opts.Now()
		r.rollover(now)
		r.LastActivity = now.UTC()
	})
}

func (s *MemoryStore) Counts(ctx context.Context, sessionID string) (domain.SessionCounts, error) {
	r, err := s.load(sessionID)
	if err != nil {
		return domain.SessionCounts{}, err
	}
	return r.counts(s.opts.Now()), nil
}

func (s *MemoryStore) History(ctx context.Context, sessionID string) (*domain.SessionHistory, error) {
	r, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	return r.history(sessionID, s.opts.Now()), nil
}

// update mutates a copy of the record and stores it back, refreshing the TTL.
func (s *MemoryStore) update(sessionID string, fn func(*record)) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errSessionRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var r record
	if v, ok := s.cache.Get(sessionID); ok {
		r = v.(record)
		r.Images = append([]domain.GeneratedImage(nil), r.Images...)
	} else {
		r = *newRecord(s.opts.Now())
	}
	fn(&r)
	s.cache.SetDefault(sessionID, r)
	return nil
}

func (s *MemoryStore) load(sessionID string) (record, error) {
	v, ok := s.cache.Get(strings.TrimSpace(sessionID))
	if !ok {
		return record{}, domain.ErrNotFound
	}
	return v.(record), nil
}
