package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"imgstudio/internal/domain"
)

const (
	keyPrefix     = "session:"
	maxTxAttempts = 32
)

// RedisStore keeps sessions as JSON documents under session:<id>. Updates
// are optimistic WATCH transactions so concurrent batches of one session
// never lose a count.
type RedisStore struct {
	client *redis.Client
	opts   Options
}

func NewRedisStore(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{client: client, opts: opts.withDefaults()}
}

func redisKey(sessionID string) string {
	return keyPrefix + sessionID
}

func (s *RedisStore) RecordGeneration(ctx context.Context, sessionID string, b domain.BatchSnapshot) error {
	return s.update(ctx, sessionID, func(r *record) {
		r.apply(b, s.opts.Now(), s.opts.MaxImages)
	})
}

func (s *RedisStore) Touch(ctx context.Context, sessionID string) error {
	return s.update(ctx, sessionID, func(r *record) {
		now := s.opts.Now()
		r.rollover(now)
		r.LastActivity = now.UTC()
	})
}

func (s *RedisStore) Counts(ctx context.Context, sessionID string) (domain.SessionCounts, error) {
	r, err := s.load(ctx, s.client, sessionID)
	if err != nil {
		return domain.SessionCounts{}, err
	}
	return r.counts(s.opts.Now()), nil
}

func (s *RedisStore) History(ctx context.Context, sessionID string) (*domain.SessionHistory, error) {
	r, err := s.load(ctx, s.client, sessionID)
	if err != nil {
		return nil, err
	}
	return r.history(sessionID, s.opts.Now()), nil
}

func (s *RedisStore) update(ctx context.Context, sessionID string, fn func(*record)) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errSessionRequired
	}
	key := redisKey(sessionID)

	txf := func(tx *redis.Tx) error {
		r, err := s.load(ctx, tx, sessionID)
		if errors.Is(err, domain.ErrNotFound) {
			r = newRecord(s.opts.Now())
		} else if err != nil {
			return err
		}
		fn(r)
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("session: encode: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, s.opts.TTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("session: update %s: %w", sessionID, err)
		}
		return nil
	}
	return fmt.Errorf("session: update %s: %w", sessionID, redis.TxFailedErr)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, sessionID string) (*record, error) {
	raw, err := c.Get(ctx, redisKey(strings.TrimSpace(sessionID))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	return &r, nil
}
