package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript checks every window key, then charges all of them. It returns
// the 1-based index of the first exhausted quota or 0 when admitted.
var takeScript = redis.NewScript(`
local cost = tonumber(ARGV[1])
for i, key in ipairs(KEYS) do
  local limit = tonumber(ARGV[1 + i])
  local current = tonumber(redis.call("GET", key) or "0")
  if current + cost > limit then
    return i
  end
end
for i, key in ipairs(KEYS) do
  local ttl = tonumber(ARGV[1 + #KEYS + i])
  redis.call("INCRBY", key, cost)
  redis.call("PEXPIRE", key, ttl)
end
return 0
`)

// RedisStore keeps rate windows in Redis so quotas hold across replicas.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(identity string, q Quota, start time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", s.prefix, identity, q.Scope, start.Unix())
}

func (s *RedisStore) Take(ctx context.Context, identity string, quotas []Quota, cost int, now time.Time) (Decision, error) {
	keys := make([]string, 0, len(quotas))
	args := make([]any, 0, 1+2*len(quotas))
	args = append(args, cost)
	for _, q := range quotas {
		keys = append(keys, s.key(identity, q, windowStart(now, q.Period)))
		args = append(args, q.Limit)
	}
	for _, q := range quotas {
		ttl := windowStart(now, q.Period).Add(q.Period).Sub(now) + time.Second
		args = append(args, ttl.Milliseconds())
	}

	idx, err := takeScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return Decision{}, fmt.Errorf("redis take: %w", err)
	}
	if idx == 0 {
		return Decision{Allowed: true}, nil
	}
	if idx < 1 || idx > len(quotas) {
		return Decision{}, fmt.Errorf("redis take: unexpected quota index %d", idx)
	}
	q := quotas[idx-1]
	return Decision{Allowed: false, Scope: q.Scope, RetryAfter: retryAfter(now, q)}, nil
}

var _ WindowStore = (*RedisStore)(nil)
