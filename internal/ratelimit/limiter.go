// Package ratelimit implements per-identity fixed-window quotas and the global
// generation slot pool.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Scope names a quota window.
type Scope string

const (
	ScopeMinute Scope = "minute"
	ScopeHour   Scope = "hour"
	ScopeDay    Scope = "day"
)

// Quota is one fixed window. A non-positive Limit disables the quota.
type Quota struct {
	Scope  Scope
	Period time.Duration
	Limit  int
}

// Limits configures the three standard windows.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// Quotas returns the enabled windows in evaluation order.
func (l Limits) Quotas() []Quota {
	all := []Quota{
		{Scope: ScopeMinute, Period: time.Minute, Limit: l.PerMinute},
		{Scope: ScopeHour, Period: time.Hour, Limit: l.PerHour},
		{Scope: ScopeDay, Period: 24 * time.Hour, Limit: l.PerDay},
	}
	out := all[:0]
	for _, q := range all {
		if q.Limit > 0 {
			out = append(out, q)
		}
	}
	return out
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Scope      Scope
	RetryAfter time.Duration
}

// WindowStore checks and charges all quotas for an identity atomically.
type WindowStore interface {
	Take(ctx context.Context, identity string, quotas []Quota, cost int, now time.Time) (Decision, error)
}

// Limiter admits or rejects work against the configured quotas.
type Limiter struct {
	store  WindowStore
	quotas []Quota
	now    func() time.Time
}

// NewLimiter builds a limiter over store. A nil store gets an in-memory one.
func NewLimiter(store WindowStore, limits Limits) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{store: store, quotas: limits.Quotas(), now: time.Now}
}

// WithClock replaces the time source, mainly for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	if now != nil {
		l.now = now
	}
	return l
}

// Admit charges cost against every quota of identity or reports the first
// exhausted scope. Nothing is charged on denial.
func (l *Limiter) Admit(ctx context.Context, identity string, cost int) (Decision, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Decision{}, errors.New("ratelimit: identity is required")
	}
	if cost < 1 {
		cost = 1
	}
	if len(l.quotas) == 0 {
		return Decision{Allowed: true}, nil
	}
	d, err := l.store.Take(ctx, identity, l.quotas, cost, l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: take: %w", err)
	}
	return d, nil
}

// windowStart aligns now to the quota period. Truncate works on absolute
// time, so daily windows start at UTC midnight.
func windowStart(now time.Time, period time.Duration) time.Time {
	return now.Truncate(period)
}

func retryAfter(now time.Time, q Quota) time.Duration {
	return windowStart(now, q.Period).Add(q.Period).Sub(now)
}
