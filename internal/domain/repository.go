package domain

import "context"

// SessionStore persists per-session counters and generation history. Entries
// expire after a fixed time-to-live of inactivity.
type SessionStore interface {
	RecordGeneration(ctx context.Context, sessionID string, batch BatchSnapshot) error
	Counts(ctx context.Context, sessionID string) (SessionCounts, error)
	History(ctx context.Context, sessionID string) (*SessionHistory, error)
	Touch(ctx context.Context, sessionID string) error
}
