package orchestrator

import (
	"context"

	"imgstudio/internal/domain"
)

// Optimizer turns the user's instruction into a backend prompt.
type Optimizer interface {
	Optimize(ctx context.Context, instruction string, meta domain.ImageMeta) (string, error)
}

// Backend is the asynchronous image-generation service.
type Backend interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (domain.JobHandle, error)
	Status(ctx context.Context, handle domain.JobHandle) (domain.JobStatus, error)
	Fetch(ctx context.Context, resultRef string) ([]byte, string, error)
}

// ResultStore persists a fetched image and returns its reference.
type ResultStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// SessionRecorder receives every finalized batch that has a session.
type SessionRecorder interface {
	RecordGeneration(ctx context.Context, sessionID string, batch domain.BatchSnapshot) error
}

// SessionCounter reports a session's generation counters.
type SessionCounter interface {
	Counts(ctx context.Context, sessionID string) (domain.SessionCounts, error)
}

// Archiver keeps finalized batches beyond the in-memory retention window.
type Archiver interface {
	Save(ctx context.Context, batch domain.BatchSnapshot) error
	Get(ctx context.Context, requestID string) (*domain.BatchSnapshot, error)
}
