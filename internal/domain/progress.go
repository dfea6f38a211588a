package domain

import "time"

// EventKind enumerates progress event types.
type EventKind string

const (
	EventAttemptProgress EventKind = "attempt-progress"
	EventAttemptDone     EventKind = "attempt-done"
	EventBatchDone       EventKind = "batch-done"
)

// ProgressEvent is an immutable emission describing batch progress.
type ProgressEvent struct {
	RequestID    string         `json:"request_id"`
	Seq          uint64         `json:"seq"`
	Kind         EventKind      `json:"kind"`
	Stage        AttemptState   `json:"stage,omitempty"`
	AttemptIndex int            `json:"attempt,omitempty"`
	Completed    int            `json:"completed"`
	Total        int            `json:"total"`
	Status       BatchStatus    `json:"status,omitempty"`
	Results      []ImageResult  `json:"results,omitempty"`
	Errors       []AttemptError `json:"errors,omitempty"`
	At           time.Time      `json:"at"`
}
