package domain

import "time"

// EditMode enumerates how the backend should apply the instruction.
type EditMode string

const (
	EditModeFull   EditMode = "full"
	EditModeMasked EditMode = "masked"
)

// NormalizeEditMode maps free-form input onto a supported mode. Unknown values
// are returned unchanged so validation can reject them.
func NormalizeEditMode(mode string) EditMode {
	switch mode {
	case "", "full", "regenerate", "generate":
		return EditModeFull
	case "masked", "mask", "fill", "inpaint":
		return EditModeMasked
	default:
		return EditMode(mode)
	}
}

// GenerationRequest is one accepted intent to transform one source image.
// It is treated as immutable once admitted.
type GenerationRequest struct {
	RequestID   string
	SessionID   string
	Identity    string
	Image       []byte
	Instruction string
	Count       int
	Mode        EditMode
	Mask        []byte
	Seed        *int64
	Locale      string
	Country     string
}

// AttemptState tracks a single attempt through its lifecycle.
type AttemptState string

const (
	AttemptPending    AttemptState = "pending"
	AttemptOptimizing AttemptState = "optimizing"
	AttemptSubmitting AttemptState = "submitting"
	AttemptPolling    AttemptState = "polling"
	AttemptSucceeded  AttemptState = "succeeded"
	AttemptFailed     AttemptState = "failed"
)

// Terminal reports whether no further transition can occur.
func (s AttemptState) Terminal() bool {
	return s == AttemptSucceeded || s == AttemptFailed
}

// BatchStatus is the aggregate state of a batch.
type BatchStatus string

const (
	BatchAdmitted        BatchStatus = "admitted"
	BatchRunning         BatchStatus = "running"
	BatchCompleted       BatchStatus = "completed"
	BatchPartiallyFailed BatchStatus = "partially_failed"
	BatchFailed          BatchStatus = "failed"
)

// Terminal reports whether the status is final.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchPartiallyFailed, BatchFailed:
		return true
	default:
		return false
	}
}

func (s BatchStatus) rank() int {
	switch s {
	case BatchAdmitted:
		return 0
	case BatchRunning:
		return 1
	default:
		return 2
	}
}

// Precedes reports whether moving from s to next is a forward transition.
func (s BatchStatus) Precedes(next BatchStatus) bool {
	return s.rank() < next.rank()
}

// FinalStatus computes the terminal status for a fully completed batch.
func FinalStatus(total, succeeded int) BatchStatus {
	switch {
	case succeeded >= total:
		return BatchCompleted
	case succeeded == 0:
		return BatchFailed
	default:
		return BatchPartiallyFailed
	}
}

// ImageResult is one successful attempt's output.
type ImageResult struct {
	Index    int    `json:"index"`
	Seed     int64  `json:"seed"`
	ImageRef string `json:"image_ref"`
	MIME     string `json:"mime,omitempty"`
}

// AttemptSnapshot is a point-in-time copy of one attempt.
type AttemptSnapshot struct {
	Index    int           `json:"index"`
	Seed     int64         `json:"seed"`
	State    AttemptState  `json:"state"`
	ImageRef string        `json:"image_ref,omitempty"`
	Reason   FailureReason `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// BatchSnapshot is a copy of a batch's state safe to hand to other goroutines.
type BatchSnapshot struct {
	RequestID   string            `json:"request_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Status      BatchStatus       `json:"status"`
	Total       int               `json:"total"`
	Completed   int               `json:"completed"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Attempts    []AttemptSnapshot `json:"attempts"`
	Results     []ImageResult     `json:"results"`
	Errors      []AttemptError    `json:"errors"`
	Instruction string            `json:"instruction,omitempty"`
	Country     string            `json:"country,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// Admission is returned to callers of SubmitBatch.
type Admission struct {
	RequestID string      `json:"request_id"`
	Status    BatchStatus `json:"status"`
	Total     int         `json:"total"`
	Duplicate bool        `json:"duplicate,omitempty"`
}
