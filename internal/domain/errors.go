package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidCount       = errors.New("invalid count")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrDuplicateInFlight  = errors.New("duplicate in flight")
	ErrSystemOverloaded   = errors.New("system overloaded")
	ErrProviderFailure    = errors.New("provider failure")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// RejectReason enumerates why an admission was refused.
type RejectReason string

const (
	RejectRateLimited       RejectReason = "rate_limited"
	RejectInvalidCount      RejectReason = "invalid_count"
	RejectInvalidRequest    RejectReason = "invalid_request"
	RejectDuplicateInFlight RejectReason = "duplicate_in_flight"
	RejectSystemOverloaded  RejectReason = "system_overloaded"
)

// AdmissionError is returned synchronously by SubmitBatch; nothing was started.
type AdmissionError struct {
	Reason     RejectReason
	Scope      string
	RetryAfter time.Duration
	RequestID  string
	Message    string
}

func (e *AdmissionError) Error() string {
	msg := string(e.Reason)
	if e.Scope != "" {
		msg += " (" + e.Scope + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Unwrap maps the reason onto its sentinel so callers can use errors.Is.
func (e *AdmissionError) Unwrap() error {
	switch e.Reason {
	case RejectRateLimited:
		return ErrRateLimited
	case RejectInvalidCount:
		return ErrInvalidCount
	case RejectInvalidRequest:
		return ErrInvalidRequest
	case RejectDuplicateInFlight:
		return ErrDuplicateInFlight
	case RejectSystemOverloaded:
		return ErrSystemOverloaded
	default:
		return nil
	}
}

// Reject builds an AdmissionError with a formatted message.
func Reject(reason RejectReason, format string, args ...any) *AdmissionError {
	return &AdmissionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// FailureReason classifies why an attempt failed.
type FailureReason string

const (
	ReasonOptimizerFailed  FailureReason = "optimizer_failed"
	ReasonSubmissionFailed FailureReason = "submission_failed"
	ReasonBackendError     FailureReason = "backend_error"
	ReasonContentModerated FailureReason = "content_moderated"
	ReasonRequestModerated FailureReason = "request_moderated"
	ReasonFetchExpired     FailureReason = "fetch_expired"
	ReasonFetchFailed      FailureReason = "fetch_failed"
	ReasonPollFailed       FailureReason = "poll_failed"
	ReasonTimeout          FailureReason = "timeout"
	ReasonSystemOverloaded FailureReason = "system_overloaded"
	ReasonPersistFailed    FailureReason = "persist_failed"
	ReasonInternal         FailureReason = "internal_error"
)

// AttemptError is the failure detail of one attempt. It stays local to the
// attempt and is surfaced in the aggregated batch result.
type AttemptError struct {
	Index  int           `json:"index"`
	Reason FailureReason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}

func (e AttemptError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("attempt %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("attempt %d: %s: %s", e.Index, e.Reason, e.Detail)
}
