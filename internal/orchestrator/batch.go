package orchestrator

import (
	"context"
	"sync"
	"time"

	"imgstudio/internal/domain"
)

// attempt is owned by its batch; every field is guarded by batch.mu.
type attempt struct {
	index    int
	seed     int64
	state    domain.AttemptState
	prompt   string
	imageRef string
	mime     string
	reason   domain.FailureReason
	detail   string
}

// outcome is what an attempt goroutine reports when it stops.
type outcome struct {
	imageRef string
	mime     string
	reason   domain.FailureReason
	detail   string
}

func (o outcome) succeeded() bool { return o.reason == "" }

func failure(reason domain.FailureReason, detail string) outcome {
	return outcome{reason: reason, detail: detail}
}

// batch is the mutable state of one request. mu is the only lock guarding
// it, and progress events are published while holding it.
type batch struct {
	mu sync.Mutex

	req       domain.GenerationRequest
	meta      domain.ImageMeta
	status    domain.BatchStatus
	attempts  []*attempt
	completed int
	succeeded int
	failed    int
	seq       uint64
	finalized bool

	createdAt  time.Time
	finishedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	watchdog *time.Timer
}

func newBatch(parent context.Context, req domain.GenerationRequest, meta domain.ImageMeta) *batch {
	ctx, cancel := context.WithCancel(parent)
	b := &batch{
		req:       req,
		meta:      meta,
		status:    domain.BatchAdmitted,
		attempts:  make([]*attempt, req.Count),
		createdAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := range b.attempts {
		index := i + 1
		b.attempts[i] = &attempt{
			index: index,
			seed:  DeriveSeed(req.RequestID, req.Seed, index),
			state: domain.AttemptPending,
		}
	}
	return b
}

func (b *batch) total() int { return len(b.attempts) }

// applyLocked records o for a. It reports false when the outcome must be
// dropped because the attempt or the batch already finished.
func (b *batch) applyLocked(a *attempt, o outcome) bool {
	if b.finalized || a.state.Terminal() {
		return false
	}
	if o.succeeded() {
		a.state = domain.AttemptSucceeded
		a.imageRef = o.imageRef
		a.mime = o.mime
		b.succeeded++
	} else {
		a.state = domain.AttemptFailed
		a.reason = o.reason
		a.detail = o.detail
		b.failed++
	}
	b.completed++
	if b.completed < b.total() && b.status.Precedes(domain.BatchRunning) {
		b.status = domain.BatchRunning
	}
	return true
}

func (b *batch) eventLocked(kind domain.EventKind) domain.ProgressEvent {
	b.seq++
	return domain.ProgressEvent{
		RequestID: b.req.RequestID,
		Seq:       b.seq,
		Kind:      kind,
		Completed: b.completed,
		Total:     b.total(),
		Status:    b.status,
		At:        time.Now().UTC(),
	}
}

// snapshotLocked copies the state. Results and errors are in attempt order.
func (b *batch) snapshotLocked() domain.BatchSnapshot {
	snap := domain.BatchSnapshot{
		RequestID:   b.req.RequestID,
		SessionID:   b.req.SessionID,
		Status:      b.status,
		Total:       b.total(),
		Completed:   b.completed,
		Succeeded:   b.succeeded,
		Failed:      b.failed,
		Attempts:    make([]domain.AttemptSnapshot, 0, len(b.attempts)),
		Results:     []domain.ImageResult{},
		Errors:      []domain.AttemptError{},
		Instruction: b.req.Instruction,
		Country:     b.req.Country,
		CreatedAt:   b.createdAt,
	}
	for _, a := range b.attempts {
		snap.Attempts = append(snap.Attempts, domain.AttemptSnapshot{
			Index:    a.index,
			Seed:     a.seed,
			State:    a.state,
			ImageRef: a.imageRef,
			Reason:   a.reason,
			Detail:   a.detail,
		})
		switch a.state {
		case domain.AttemptSucceeded:
			snap.Results = append(snap.Results, domain.ImageResult{Index: a.index, Seed: a.seed, ImageRef: a.imageRef, MIME: a.mime})
		case domain.AttemptFailed:
			snap.Errors = append(snap.Errors, domain.AttemptError{Index: a.index, Reason: a.reason, Detail: a.detail})
		}
	}
	if b.finalized {
		finished := b.finishedAt
		snap.FinishedAt = &finished
	}
	return snap
}
