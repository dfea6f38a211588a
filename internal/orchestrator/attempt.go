package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"imgstudio/internal/domain"
	"imgstudio/internal/providers/prompt"
	"imgstudio/internal/ratelimit"
	"imgstudio/internal/storage"
)

func (c *Coordinator) runAttempt(b *batch, a *attempt) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("request_id", b.req.RequestID).
				Int("attempt", a.index).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("orchestrator: attempt panicked")
			c.completeAttempt(b, a, failure(domain.ReasonInternal, fmt.Sprint(r)))
		}
	}()
	c.completeAttempt(b, a, c.executeAttempt(b.ctx, b, a))
}

// executeAttempt runs optimize, submit, poll and persist for one attempt.
// The slot is held for the whole run and released on every exit path.
func (c *Coordinator) executeAttempt(ctx context.Context, b *batch, a *attempt) outcome {
	release, err := c.slots.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ratelimit.ErrNoSlot) {
			return failure(domain.ReasonSystemOverloaded, "no generation slot available")
		}
		return failure(domain.ReasonTimeout, "batch deadline reached while waiting for a slot")
	}
	defer release()

	c.setStage(b, a, domain.AttemptOptimizing)
	text, err := c.optimizedPrompt(ctx, b, a)
	if err != nil {
		if ctx.Err() != nil {
			return failure(domain.ReasonTimeout, "batch deadline reached during prompt optimization")
		}
		return failure(domain.ReasonOptimizerFailed, err.Error())
	}

	c.setStage(b, a, domain.AttemptSubmitting)
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return failure(domain.ReasonTimeout, "batch deadline reached before submission")
		}
	}
	handle, err := c.backend.Submit(ctx, domain.SubmitRequest{
		Prompt:    text,
		Image:     b.req.Image,
		Mask:      b.req.Mask,
		Mode:      b.req.Mode,
		Seed:      a.seed,
		RequestID: b.req.RequestID,
		Index:     a.index,
	})
	if err != nil {
		if ctx.Err() != nil {
			return failure(domain.ReasonTimeout, "batch deadline reached during submission")
		}
		return failure(domain.ReasonSubmissionFailed, err.Error())
	}

	c.setStage(b, a, domain.AttemptPolling)
	res := c.poller.Poll(ctx, handle, c.cfg.AttemptTimeout, func(state domain.JobState) {
		c.logger.Debug().
			Str("request_id", b.req.RequestID).
			Int("attempt", a.index).
			Str("job_id", handle.ID).
			Str("state", string(state)).
			Msg("orchestrator: poll")
	})
	switch res.Outcome {
	case PollReady:
	case PollFailed, PollTimedOut:
		return failure(res.Reason, res.Detail)
	default:
		return failure(domain.ReasonInternal, "unknown poll outcome")
	}

	ref, err := c.store.Write(ctx, storage.ResultKey(b.req.RequestID, a.index, res.ContentType), res.Data)
	if err != nil {
		return failure(domain.ReasonPersistFailed, err.Error())
	}
	return outcome{imageRef: ref, mime: res.ContentType}
}

// optimizedPrompt computes the prompt once per attempt and caches it.
func (c *Coordinator) optimizedPrompt(ctx context.Context, b *batch, a *attempt) (string, error) {
	b.mu.Lock()
	cached := a.prompt
	b.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	octx, cancel := context.WithTimeout(ctx, c.cfg.OptimizeTimeout)
	defer cancel()
	text, err := c.optimizer.Optimize(octx, b.req.Instruction, b.meta)
	if err != nil {
		return "", err
	}
	text = prompt.CapWords(text, c.maxPromptWords())
	if text == "" {
		return "", prompt.ErrEmptyCompletion
	}

	b.mu.Lock()
	a.prompt = text
	b.mu.Unlock()
	return text, nil
}

func (c *Coordinator) maxPromptWords() int {
	if c.cfg.MaxPromptWords > 0 {
		return c.cfg.MaxPromptWords
	}
	return prompt.DefaultMaxWords
}

func (c *Coordinator) setStage(b *batch, a *attempt, state domain.AttemptState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized || a.state.Terminal() {
		return
	}
	a.state = state
	ev := b.eventLocked(domain.EventAttemptProgress)
	ev.Stage = state
	ev.AttemptIndex = a.index
	c.hub.Publish(ev)
}

// completeAttempt folds one outcome into the batch and finalizes it when the
// last attempt reports.
func (c *Coordinator) completeAttempt(b *batch, a *attempt, o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.applyLocked(a, o) {
		c.logger.Warn().
			Str("request_id", b.req.RequestID).
			Int("attempt", a.index).
			Str("reason", string(o.reason)).
			Bool("finalized", b.finalized).
			Msg("orchestrator: late attempt outcome dropped")
		return
	}

	ev := b.eventLocked(domain.EventAttemptDone)
	ev.AttemptIndex = a.index
	ev.Stage = a.state
	if o.succeeded() {
		ev.Results = []domain.ImageResult{{Index: a.index, Seed: a.seed, ImageRef: a.imageRef, MIME: a.mime}}
	} else {
		ev.Errors = []domain.AttemptError{{Index: a.index, Reason: a.reason, Detail: a.detail}}
	}
	c.hub.Publish(ev)

	var logEvent *zerolog.Event
	if o.succeeded() {
		logEvent = c.logger.Info()
	} else {
		logEvent = c.logger.Warn().Str("reason", string(o.reason)).Str("detail", o.detail)
	}
	logEvent.Str("request_id", b.req.RequestID).
		Int("attempt", a.index).
		Int("completed", b.completed).
		Int("total", b.total()).
		Msg("orchestrator: attempt finished")

	if b.completed == b.total() {
		c.finalizeLocked(b)
	}
}

// forceFinalize runs when the batch deadline fires before every attempt
// reported. Unfinished attempts become timeout failures.
func (c *Coordinator) forceFinalize(b *batch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	for _, a := range b.attempts {
		if a.state.Terminal() {
			continue
		}
		b.applyLocked(a, failure(domain.ReasonTimeout, fmt.Sprintf("batch deadline of %s exceeded", c.BatchDeadline(b.total()))))
	}
	c.logger.Warn().
		Str("request_id", b.req.RequestID).
		Int("succeeded", b.succeeded).
		Int("failed", b.failed).
		Msg("orchestrator: batch deadline reached, forcing finalization")
	c.finalizeLocked(b)
}

// finalizeLocked flips the batch to its terminal status exactly once.
func (c *Coordinator) finalizeLocked(b *batch) {
	if b.finalized {
		return
	}
	b.finalized = true
	b.status = domain.FinalStatus(b.total(), b.succeeded)
	b.finishedAt = time.Now().UTC()
	if b.watchdog != nil {
		b.watchdog.Stop()
	}
	b.cancel()

	snap := b.snapshotLocked()
	ev := b.eventLocked(domain.EventBatchDone)
	ev.Results = snap.Results
	ev.Errors = snap.Errors
	c.hub.Publish(ev)

	c.logger.Info().
		Str("request_id", b.req.RequestID).
		Str("status", string(snap.Status)).
		Int("succeeded", snap.Succeeded).
		Int("failed", snap.Failed).
		Dur("elapsed", b.finishedAt.Sub(b.createdAt)).
		Msg("orchestrator: batch finished")

	c.wg.Add(1)
	go c.afterFinalize(snap)
}

// afterFinalize records the batch, retires it from the active set and
// closes its subscriptions.
func (c *Coordinator) afterFinalize(snap domain.BatchSnapshot) {
	defer c.wg.Done()

	c.mu.Lock()
	c.retained.SetDefault(snap.RequestID, snap)
	delete(c.active, snap.RequestID)
	c.mu.Unlock()

	c.hub.CloseRequest(snap.RequestID)

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if c.sessions != nil && snap.SessionID != "" {
		if err := c.sessions.RecordGeneration(ctx, snap.SessionID, snap); err != nil {
			c.logger.Error().Err(err).Str("request_id", snap.RequestID).Msg("orchestrator: record session history")
		}
	}
	if c.archive != nil {
		if err := c.archive.Save(ctx, snap); err != nil {
			c.logger.Error().Err(err).Str("request_id", snap.RequestID).Msg("orchestrator: archive batch")
		}
	}
}
