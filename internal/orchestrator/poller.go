package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"imgstudio/internal/domain"
	"imgstudio/internal/infra"
)

const (
	DefaultPollInterval       = 1500 * time.Millisecond
	DefaultResultValidity     = 10 * time.Minute
	DefaultMaxTransientErrors = 3
)

// PollOutcome is the terminal classification of one polled job.
type PollOutcome int

const (
	PollReady PollOutcome = iota + 1
	PollFailed
	PollTimedOut
)

// PollResult carries the fetched image for PollReady and the failure
// classification for PollFailed.
type PollResult struct {
	Outcome     PollOutcome
	Data        []byte
	ContentType string
	ResultRef   string
	Reason      domain.FailureReason
	Detail      string
}

// PollerConfig tunes the poll cadence and retry budget.
type PollerConfig struct {
	Interval           time.Duration
	ResultValidity     time.Duration
	MaxTransientErrors int
}

// Poller drives one job from submission to a terminal state at a fixed cadence.
type Poller struct {
	backend Backend
	cfg     PollerConfig
	logger  infra.Logger
}

func NewPoller(backend Backend, cfg PollerConfig, logger infra.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.ResultValidity <= 0 {
		cfg.ResultValidity = DefaultResultValidity
	}
	if cfg.MaxTransientErrors <= 0 {
		cfg.MaxTransientErrors = DefaultMaxTransientErrors
	}
	return &Poller{backend: backend, cfg: cfg, logger: logger}
}

// Poll waits for handle to reach a terminal state. onState, when set, sees
// every successfully observed state. ctx cancellation is reported as
// PollTimedOut because only the batch deadline cancels attempts.
func (p *Poller) Poll(ctx context.Context, handle domain.JobHandle, timeout time.Duration, onState func(domain.JobState)) PollResult {
	start := time.Now()
	deadline := start.Add(timeout)

	retry := p.transientBackoff()
	consecutive := 0
	var lastErr error

	for {
		if ctx.Err() != nil {
			return PollResult{Outcome: PollTimedOut, Reason: domain.ReasonTimeout, Detail: "batch deadline reached"}
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return timedOut(time.Since(start), timeout)
		}

		status, err := p.backend.Status(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			consecutive++
			lastErr = err
			p.logger.Warn().Err(err).Str("job_id", handle.ID).Int("consecutive", consecutive).Msg("poller: status check failed")
			if consecutive >= p.cfg.MaxTransientErrors {
				return PollResult{Outcome: PollFailed, Reason: domain.ReasonPollFailed, Detail: lastErr.Error()}
			}
			sleepUntil(ctx, retry.NextBackOff(), deadline, timeout)
			continue
		}
		consecutive = 0
		retry.Reset()

		if onState != nil {
			onState(status.State)
		}

		switch status.State {
		case domain.JobReady:
			return p.fetch(ctx, status.ResultRef)
		case domain.JobError:
			return PollResult{Outcome: PollFailed, Reason: domain.ReasonBackendError, Detail: status.Message}
		case domain.JobContentModerated:
			return PollResult{Outcome: PollFailed, Reason: domain.ReasonContentModerated, Detail: status.Message}
		case domain.JobRequestModerated:
			return PollResult{Outcome: PollFailed, Reason: domain.ReasonRequestModerated, Detail: status.Message}
		}

		sleepUntil(ctx, p.cfg.Interval, deadline, timeout)
	}
}

// fetch downloads the ready result inside the signed-URL validity window,
// which starts when ready was observed.
func (p *Poller) fetch(ctx context.Context, resultRef string) PollResult {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.ResultValidity)
	defer cancel()

	var (
		data        []byte
		contentType string
	)
	op := func() error {
		var err error
		data, contentType, err = p.backend.Fetch(fetchCtx, resultRef)
		if errors.Is(err, domain.ErrResultExpired) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.transientBackoff(), uint64(p.cfg.MaxTransientErrors)), fetchCtx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		p.logger.Warn().Err(err).Dur("retry_in", wait).Msg("poller: result fetch failed")
	})
	if err == nil {
		return PollResult{Outcome: PollReady, Data: data, ContentType: contentType, ResultRef: resultRef}
	}

	switch {
	case errors.Is(err, domain.ErrResultExpired):
		return PollResult{Outcome: PollFailed, Reason: domain.ReasonFetchExpired, Detail: err.Error()}
	case ctx.Err() != nil:
		return PollResult{Outcome: PollTimedOut, Reason: domain.ReasonTimeout, Detail: "batch deadline reached during fetch"}
	case fetchCtx.Err() != nil:
		return PollResult{Outcome: PollFailed, Reason: domain.ReasonFetchExpired, Detail: fmt.Sprintf("result not fetched within %s", p.cfg.ResultValidity)}
	default:
		return PollResult{Outcome: PollFailed, Reason: domain.ReasonFetchFailed, Detail: err.Error()}
	}
}

func (p *Poller) transientBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.Interval
	b.MaxInterval = 4 * p.cfg.Interval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func timedOut(elapsed, timeout time.Duration) PollResult {
	return PollResult{
		Outcome: PollTimedOut,
		Reason:  domain.ReasonTimeout,
		Detail:  fmt.Sprintf("no terminal state after %s (limit %s)", elapsed.Round(time.Millisecond), timeout),
	}
}

// sleepUntil waits d, never past deadline. It reports false when ctx ended.
func sleepUntil(ctx context.Context, d time.Duration, deadline time.Time, timeout time.Duration) bool {
	if timeout > 0 {
		if remaining := time.Until(deadline); remaining < d {
			d = remaining
		}
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
