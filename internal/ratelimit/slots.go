package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// SlotMode selects what Acquire does when every slot is taken.
type SlotMode string

const (
	SlotBlock SlotMode = "block"
	SlotDeny  SlotMode = "deny"
)

// ErrNoSlot is returned by Acquire in deny mode when the pool is exhausted.
var ErrNoSlot = errors.New("ratelimit: no generation slot available")

// SlotPool caps concurrent backend work across all batches.
type SlotPool struct {
	sem      *semaphore.Weighted
	capacity int64
	mode     SlotMode
	inFlight atomic.Int64
	peak     atomic.Int64
}

func NewSlotPool(capacity int, mode SlotMode) *SlotPool {
	if capacity < 1 {
		capacity = 1
	}
	if mode != SlotDeny {
		mode = SlotBlock
	}
	return &SlotPool{sem: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity), mode: mode}
}

// Acquire takes one slot. The returned release func is safe to call more than once.
func (p *SlotPool) Acquire(ctx context.Context) (func(), error) {
	if p.mode == SlotDeny {
		if !p.sem.TryAcquire(1) {
			return nil, ErrNoSlot
		}
	} else if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	n := p.inFlight.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.inFlight.Add(-1)
			p.sem.Release(1)
		})
	}, nil
}

// Saturated reports whether a deny-mode pool would currently refuse work.
func (p *SlotPool) Saturated() bool {
	return p.mode == SlotDeny && p.inFlight.Load() >= p.capacity
}

func (p *SlotPool) Mode() SlotMode  { return p.mode }
func (p *SlotPool) InFlight() int64 { return p.inFlight.Load() }
func (p *SlotPool) Peak() int64     { return p.peak.Load() }
func (p *SlotPool) Capacity() int64 { return p.capacity }
