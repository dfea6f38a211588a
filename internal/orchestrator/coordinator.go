// Package orchestrator runs generation batches: admission, K concurrent
// attempts, polling, aggregation and progress publication.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"imgstudio/internal/domain"
	"imgstudio/internal/imagemeta"
	"imgstudio/internal/infra"
	"imgstudio/internal/progress"
	"imgstudio/internal/ratelimit"
)

const (
	DefaultMinCount        = 1
	DefaultMaxCount        = 5
	DefaultInstructionMax  = 1000
	DefaultAttemptTimeout  = 300 * time.Second
	DefaultOptimizeTimeout = 10 * time.Second
	DefaultBatchSlack      = 30 * time.Second
	DefaultRetention       = 30 * time.Minute

	finalizeTimeout = 15 * time.Second

	// Rejection scopes for the per-session gates.
	ScopeDailySession       = "daily_session"
	ScopeSessionConcurrency = "session_concurrency"
)

// Config bounds requests and tunes attempt timing.
type Config struct {
	MinCount             int
	MaxCount             int
	MaxInstructionLength int
	AttemptTimeout       time.Duration
	OptimizeTimeout      time.Duration
	BatchSlack           time.Duration
	Retention            time.Duration
	MaxPromptWords       int
	SubmitRPS            float64
	// DailyLimit caps results per session per UTC day. Zero disables it.
	DailyLimit int
	// MaxActivePerSession caps unfinished batches per session. Zero disables it.
	MaxActivePerSession int
	Poller              PollerConfig
}

func (c Config) withDefaults() Config {
	if c.MinCount <= 0 {
		c.MinCount = DefaultMinCount
	}
	if c.MaxCount < c.MinCount {
		c.MaxCount = DefaultMaxCount
		if c.MaxCount < c.MinCount {
			c.MaxCount = c.MinCount
		}
	}
	if c.MaxInstructionLength <= 0 {
		c.MaxInstructionLength = DefaultInstructionMax
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.OptimizeTimeout <= 0 {
		c.OptimizeTimeout = DefaultOptimizeTimeout
	}
	if c.BatchSlack < 0 {
		c.BatchSlack = 0
	} else if c.BatchSlack == 0 {
		c.BatchSlack = DefaultBatchSlack
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Deps are the collaborators of a Coordinator. Sessions, Counts and Archive
// are optional.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Slots     *ratelimit.SlotPool
	Hub       *progress.Hub
	Optimizer Optimizer
	Backend   Backend
	Store     ResultStore
	Sessions  SessionRecorder
	Counts    SessionCounter
	Archive   Archiver
	Logger    infra.Logger
}

// Coordinator owns every live batch. Batches are keyed by request id.
type Coordinator struct {
	cfg       Config
	limiter   *ratelimit.Limiter
	slots     *ratelimit.SlotPool
	hub       *progress.Hub
	optimizer Optimizer
	backend   Backend
	store     ResultStore
	sessions  SessionRecorder
	counts    SessionCounter
	archive   Archiver
	poller    *Poller
	pacer     *rate.Limiter
	logger    infra.Logger

	mu       sync.Mutex
	active   map[string]*batch
	reserved map[string]string
	retained *cache.Cache
	closed   bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Optimizer == nil {
		return nil, errors.New("orchestrator: optimizer is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("orchestrator: backend is required")
	}
	if deps.Store == nil {
		return nil, errors.New("orchestrator: result store is required")
	}
	cfg = cfg.withDefaults()
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewLimiter(nil, ratelimit.Limits{})
	}
	if deps.Slots == nil {
		deps.Slots = ratelimit.NewSlotPool(cfg.MaxCount, ratelimit.SlotBlock)
	}
	if deps.Hub == nil {
		deps.Hub = progress.NewHub(progress.DefaultBuffer, deps.Logger)
	}

	var pacer *rate.Limiter
	if cfg.SubmitRPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.SubmitRPS), 1)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		limiter:    deps.Limiter,
		slots:      deps.Slots,
		hub:        deps.Hub,
		optimizer:  deps.Optimizer,
		backend:    deps.Backend,
		store:      deps.Store,
		sessions:   deps.Sessions,
		counts:     deps.Counts,
		archive:    deps.Archive,
		poller:     NewPoller(deps.Backend, cfg.Poller, deps.Logger),
		pacer:      pacer,
		logger:     deps.Logger,
		active:     make(map[string]*batch),
		reserved:   make(map[string]string),
		retained:   cache.New(cfg.Retention, cfg.Retention/2),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}, nil
}

// BatchDeadline is the ceiling after which a batch is force-finalized.
func (c *Coordinator) BatchDeadline(k int) time.Duration {
	return time.Duration(k)*c.cfg.AttemptTimeout + c.cfg.BatchSlack
}

// SubmitBatch admits req and starts its attempts in the background. Admission
// failures are *domain.AdmissionError values. A duplicate request id returns
// the existing batch's Admission together with an error wrapping
// domain.ErrDuplicateInFlight.
func (c *Coordinator) SubmitBatch(ctx context.Context, req domain.GenerationRequest) (domain.Admission, error) {
	req, err := c.normalize(req)
	if err != nil {
		return domain.Admission{}, err
	}

	archived, err := c.archivedBatch(ctx, req.RequestID)
	if err != nil {
		return domain.Admission{}, err
	}
	if adm, err := c.reserve(req, archived); err != nil {
		return adm, err
	}
	admitted := false
	defer func() {
		if !admitted {
			c.unreserve(req.RequestID)
		}
	}()

	if c.slots.Saturated() {
		return domain.Admission{}, domain.Reject(domain.RejectSystemOverloaded, "all %d generation slots are busy", c.slots.Capacity())
	}

	if err := c.checkDailyLimit(ctx, req.SessionID); err != nil {
		return domain.Admission{}, err
	}

	identity := req.Identity
	if identity == "" {
		identity = req.SessionID
	}
	decision, err := c.limiter.Admit(ctx, identity, 1)
	if err != nil {
		return domain.Admission{}, fmt.Errorf("orchestrator: admit: %w", err)
	}
	if !decision.Allowed {
		return domain.Admission{}, &domain.AdmissionError{
			Reason:     domain.RejectRateLimited,
			Scope:      string(decision.Scope),
			RetryAfter: decision.RetryAfter,
			Message:    fmt.Sprintf("%s limit reached", decision.Scope),
		}
	}

	meta, err := imagemeta.Inspect(req.Image)
	if err != nil {
		c.logger.Debug().Err(err).Str("request_id", req.RequestID).Msg("orchestrator: image metadata unavailable")
	}
	meta.Locale = req.Locale

	b := newBatch(c.rootCtx, req, meta)
	if err := c.register(b); err != nil {
		b.cancel()
		return domain.Admission{}, err
	}
	admitted = true

	b.mu.Lock()
	b.watchdog = time.AfterFunc(c.BatchDeadline(req.Count), func() { c.forceFinalize(b) })
	b.mu.Unlock()

	c.wg.Add(len(b.attempts))
	for _, a := range b.attempts {
		go c.runAttempt(b, a)
	}

	c.logger.Info().
		Str("request_id", req.RequestID).
		Str("session_id", req.SessionID).
		Int("count", req.Count).
		Str("mode", string(req.Mode)).
		Msg("orchestrator: batch admitted")

	return domain.Admission{RequestID: req.RequestID, Status: domain.BatchAdmitted, Total: req.Count}, nil
}

func (c *Coordinator) normalize(req domain.GenerationRequest) (domain.GenerationRequest, error) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Identity = strings.TrimSpace(req.Identity)
	if req.Identity == "" && req.SessionID == "" {
		return req, domain.Reject(domain.RejectInvalidRequest, "session or client identity is required")
	}
	if req.Count < c.cfg.MinCount || req.Count > c.cfg.MaxCount {
		return req, domain.Reject(domain.RejectInvalidCount, "count must be between %d and %d", c.cfg.MinCount, c.cfg.MaxCount)
	}
	if len(req.Image) == 0 {
		return req, domain.Reject(domain.RejectInvalidRequest, "image is required")
	}
	req.Instruction = strings.TrimSpace(req.Instruction)
	if req.Instruction == "" {
		return req, domain.Reject(domain.RejectInvalidRequest, "instruction is required")
	}
	if n := utf8.RuneCountInString(req.Instruction); n > c.cfg.MaxInstructionLength {
		return req, domain.Reject(domain.RejectInvalidRequest, "instruction is %d characters, limit is %d", n, c.cfg.MaxInstructionLength)
	}
	switch req.Mode {
	case "":
		req.Mode = domain.EditModeFull
	case domain.EditModeFull:
	case domain.EditModeMasked:
		if len(req.Mask) == 0 {
			return req, domain.Reject(domain.RejectInvalidRequest, "mask is required for masked mode")
		}
	default:
		return req, domain.Reject(domain.RejectInvalidRequest, "unknown mode %q", req.Mode)
	}
	// Attempt i uses seed+i-1, so the last attempt must stay in range too.
	if req.Seed != nil {
		if limit := int64(maxSeed - (req.Count - 1)); *req.Seed < 0 || *req.Seed > limit {
			return req, domain.Reject(domain.RejectInvalidRequest, "seed must be between 0 and %d for count %d", limit, req.Count)
		}
	}
	return req, nil
}

// archivedBatch loads a batch that has already left in-memory retention.
func (c *Coordinator) archivedBatch(ctx context.Context, requestID string) (*domain.BatchSnapshot, error) {
	if c.archive == nil {
		return nil, nil
	}
	snap, err := c.archive.Get(ctx, requestID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: archive lookup: %w", err)
	}
	return snap, nil
}

// checkDailyLimit refuses a session whose results today reached DailyLimit.
func (c *Coordinator) checkDailyLimit(ctx context.Context, sessionID string) error {
	if c.cfg.DailyLimit <= 0 || c.counts == nil || sessionID == "" {
		return nil
	}
	counts, err := c.counts.Counts(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("orchestrator: session counts: %w", err)
	}
	if counts.Daily < c.cfg.DailyLimit {
		return nil
	}
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return &domain.AdmissionError{
		Reason:     domain.RejectRateLimited,
		Scope:      ScopeDailySession,
		RetryAfter: midnight.Sub(now),
		Message:    fmt.Sprintf("daily limit reached (%d/%d)", counts.Daily, c.cfg.DailyLimit),
	}
}

// reserve claims the request id before any quota is charged so concurrent
// duplicates cannot both be admitted. archived is the archive's copy of the
// id, if any, and is owned like a retained batch.
func (c *Coordinator) reserve(req domain.GenerationRequest, archived *domain.BatchSnapshot) (domain.Admission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.Admission{}, domain.Reject(domain.RejectSystemOverloaded, "service is shutting down")
	}

	owner, existing, found := c.lookupLocked(req.RequestID)
	if !found && archived != nil {
		owner, existing, found = archived.SessionID, archived, true
	}
	if !found {
		if limit := c.cfg.MaxActivePerSession; limit > 0 && req.SessionID != "" {
			if n := c.unfinishedLocked(req.SessionID); n >= limit {
				return domain.Admission{}, &domain.AdmissionError{
					Reason:  domain.RejectRateLimited,
					Scope:   ScopeSessionConcurrency,
					Message: fmt.Sprintf("concurrent batch limit reached (%d/%d)", n, limit),
				}
			}
		}
		c.reserved[req.RequestID] = req.SessionID
		return domain.Admission{}, nil
	}
	if owner != req.SessionID {
		return domain.Admission{}, domain.Reject(domain.RejectInvalidRequest, "request id is already in use")
	}
	adm := domain.Admission{RequestID: req.RequestID, Status: domain.BatchAdmitted, Total: req.Count, Duplicate: true}
	if existing != nil {
		adm.Status = existing.Status
		adm.Total = existing.Total
	}
	return adm, &domain.AdmissionError{Reason: domain.RejectDuplicateInFlight, RequestID: req.RequestID, Message: "request already accepted"}
}

// lookupLocked finds a reserved, active or retained batch. existing is nil
// while the id is only reserved.
func (c *Coordinator) lookupLocked(requestID string) (owner string, existing *domain.BatchSnapshot, found bool) {
	if b, ok := c.active[requestID]; ok {
		b.mu.Lock()
		snap := b.snapshotLocked()
		b.mu.Unlock()
		return snap.SessionID, &snap, true
	}
	if v, ok := c.retained.Get(requestID); ok {
		snap := v.(domain.BatchSnapshot)
		return snap.SessionID, &snap, true
	}
	if session, ok := c.reserved[requestID]; ok {
		return session, nil, true
	}
	return "", nil, false
}

// unfinishedLocked counts the session's reserved and unfinished batches.
func (c *Coordinator) unfinishedLocked(sessionID string) int {
	n := 0
	for _, owner := range c.reserved {
		if owner == sessionID {
			n++
		}
	}
	for _, b := range c.active {
		if b.req.SessionID != sessionID {
			continue
		}
		b.mu.Lock()
		if !b.finalized {
			n++
		}
		b.mu.Unlock()
	}
	return n
}

func (c *Coordinator) unreserve(requestID string) {
	c.mu.Lock()
	delete(c.reserved, requestID)
	c.mu.Unlock()
}

func (c *Coordinator) register(b *batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reserved, b.req.RequestID)
	if c.closed {
		return domain.Reject(domain.RejectSystemOverloaded, "service is shutting down")
	}
	c.active[b.req.RequestID] = b
	return nil
}

// BatchStatus returns the current snapshot. Finalized snapshots are stable.
func (c *Coordinator) BatchStatus(ctx context.Context, requestID string) (domain.BatchSnapshot, error) {
	c.mu.Lock()
	b, ok := c.active[requestID]
	c.mu.Unlock()
	if ok {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.snapshotLocked(), nil
	}
	if v, ok := c.retained.Get(requestID); ok {
		return v.(domain.BatchSnapshot), nil
	}
	if c.archive != nil {
		snap, err := c.archive.Get(ctx, requestID)
		if err == nil && snap != nil {
			return *snap, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.BatchSnapshot{}, fmt.Errorf("orchestrator: archive lookup: %w", err)
		}
	}
	return domain.BatchSnapshot{}, domain.ErrNotFound
}

// Subscribe returns the current snapshot and a subscription that sees every
// later event. The subscription is nil when the batch already finished.
func (c *Coordinator) Subscribe(ctx context.Context, requestID string) (domain.BatchSnapshot, *progress.Subscription, error) {
	c.mu.Lock()
	b, ok := c.active[requestID]
	c.mu.Unlock()
	if !ok {
		snap, err := c.BatchStatus(ctx, requestID)
		return snap, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.snapshotLocked()
	if b.finalized {
		return snap, nil, nil
	}
	return snap, c.hub.Subscribe(requestID), nil
}

// Shutdown stops admission and waits for running batches. When ctx ends
// first the remaining attempts are cancelled.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.rootCancel()
		return nil
	case <-ctx.Done():
		c.rootCancel()
		<-done
		return ctx.Err()
	}
}

// Stats reports slot pool usage and batch counts.
type Stats struct {
	ActiveBatches int   `json:"active_batches"`
	SlotsInFlight int64 `json:"slots_in_flight"`
	SlotsPeak     int64 `json:"slots_peak"`
	SlotsCapacity int64 `json:"slots_capacity"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	active := len(c.active)
	c.mu.Unlock()
	return Stats{
		ActiveBatches: active,
		SlotsInFlight: c.slots.InFlight(),
		SlotsPeak:     c.slots.Peak(),
		SlotsCapacity: c.slots.Capacity(),
	}
}
