package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"imgstudio/internal/domain"
	"imgstudio/internal/progress"
	"imgstudio/internal/ratelimit"
)

// jobScript drives one fake backend job. States are returned in order and
// the last one repeats.
type jobScript struct {
	submitErr     error
	hangSubmit    bool
	states        []domain.JobState
	message       string
	data          string
	statusErrs    int
	fetchErrs     []error
	contentType   string
	pollsObserved atomic.Int32
}

type fakeBackend struct {
	mu      sync.Mutex
	scripts map[int]*jobScript
	jobs    map[string]*jobScript
	submits atomic.Int32
	seeds   sync.Map
}

func newFakeBackend(scripts map[int]*jobScript) *fakeBackend {
	return &fakeBackend{scripts: scripts, jobs: make(map[string]*jobScript)}
}

func readyJob(data string) *jobScript {
	return &jobScript{states: []domain.JobState{domain.JobQueued, domain.JobProcessing, domain.JobReady}, data: data}
}

func (f *fakeBackend) Submit(ctx context.Context, req domain.SubmitRequest) (domain.JobHandle, error) {
	f.submits.Add(1)
	f.seeds.Store(req.Index, req.Seed)
	f.mu.Lock()
	s, ok := f.scripts[req.Index]
	f.mu.Unlock()
	if !ok {
		s = readyJob(fmt.Sprintf("img-%d", req.Index))
	}
	if s.hangSubmit {
		<-ctx.Done()
		return domain.JobHandle{}, ctx.Err()
	}
	if s.submitErr != nil {
		return domain.JobHandle{}, s.submitErr
	}
	id := fmt.Sprintf("%s-%d", req.RequestID, req.Index)
	f.mu.Lock()
	f.jobs[id] = s
	f.mu.Unlock()
	return domain.JobHandle{ID: id}, nil
}

func (f *fakeBackend) Status(ctx context.Context, h domain.JobHandle) (domain.JobStatus, error) {
	f.mu.Lock()
	s := f.jobs[h.ID]
	if s.statusErrs > 0 {
		s.statusErrs--
		f.mu.Unlock()
		return domain.JobStatus{}, errors.New("connection reset")
	}
	n := int(s.pollsObserved.Add(1)) - 1
	if n >= len(s.states) {
		n = len(s.states) - 1
	}
	state := s.states[n]
	f.mu.Unlock()

	st := domain.JobStatus{State: state, Message: s.message}
	if state == domain.JobReady {
		st.ResultRef = "https://results.example/" + h.ID
	}
	return st, nil
}

func (f *fakeBackend) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	f.mu.Lock()
	var s *jobScript
	for id, job := range f.jobs {
		if "https://results.example/"+id == ref {
			s = job
		}
	}
	if s == nil {
		f.mu.Unlock()
		return nil, "", errors.New("unknown ref")
	}
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]
		f.mu.Unlock()
		return nil, "", err
	}
	f.mu.Unlock()
	ct := s.contentType
	if ct == "" {
		ct = "image/jpeg"
	}
	return []byte(s.data), ct, nil
}

type fakeOptimizer struct {
	calls    atomic.Int32
	err      error
	panic    bool
	lastMeta atomic.Value
}

func (f *fakeOptimizer) Optimize(ctx context.Context, instruction string, meta domain.ImageMeta) (string, error) {
	f.calls.Add(1)
	f.lastMeta.Store(meta)
	if f.panic {
		panic("optimizer exploded")
	}
	if f.err != nil {
		return "", f.err
	}
	return "optimized: " + instruction, nil
}

// fakeStore uses the image bytes as the reference so tests can assert on them.
type fakeStore struct {
	mu   sync.Mutex
	keys []string
}

func (s *fakeStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	return string(data), nil
}

type fakeSessions struct {
	mu      sync.Mutex
	records []domain.BatchSnapshot
}

func (f *fakeSessions) RecordGeneration(ctx context.Context, sessionID string, b domain.BatchSnapshot) error {
	f.mu.Lock()
	f.records = append(f.records, b)
	f.mu.Unlock()
	return nil
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// fakeArchive stores snapshots by request id.
type fakeArchive struct {
	mu    sync.Mutex
	snaps map[string]domain.BatchSnapshot
}

func (f *fakeArchive) Save(ctx context.Context, b domain.BatchSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snaps == nil {
		f.snaps = make(map[string]domain.BatchSnapshot)
	}
	f.snaps[b.RequestID] = b
	return nil
}

func (f *fakeArchive) Get(ctx context.Context, requestID string) (*domain.BatchSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[requestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &snap, nil
}

// fakeCounts reports fixed daily counts; unknown sessions are not found.
type fakeCounts map[string]int

func (f fakeCounts) Counts(ctx context.Context, sessionID string) (domain.SessionCounts, error) {
	daily, ok := f[sessionID]
	if !ok {
		return domain.SessionCounts{}, domain.ErrNotFound
	}
	return domain.SessionCounts{Daily: daily, Total: daily}, nil
}

type harness struct {
	coord    *Coordinator
	backend  *fakeBackend
	opt      *fakeOptimizer
	store    *fakeStore
	sessions *fakeSessions
	slots    *ratelimit.SlotPool
	hub      *progress.Hub
}

type harnessOption func(*Config, *Deps)

func withLimits(l ratelimit.Limits) harnessOption {
	return func(_ *Config, d *Deps) { d.Limiter = ratelimit.NewLimiter(nil, l) }
}

func withSlots(n int, mode ratelimit.SlotMode) harnessOption {
	return func(_ *Config, d *Deps) { d.Slots = ratelimit.NewSlotPool(n, mode) }
}

func withArchive(a Archiver) harnessOption {
	return func(_ *Config, d *Deps) { d.Archive = a }
}

func withCounts(c SessionCounter) harnessOption {
	return func(_ *Config, d *Deps) { d.Counts = c }
}

func withConfig(fn func(*Config)) harnessOption {
	return func(c *Config, _ *Deps) { fn(c) }
}

func newHarness(t *testing.T, scripts map[int]*jobScript, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		backend:  newFakeBackend(scripts),
		opt:      &fakeOptimizer{},
		store:    &fakeStore{},
		sessions: &fakeSessions{},
		hub:      progress.NewHub(64, zerolog.Nop()),
	}
	cfg := Config{
		AttemptTimeout:  2 * time.Second,
		OptimizeTimeout: time.Second,
		BatchSlack:      time.Second,
		Poller: PollerConfig{
			Interval:           2 * time.Millisecond,
			ResultValidity:     time.Second,
			MaxTransientErrors: 3,
		},
	}
	deps := Deps{
		Limiter:   ratelimit.NewLimiter(nil, ratelimit.Limits{PerMinute: 100, PerHour: 1000, PerDay: 10000}),
		Slots:     ratelimit.NewSlotPool(5, ratelimit.SlotBlock),
		Hub:       h.hub,
		Optimizer: h.opt,
		Backend:   h.backend,
		Store:     h.store,
		Sessions:  h.sessions,
		Logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	coord, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	h.coord = coord
	h.slots = deps.Slots
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return h
}

func request(id string, count int) domain.GenerationRequest {
	return domain.GenerationRequest{
		RequestID:   id,
		SessionID:   "session-1",
		Image:       []byte("source-image"),
		Instruction: "X",
		Count:       count,
	}
}

func waitFinal(t *testing.T, c *Coordinator, id string) domain.BatchSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := c.BatchStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("BatchStatus(%q) returned error: %v", id, err)
		}
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("batch %q did not finish in time", id)
	return domain.BatchSnapshot{}
}
