package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"imgstudio/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func batchWith(id string, n int) domain.BatchSnapshot {
	b := domain.BatchSnapshot{RequestID: id, Instruction: "make it blue", Country: "JP", Status: domain.BatchCompleted}
	for i := 1; i <= n; i++ {
		b.Results = append(b.Results, domain.ImageResult{Index: i, Seed: int64(i), ImageRef: fmt.Sprintf("%s/%d.jpg", id, i)})
	}
	return b
}

func TestMemoryStoreRecordsCountsAndHistory(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(Options{Now: clock.Now})
	ctx := context.Background()

	if err := s.RecordGeneration(ctx, "sess", batchWith("r1", 3)); err != nil {
		t.Fatalf("RecordGeneration returned error: %v", err)
	}
	if err := s.RecordGeneration(ctx, "sess", batchWith("r2", 2)); err != nil {
		t.Fatalf("RecordGeneration returned error: %v", err)
	}

	counts, err := s.Counts(ctx, "sess")
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts.Daily != 5 || counts.Total != 5 {
		t.Fatalf("Counts = %+v, want 5/5", counts)
	}

	h, err := s.History(ctx, "sess")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(h.GeneratedImages) != 5 {
		t.Fatalf("len(GeneratedImages) = %d, want 5", len(h.GeneratedImages))
	}
	last := h.GeneratedImages[4]
	if last.RequestID != "r2" || last.ImageRef != "r2/2.jpg" || last.Country != "JP" {
		t.Fatalf("last image = %+v, want r2/2.jpg from JP", last)
	}
}

func TestMemoryStoreKeepsNewestImages(t *testing.T) {
	s := NewMemoryStore(Options{MaxImages: 4})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := s.RecordGeneration(ctx, "sess", batchWith(fmt.Sprintf("r%d", i), 2)); err != nil {
			t.Fatalf("RecordGeneration returned error: %v", err)
		}
	}
	h, err := s.History(ctx, "sess")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(h.GeneratedImages) != 4 {
		t.Fatalf("len(GeneratedImages) = %d, want 4", len(h.GeneratedImages))
	}
	if h.GeneratedImages[0].RequestID != "r2" {
		t.Fatalf("oldest kept = %q, want r2", h.GeneratedImages[0].RequestID)
	}
	if h.Counts.Total != 6 {
		t.Fatalf("Total = %d, want 6 even after trimming history", h.Counts.Total)
	}
}

func TestMemoryStoreDailyCounterResetsOnUTCDay(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)}
	s := NewMemoryStore(Options{Now: clock.Now})
	ctx := context.Background()

	if err := s.RecordGeneration(ctx, "sess", batchWith("r1", 2)); err != nil {
		t.Fatalf("RecordGeneration returned error: %v", err)
	}
	clock.Advance(time.Hour)

	counts, _ := s.Counts(ctx, "sess")
	if counts.Daily != 0 || counts.Total != 2 {
		t.Fatalf("Counts after midnight = %+v, want daily 0 total 2", counts)
	}
	if err := s.RecordGeneration(ctx, "sess", batchWith("r2", 1)); err != nil {
		t.Fatalf("RecordGeneration returned error: %v", err)
	}
	counts, _ = s.Counts(ctx, "sess")
	if counts.Daily != 1 || counts.Total != 3 {
		t.Fatalf("Counts = %+v, want daily 1 total 3", counts)
	}
}

func TestMemoryStoreUnknownSession(t *testing.T) {
	s := NewMemoryStore(Options{})
	if _, err := s.History(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("History error = %v, want ErrNotFound", err)
	}
	if err := s.Touch(context.Background(), " "); err == nil {
		t.Fatalf("Touch with blank id returned nil error")
	}
}

func TestMemoryStoreTouchCreatesSession(t *testing.T) {
	s := NewMemoryStore(Options{})
	ctx := context.Background()
	if err := s.Touch(ctx, "fresh"); err != nil {
		t.Fatalf("Touch returned error: %v", err)
	}
	h, err := s.History(ctx, "fresh")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(h.GeneratedImages) != 0 || h.LastActivity.IsZero() {
		t.Fatalf("History = %+v, want empty with activity set", h)
	}
}

func TestMemoryStoreConcurrentRecords(t *testing.T) {
	s := NewMemoryStore(Options{})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.RecordGeneration(ctx, "sess", batchWith(fmt.Sprintf("r%d", i), 1))
		}(i)
	}
	wg.Wait()
	counts, _ := s.Counts(ctx, "sess")
	if counts.Total != 20 {
		t.Fatalf("Total = %d, want 20", counts.Total)
	}
}

func TestRedisKey(t *testing.T) {
	if got := redisKey("abc"); got != "session:abc" {
		t.Fatalf("redisKey = %q, want session:abc", got)
	}
}
