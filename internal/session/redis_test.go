package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"imgstudio/internal/domain"
)

func newRedisStore(t *testing.T, opts Options) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, opts), mr
}

func TestRedisStoreRecordsCountsAndHistory(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	s, mr := newRedisStore(t, Options{Now: clock.Now, TTL: time.Hour})
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
	if len(h.GeneratedImages) != 5 || h.GeneratedImages[4].ImageRef != "r2/2.jpg" {
		t.Fatalf("History = %+v, want 5 images ending with r2/2.jpg", h.GeneratedImages)
	}
	if ttl := mr.TTL("session:sess"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("TTL = %s, want within 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := s.Counts(ctx, "sess"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Counts after expiry error = %v, want ErrNotFound", err)
	}
}

func TestRedisStoreConcurrentRecordsKeepEveryCount(t *testing.T) {
	s, _ := newRedisStore(t, Options{MaxImages: 100})
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.RecordGeneration(ctx, "shared", batchWith(fmt.Sprintf("r%d", i), 2))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("RecordGeneration returned error: %v", err)
		}
	}

	counts, err := s.Counts(ctx, "shared")
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts.Daily != 2*writers || counts.Total != 2*writers {
		t.Fatalf("Counts = %+v, want %d/%d", counts, 2*writers, 2*writers)
	}
	h, err := s.History(ctx, "shared")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(h.GeneratedImages) != 2*writers {
		t.Fatalf("len(GeneratedImages) = %d, want %d", len(h.GeneratedImages), 2*writers)
	}
}

func TestRedisStoreDailyCounterResetsOnUTCDay(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)}
	s, _ := newRedisStore(t, Options{Now: clock.Now})
	ctx := context.Background()

	if err := s.RecordGeneration(ctx, "sess", batchWith("r1", 2)); err != nil {
		t.Fatalf("RecordGeneration returned error: %v", err)
	}
	clock.Advance(time.Hour)
	counts, err := s.Counts(ctx, "sess")
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts.Daily != 0 || counts.Total != 2 {
		t.Fatalf("Counts after midnight = %+v, want daily 0 total 2", counts)
	}
	if err := s.Touch(ctx, "sess"); err != nil {
		t.Fatalf("Touch returned error: %v", err)
	}
	if err := s.RecordGeneration(ctx, "sess", batchWith("r2", 1)); err != nil {
		t.Fatalf("RecordGeneration returned error: %v", err)
	}
	if counts, _ = s.Counts(ctx, "sess"); counts.Daily != 1 || counts.Total != 3 {
		t.Fatalf("Counts = %+v, want daily 1 total 3", counts)
	}
}

func TestRedisStoreRejectsBlankSession(t *testing.T) {
	s, _ := newRedisStore(t, Options{})
	if err := s.Touch(context.Background(), "  "); err == nil {
		t.Fatalf("Touch with blank id returned nil error")
	}
	if _, err := s.History(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("History error = %v, want ErrNotFound", err)
	}
}
