// Package session keeps per-session generation counters and history.
package session

import (
	"time"

	"imgstudio/internal/domain"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultMaxImages = 20
)

// Options configures both store implementations.
type Options struct {
	TTL       time.Duration
	MaxImages int
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxImages <= 0 {
		o.MaxImages = DefaultMaxImages
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// record is the persisted form of one session.
type record struct {
	DailyCount   int                     `json:"daily_count"`
	DailyDate    string                  `json:"daily_date"`
	TotalCount   int                     `json:"total_count"`
	Images       []domain.GeneratedImage `json:"generated_images"`
	CreatedAt    time.Time               `json:"created_at"`
	LastActivity time.Time               `json:"last_activity"`
}

func newRecord(now time.Time) *record {
	return &record{DailyDate: dayKey(now), CreatedAt: now.UTC(), LastActivity: now.UTC()}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// rollover resets the daily counter on the first activity of a new UTC day.
func (r *record) rollover(now time.Time) {
	if day := dayKey(now); r.DailyDate != day {
		r.DailyDate = day
		r.DailyCount = 0
	}
}

// apply adds the successful images of a finalized batch. Only the newest
// maxImages entries are kept.
func (r *record) apply(b domain.BatchSnapshot, now time.Time, maxImages int) {
	r.rollover(now)
	for _, res := range b.Results {
		r.Images = append(r.Images, domain.GeneratedImage{
			RequestID:   b.RequestID,
			Index:       res.Index,
			Seed:        res.Seed,
			ImageRef:    res.ImageRef,
			Instruction: b.Instruction,
			Country:     b.Country,
			GeneratedAt: now.UTC(),
		})
	}
	if over := len(r.Images) - maxImages; over > 0 {
		r.Images = append([]domain.GeneratedImage(nil), r.Images[over:]...)
	}
	r.DailyCount += len(b.Results)
	r.TotalCount += len(b.Results)
	r.LastActivity = now.UTC()
}

func (r *record) counts(now time.Time) domain.SessionCounts {
	daily := r.DailyCount
	if r.DailyDate != dayKey(now) {
		daily = 0
	}
	return domain.SessionCounts{Daily: daily, Total: r.TotalCount}
}

func (r *record) history(id string, now time.Time) *domain.SessionHistory {
	images := make([]domain.GeneratedImage, len(r.Images))
	copy(images, r.Images)
	return &domain.SessionHistory{
		SessionID:       id,
		Counts:          r.counts(now),
		GeneratedImages: images,
		LastActivity:    r.LastActivity,
	}
}
