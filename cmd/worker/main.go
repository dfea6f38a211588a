package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"imgstudio/internal/adapter/repo"
	"imgstudio/internal/infra"
)

const sweepInterval = time.Hour

type purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// janitor removes archived batches older than the retention window.
type janitor struct {
	ctx       context.Context
	archive   purger
	retention time.Duration
	interval  time.Duration
	logger    infra.Logger
	now       func() time.Time
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	if pool == nil {
		logger.Fatal().Msg("worker: DATABASE_URL is required")
	}
	defer pool.Close()

	w := &janitor{
		ctx:       ctx,
		archive:   repo.NewBatchRepository(infra.NewSQLRunner(pool, logger)),
		retention: cfg.ArchiveRetention,
		interval:  sweepInterval,
		logger:    logger,
		now:       time.Now,
	}
	if err := w.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func (w *janitor) Run() error {
	w.logger.Info().Dur("retention", w.retention).Msg("worker: started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.sweep()
		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *janitor) sweep() {
	cutoff := w.now().Add(-w.retention)
	ctx, cancel := context.WithTimeout(w.ctx, time.Minute)
	defer cancel()
	n, err := w.archive.Purge(ctx, cutoff)
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: purge failed")
		return
	}
	if n > 0 {
		w.logger.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("worker: purged archived batches")
	}
}
