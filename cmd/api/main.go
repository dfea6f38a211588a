package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"imgstudio/internal/adapter/repo"
	"imgstudio/internal/domain"
	"imgstudio/internal/http/handlers"
	httpapi "imgstudio/internal/http/httpapi"
	"imgstudio/internal/infra"
	"imgstudio/internal/infra/geoip"
	"imgstudio/internal/middleware"
	"imgstudio/internal/orchestrator"
	"imgstudio/internal/progress"
	"imgstudio/internal/providers/flux"
	"imgstudio/internal/providers/prompt"
	"imgstudio/internal/ratelimit"
	"imgstudio/internal/session"
	"imgstudio/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: redis connection failed")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	var archive *repo.BatchRepositoryPG
	if pool != nil {
		defer pool.Close()
		if err := infra.MigrateUp(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("api: migrations failed")
		}
		archive = repo.NewBatchRepository(infra.NewSQLRunner(pool, logger))
	} else {
		logger.Warn().Msg("api: DATABASE_URL not set, finished batches are kept in memory only")
	}

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure storage")
	}

	backend := flux.NewClient(flux.Options{
		APIKey:          cfg.BFLAPIKey,
		BaseURL:         cfg.FluxBaseURL,
		Model:           cfg.FluxModel,
		FillModel:       cfg.FluxFillModel,
		SafetyTolerance: cfg.FluxSafetyTolerance,
		OutputFormat:    cfg.FluxOutputFormat,
		PostTimeout:     cfg.FluxPostTimeout,
		GetTimeout:      cfg.FluxGetTimeout,
		MaxResultBytes:  cfg.FluxMaxResultBytes,
		Logger:          &logger,
	})
	if !backend.HasCredentials() {
		logger.Warn().Msg("api: BFL_API_KEY missing, generation attempts will fail at submission")
	}

	optimizer, err := prompt.New(ctx, prompt.Options{
		Provider:      cfg.PromptProvider,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiModel:   cfg.GeminiModel,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIModel:   cfg.OpenAIModel,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		MaxWords:      cfg.PromptMaxWords,
		Logger:        &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure prompt optimizer")
	}

	limits := ratelimit.Limits{
		PerMinute: cfg.RateLimitPerMinute,
		PerHour:   cfg.RateLimitPerHour,
		PerDay:    cfg.RateLimitPerDay,
	}
	statusLimits := ratelimit.Limits{PerMinute: cfg.StatusRateLimitPerMinute}
	var (
		generationStore ratelimit.WindowStore
		statusStore     ratelimit.WindowStore
		sessions        domain.SessionStore
	)
	sessionOpts := session.Options{TTL: cfg.SessionTimeout, MaxImages: cfg.SessionMaxGeneratedImages}
	if redisClient != nil {
		generationStore = ratelimit.NewRedisStore(redisClient, "ratelimit:gen")
		statusStore = ratelimit.NewRedisStore(redisClient, "ratelimit:status")
		sessions = session.NewRedisStore(redisClient, sessionOpts)
	} else {
		generationStore = ratelimit.NewMemoryStore()
		statusStore = ratelimit.NewMemoryStore()
		sessions = session.NewMemoryStore(sessionOpts)
	}

	deps := orchestrator.Deps{
		Limiter:   ratelimit.NewLimiter(generationStore, limits),
		Slots:     ratelimit.NewSlotPool(cfg.MaxConcurrentGenerations, ratelimit.SlotMode(cfg.SlotMode)),
		Hub:       progress.NewHub(cfg.ProgressBuffer, logger),
		Optimizer: optimizer,
		Backend:   backend,
		Store:     fileStore,
		Sessions:  sessions,
		Counts:    sessions,
		Logger:    logger,
	}
	if archive != nil {
		deps.Archive = archive
	}
	coordinator, err := orchestrator.New(orchestrator.Config{
		MinCount:             cfg.GenerationMinCount,
		MaxCount:             cfg.GenerationMaxCount,
		MaxInstructionLength: cfg.InstructionMaxLength,
		AttemptTimeout:       cfg.FluxMaxWait,
		OptimizeTimeout:      cfg.PromptTimeout,
		BatchSlack:           cfg.BatchDeadlineSlack,
		Retention:            cfg.BatchRetention,
		MaxPromptWords:       cfg.PromptMaxWords,
		SubmitRPS:            cfg.FluxSubmitRPS,
		DailyLimit:           cfg.UserDailyLimit,
		MaxActivePerSession:  cfg.MaxConcurrentTasks,
		Poller: orchestrator.PollerConfig{
			Interval:       cfg.FluxPollInterval,
			ResultValidity: cfg.FluxResultValidity,
		},
	}, deps)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to build orchestrator")
	}

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("api: geoip disabled")
	}
	var countryLookup middleware.CountryLookup
	if resolver != nil {
		defer resolver.Close()
		countryLookup = resolver.CountryCode
	}

	app := handlers.NewApp(cfg, logger, coordinator, fileStore, sessions)
	if archive != nil {
		app.Batches = archive
		app.Checks["database"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}
	if redisClient != nil {
		app.Checks["redis"] = pingRedis(redisClient)
	}
	app.Providers["backend"] = providerState(backend.HasCredentials())
	app.Providers["prompt"] = optimizer.Name()

	trusted, invalid := middleware.NewTrustedProxies(cfg.TrustedProxies)
	if len(invalid) > 0 {
		logger.Warn().Strs("entries", invalid).Msg("api: ignoring invalid TRUSTED_PROXIES entries")
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Origins:        middleware.NewOrigins(cfg.AllowedOrigins),
		CountryLookup:  countryLookup,
		DefaultLocale:  cfg.DefaultLocale,
		TrustedProxies: trusted,
		StatusLimiter:  ratelimit.NewLimiter(statusStore, statusLimits),
	})
	server := infra.NewHTTPServer(cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Msg("api: listening")
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.BatchDeadlineSlack+cfg.HTTPIdleTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("api: http shutdown")
		}
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("api: orchestrator shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("api: stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("api: stopped")
}

func pingRedis(client *redis.Client) handlers.HealthCheck {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}
}

func providerState(ok bool) string {
	if ok {
		return "configured"
	}
	return "missing_credentials"
}
