package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SlotModeBlock and SlotModeDeny select how the global generation pool behaves
// when it is exhausted.
const (
	SlotModeBlock = "block"
	SlotModeDeny  = "deny"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string
	StoragePath string
	GeoIPDBPath string

	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	BFLAPIKey           string
	FluxBaseURL         string
	FluxModel           string
	FluxFillModel       string
	FluxPollInterval    time.Duration
	FluxMaxWait         time.Duration
	FluxResultValidity  time.Duration
	FluxPostTimeout     time.Duration
	FluxGetTimeout      time.Duration
	FluxSafetyTolerance int
	FluxOutputFormat    string
	FluxSubmitRPS       float64
	FluxMaxResultBytes  int64

	PromptProvider string
	GeminiAPIKey   string
	GeminiModel    string
	OpenAIAPIKey   string
	OpenAIModel    string
	OpenAIBaseURL  string
	PromptTimeout  time.Duration
	PromptMaxWords int
	DefaultLocale  string

	RateLimitPerMinute       int
	RateLimitPerHour         int
	RateLimitPerDay          int
	StatusRateLimitPerMinute int
	MaxConcurrentGenerations int
	SlotMode                 string

	GenerationMinCount   int
	GenerationMaxCount   int
	InstructionMaxLength int
	BatchDeadlineSlack   time.Duration
	BatchRetention       time.Duration
	ProgressBuffer       int

	SessionTimeout            time.Duration
	SessionMaxGeneratedImages int
	UserDailyLimit            int
	MaxConcurrentTasks        int

	ArchiveRetention time.Duration
	MaxUploadBytes   int64
	AllowedOrigins   []string
	TrustedProxies   []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		LogFile:       os.Getenv("LOG_FILE"),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 30)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),

		BFLAPIKey:           os.Getenv("BFL_API_KEY"),
		FluxBaseURL:         getEnv("FLUX_API_BASE_URL", "https://api.us1.bfl.ai/v1"),
		FluxModel:           getEnv("FLUX_MODEL", "flux-kontext-pro"),
		FluxFillModel:       getEnv("FLUX_FILL_MODEL", "flux-pro-1.0-fill"),
		FluxPollInterval:    getEnvSeconds("FLUX_POLLING_INTERVAL", 1.5),
		FluxMaxWait:         getEnvSeconds("FLUX_MAX_WAIT_TIME", 300),
		FluxResultValidity:  getEnvSeconds("FLUX_RESULT_VALIDITY", 600),
		FluxPostTimeout:     getEnvSeconds("FLUX_REQUEST_TIMEOUT_POST", 30),
		FluxGetTimeout:      getEnvSeconds("FLUX_REQUEST_TIMEOUT_GET", 10),
		FluxSafetyTolerance: getEnvInt("FLUX_SAFETY_TOLERANCE", 2),
		FluxOutputFormat:    getEnv("FLUX_OUTPUT_FORMAT", "jpeg"),
		FluxSubmitRPS:       getEnvFloat("FLUX_SUBMIT_RPS", 5),
		FluxMaxResultBytes:  int64(getEnvInt("FLUX_MAX_RESULT_BYTES", 32<<20)),

		PromptProvider: strings.ToLower(getEnv("PROMPT_PROVIDER", "gemini")),
		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		GeminiModel:    getEnv("GEMINI_MODEL_NAME", "gemini-2.5-flash"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		PromptTimeout:  getEnvSeconds("PROMPT_TIMEOUT", 10),
		PromptMaxWords: getEnvInt("PROMPT_MAX_WORDS", 450),
		DefaultLocale:  getEnv("DEFAULT_LOCALE", "ja"),

		RateLimitPerMinute:       getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
		RateLimitPerHour:         getEnvInt("RATE_LIMIT_PER_HOUR", 50),
		RateLimitPerDay:          getEnvInt("RATE_LIMIT_PER_DAY", 200),
		StatusRateLimitPerMinute: getEnvInt("STATUS_RATE_LIMIT_PER_MINUTE", 120),
		MaxConcurrentGenerations: getEnvInt("MAX_CONCURRENT_GENERATIONS", 5),
		SlotMode:                 strings.ToLower(getEnv("SLOT_MODE", SlotModeBlock)),

		GenerationMinCount:   getEnvInt("GENERATION_MIN_COUNT", 1),
		GenerationMaxCount:   getEnvInt("GENERATION_MAX_COUNT", 5),
		InstructionMaxLength: getEnvInt("INSTRUCTION_MAX_LENGTH", 1000),
		BatchDeadlineSlack:   getEnvDuration("BATCH_DEADLINE_SLACK", 30*time.Second),
		BatchRetention:       getEnvDuration("BATCH_RETENTION", 30*time.Minute),
		ProgressBuffer:       getEnvInt("PROGRESS_BUFFER", 32),

		SessionTimeout:            getEnvDuration("SESSION_TIMEOUT", 24*time.Hour),
		SessionMaxGeneratedImages: getEnvInt("SESSION_MAX_GENERATED_IMAGES", 20),
		UserDailyLimit:            getEnvInt("USER_DAILY_LIMIT", 50),
		MaxConcurrentTasks:        getEnvInt("MAX_CONCURRENT_TASKS", 3),

		ArchiveRetention: getEnvDuration("ARCHIVE_RETENTION", 30*24*time.Hour),
		MaxUploadBytes:   int64(getEnvInt("MAX_UPLOAD_MB", 10)) << 20,
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS"),
		TrustedProxies:   getEnvList("TRUSTED_PROXIES"),
	}

	if cfg.GenerationMinCount < 1 {
		return nil, fmt.Errorf("GENERATION_MIN_COUNT must be at least 1")
	}
	if cfg.GenerationMaxCount < cfg.GenerationMinCount {
		return nil, fmt.Errorf("GENERATION_MAX_COUNT must be >= GENERATION_MIN_COUNT")
	}
	if cfg.MaxConcurrentGenerations < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_GENERATIONS must be at least 1")
	}
	if cfg.SlotMode != SlotModeBlock && cfg.SlotMode != SlotModeDeny {
		return nil, fmt.Errorf("SLOT_MODE must be %q or %q", SlotModeBlock, SlotModeDeny)
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_MB must be positive")
	}
	if cfg.FluxPollInterval <= 0 {
		return nil, fmt.Errorf("FLUX_POLLING_INTERVAL must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvSeconds reads a fractional number of seconds, e.g. "1.5".
func getEnvSeconds(key string, fallback float64) time.Duration {
	return time.Duration(getEnvFloat(key, fallback) * float64(time.Second))
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
