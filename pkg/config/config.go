package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string
	// DatabaseURL selects Postgres. Empty runs in lite mode on SQLite under DataDir.
	DatabaseURL string
	DataDir     string
	RedisURL    string

	FallbackURL     string
	FallbackModel   string
	FallbackAPIKey  string
	FallbackTimeout time.Duration

	SandboxTimeout   time.Duration
	SandboxCostLimit uint64

	WorkerPoolSize    int
	RunTimeout        time.Duration
	MaxLoopIterations int
	CacheTTL          time.Duration

	ArtifactStore    string
	ArtifactBucket   string
	ArtifactRegion   string
	ArtifactEndpoint string

	// ProfilePath points at a YAML policy profile. Optional.
	ProfilePath string

	RateLimitRPS   int
	RateLimitBurst int

	OTelEnabled  bool
	OTLPEndpoint string
	Environment  string
}

// Load loads configuration from environment variables. Malformed numeric or
// duration values are logged and replaced by their defaults.
func Load() *Config {
	return &Config{
		Port:        envOr("PORT", "8080"),
		LogLevel:    strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     envOr("DATA_DIR", "data"),
		RedisURL:    os.Getenv("REDIS_URL"),

		FallbackURL:     os.Getenv("FALLBACK_URL"),
		FallbackModel:   envOr("FALLBACK_MODEL", "gpt-4o-mini"),
		FallbackAPIKey:  os.Getenv("FALLBACK_API_KEY"),
		FallbackTimeout: envDuration("FALLBACK_TIMEOUT", 10*time.Second),

		SandboxTimeout:   envDuration("SANDBOX_TIMEOUT", 100*time.Millisecond),
		SandboxCostLimit: uint64(envInt("SANDBOX_COST_LIMIT", 100_000)),

		WorkerPoolSize:    envInt("WORKER_POOL_SIZE", 16),
		RunTimeout:        envDuration("RUN_TIMEOUT", 10*time.Minute),
		MaxLoopIterations: envInt("MAX_LOOP_ITERATIONS", 100),
		CacheTTL:          envDuration("CACHE_TTL", 5*time.Minute),

		ArtifactStore:    envOr("ARTIFACT_STORE", "fs"),
		ArtifactBucket:   os.Getenv("ARTIFACT_BUCKET"),
		ArtifactRegion:   os.Getenv("ARTIFACT_REGION"),
		ArtifactEndpoint: os.Getenv("ARTIFACT_ENDPOINT"),

		ProfilePath: os.Getenv("PROFILE_PATH"),

		RateLimitRPS:   envInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 100),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Environment:  envOr("ENVIRONMENT", "development"),
	}
}

// LiteMode reports whether persistence runs on embedded SQLite.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", v)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		slog.Warn("ignoring invalid duration setting", "key", key, "value", v)
		return def
	}
	return d
}
