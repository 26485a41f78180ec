package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable knob for the event-processing engine.
type Config struct {
	// Environment
	Env      string
	LogLevel string

	// EventProcessor (spec.md §4.5)
	WindowSize     time.Duration
	GracePeriod    time.Duration
	DedupTTL       time.Duration
	TickerInterval time.Duration
	Workers        int
	MaxBufferedProfiles int

	// RollingCounter
	CounterBucketSize time.Duration
	CounterWindow     time.Duration

	// SegmentEngine thresholds
	PowerUserThreshold uint64
	PowerUserWindow    time.Duration
	ReengageInactivity time.Duration

	// Dedup backend
	DedupBackend string // "memory" or "redis"
	RedisURL     string

	// bus
	SegmentBusBufferSize int

	// Metrics
	MetricsNamespace string
}

// Load reads configuration from environment variables and an optional
// .env file, falling back to the spec's documented defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		WindowSize:          getEnvDuration("CDP_WINDOW_SIZE", 5*time.Second),
		GracePeriod:         getEnvDuration("CDP_GRACE_PERIOD", 2*time.Minute),
		DedupTTL:            getEnvDuration("CDP_DEDUP_TTL", 10*time.Minute),
		TickerInterval:      getEnvDuration("CDP_TICKER_INTERVAL", time.Second),
		Workers:             getEnvInt("CDP_WORKERS", 4),
		MaxBufferedProfiles: getEnvInt("CDP_MAX_BUFFERED_PROFILES", 100000),

		CounterBucketSize: getEnvDuration("CDP_COUNTER_BUCKET_SIZE", time.Minute),
		CounterWindow:     getEnvDuration("CDP_COUNTER_WINDOW", 24*time.Hour),

		PowerUserThreshold: uint64(getEnvInt("CDP_POWER_USER_THRESHOLD", 5)),
		PowerUserWindow:    getEnvDuration("CDP_POWER_USER_WINDOW", 24*time.Hour),
		ReengageInactivity: getEnvDuration("CDP_REENGAGE_INACTIVITY", 10*time.Minute),

		DedupBackend: getEnv("CDP_DEDUP_BACKEND", "memory"),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),

		SegmentBusBufferSize: getEnvInt("CDP_SEGMENT_BUS_BUFFER_SIZE", 64),

		MetricsNamespace: getEnv("CDP_METRICS_NAMESPACE", "cdp"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
