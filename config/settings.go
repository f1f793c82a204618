package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func init() {
	// Load env from .env
	godotenv.Load()
}

// Settings holds the runtime tunables. Every field has an env override and a default
// that is safe for production.
type Settings struct {
	Port string

	// LockWaitTimeout bounds advisory lock acquisition.
	LockWaitTimeout time.Duration
	// OperationTimeout bounds one locked business transaction.
	OperationTimeout time.Duration

	RetryBaseBackoff  time.Duration
	RetryMaxBackoff   time.Duration
	RetryMaxAttempts  int
	RetryBatchSize    int
	RetryPollInterval time.Duration
	RetryLockTTL      time.Duration
	RetryConcurrency  int

	SweepInterval        time.Duration
	SweepStaleAfter      time.Duration
	SweepBatchSize       int
	IdempotencyRetention time.Duration

	ProviderBaseURL    string
	ProviderAPIKey     string
	ProviderRatePerSec int

	// AlertSinks is a comma-separated list of log|pubsub|kafka.
	AlertSinks   []string
	AlertTopic   string
	KafkaBrokers []string

	OpsToken           string
	CORSAllowedOrigins []string

	RateLimitEnabled     bool
	RateLimitMaxRequests int64
	RateLimitWindow      time.Duration
}

// LoadSettings reads Settings from the environment.
func LoadSettings() Settings {
	port := strings.TrimSpace(os.Getenv("API_PORT"))
	if port == "" {
		// Cloud Run standard env var.
		port = strings.TrimSpace(os.Getenv("PORT"))
	}
	if port == "" {
		port = "8080"
	}

	return Settings{
		Port: port,

		LockWaitTimeout:  durationMsFromEnv("LOCK_WAIT_TIMEOUT_MS", 5*time.Second),
		OperationTimeout: durationMsFromEnv("OPERATION_TIMEOUT_MS", 15*time.Second),

		RetryBaseBackoff:  durationSecondsFromEnv("RETRY_BASE_BACKOFF_SECONDS", 5*time.Second),
		RetryMaxBackoff:   durationSecondsFromEnv("RETRY_MAX_BACKOFF_SECONDS", 10*time.Minute),
		RetryMaxAttempts:  intFromEnv("RETRY_MAX_ATTEMPTS", 10),
		RetryBatchSize:    intFromEnv("RETRY_BATCH_SIZE", 50),
		RetryPollInterval: durationMsFromEnv("RETRY_POLL_INTERVAL_MS", 500*time.Millisecond),
		RetryLockTTL:      durationSecondsFromEnv("RETRY_LOCK_TTL_SECONDS", 60*time.Second),
		RetryConcurrency:  intFromEnv("RETRY_CONCURRENCY", 8),

		SweepInterval:        durationSecondsFromEnv("SWEEP_INTERVAL_SECONDS", time.Minute),
		SweepStaleAfter:      durationSecondsFromEnv("SWEEP_STALE_AFTER_SECONDS", 5*time.Minute),
		SweepBatchSize:       intFromEnv("SWEEP_BATCH_SIZE", 200),
		IdempotencyRetention: durationSecondsFromEnv("IDEMPOTENCY_RETENTION_SECONDS", 30*24*time.Hour),

		ProviderBaseURL:    strings.TrimSpace(os.Getenv("PROVIDER_API_BASE_URL")),
		ProviderAPIKey:     strings.TrimSpace(os.Getenv("PROVIDER_API_KEY")),
		ProviderRatePerSec: intFromEnv("PROVIDER_RATE_LIMIT_PER_SEC", 20),

		AlertSinks:   splitAndTrim(envDefault("ALERT_SINKS", "log")),
		AlertTopic:   envDefault("ALERT_TOPIC", "reservation-alerts"),
		KafkaBrokers: splitAndTrim(os.Getenv("KAFKA_BROKERS")),

		OpsToken:           strings.TrimSpace(os.Getenv("OPS_TOKEN")),
		CORSAllowedOrigins: splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS")),

		RateLimitEnabled:     boolFromEnv("RATE_LIMIT_ENABLED", false),
		RateLimitMaxRequests: int64(intFromEnv("RATE_LIMIT_MAX_REQUESTS", 600)),
		RateLimitWindow:      durationSecondsFromEnv("RATE_LIMIT_WINDOW_SECONDS", time.Minute),
	}
}

// WebhookSecret returns the signing secret for a provider.
//
// Set via env:
// - WEBHOOK_SECRET_<PROVIDER>=... (provider upper-cased, '-' replaced by '_')
func WebhookSecret(provider string) string {
	key := "WEBHOOK_SECRET_" + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(provider), "-", "_"))
	return strings.TrimSpace(os.Getenv(key))
}

func envDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolFromEnv(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func durationSecondsFromEnv(key string, def time.Duration) time.Duration {
	n := intFromEnv(key, -1)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func durationMsFromEnv(key string, def time.Duration) time.Duration {
	n := intFromEnv(key, -1)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
