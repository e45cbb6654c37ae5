package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Storage. An empty DatabaseURL runs the engine on the in-memory store.
	DatabaseURL string

	// Per-slot critical section
	LockBackend   string
	LockTimeout   time.Duration
	LockLease     time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Hold lifecycle
	HoldTTL           time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
	ReconcileInterval time.Duration
	CatalogTimezone   string

	// Auth
	PatientJWTSecret string
	AdminJWTSecret   string
	AuthIssuer       string

	// HTTP edge
	CORSAllowedOrigins []string
	HoldRatePerMinute  int
	HoldRateBurst      int

	// Notifications
	AWSRegion            string
	AWSAccessKeyID       string
	AWSSecretAccessKey   string
	AWSEndpointOverride  string
	NotificationQueueURL string
	OutboxInterval       time.Duration
	OutboxBatchSize      int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		LockBackend:   strings.ToLower(strings.TrimSpace(getEnv("LOCK_BACKEND", "memory"))),
		LockTimeout:   getEnvAsDuration("LOCK_TIMEOUT", 2*time.Second),
		LockLease:     getEnvAsDuration("LOCK_LEASE", 10*time.Second),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		HoldTTL:           getEnvAsDuration("HOLD_TTL", 5*time.Minute),
		SweepInterval:     getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatchSize:    getEnvAsInt("SWEEP_BATCH_SIZE", 100),
		ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", 5*time.Minute),
		CatalogTimezone:   getEnv("CATALOG_TIMEZONE", "UTC"),

		PatientJWTSecret: getEnv("PATIENT_JWT_SECRET", ""),
		AdminJWTSecret:   getEnv("ADMIN_JWT_SECRET", ""),
		AuthIssuer:       getEnv("AUTH_ISSUER", ""),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		HoldRatePerMinute:  getEnvAsInt("HOLD_RATE_PER_MINUTE", 30),
		HoldRateBurst:      getEnvAsInt("HOLD_RATE_BURST", 10),

		AWSRegion:            getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:       getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:  getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		NotificationQueueURL: getEnv("NOTIFICATION_QUEUE_URL", ""),
		OutboxInterval:       getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatchSize:      getEnvAsInt("OUTBOX_BATCH_SIZE", 25),
	}
}

// EffectiveSweepInterval bounds the sweep interval to half the hold TTL so a
// slot abandoned mid-booking is never stale for longer than TTL/2 after expiry.
func (c *Config) EffectiveSweepInterval() time.Duration {
	limit := c.HoldTTL / 2
	if c.SweepInterval <= 0 || (limit > 0 && c.SweepInterval > limit) {
		return limit
	}
	return c.SweepInterval
}

// CatalogLocation resolves CatalogTimezone, falling back to UTC.
func (c *Config) CatalogLocation() *time.Location {
	loc, err := time.LoadLocation(c.CatalogTimezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

// UseRedisLocks reports whether slot locks should be shared through Redis.
func (c *Config) UseRedisLocks() bool {
	return c.LockBackend == "redis" && strings.TrimSpace(c.RedisAddr) != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping empty entries
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
