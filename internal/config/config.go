// Package config provides application configuration management.
// It loads settings from environment variables and provides defaults for
// the server, the key store, the wait queue, and plan spacing.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// QueueConfig tunes the blocking wait queue.
type QueueConfig struct {
	Concurrency    int
	Backoff        time.Duration
	MaxWait        time.Duration // 0 = unbounded
	RequestTimeout time.Duration // 0 = unbounded
}

// Config holds all application configuration
type Config struct {
	// Store Configuration
	MongoURI    string // Empty = process-local in-memory store (dev only)
	MongoDBName string

	// Server Configuration
	Port            string
	LogLevel        string
	ShutdownTimeout time.Duration

	// Wait Queue Configuration
	RedisURL      string // Full redis:// URL, takes precedence over host/port
	RedisHost     string
	RedisPort     string
	RedisPassword string
	Queue         QueueConfig

	// Plan Spacing Configuration (per-key minimum gap between uses)
	ProIntervalMs      int64
	UltimateIntervalMs int64

	// Nightly Key Health Probe
	HealthcheckURL string // URL template with %s for the key; empty = probe disabled

	// Sentry
	SentryDSN         string
	SentryEnvironment string
	SentrySampleRate  float64

	// Metrics Authentication
	MetricsUsername string // Username for /metrics endpoint Basic Auth (default: "prometheus")
	MetricsPassword string // Password for /metrics endpoint Basic Auth (empty = no auth)
}

// Load reads configuration from environment variables
// It attempts to load .env file first, then reads from env vars
func Load() (*Config, error) {
	// Try to load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		// Store Configuration
		MongoURI:    getEnv(EnvMongoURI, ""),
		MongoDBName: getEnv(EnvMongoDBName, "mailtester"),

		// Server Configuration
		Port:            getEnv(EnvPort, "3000"),
		LogLevel:        getEnv(EnvLogLevel, "info"),
		ShutdownTimeout: getDurationEnv(EnvShutdownTimeout, 30*time.Second),

		// Wait Queue Configuration
		RedisURL:      getEnv(EnvRedisURL, ""),
		RedisHost:     getEnv(EnvRedisHost, ""),
		RedisPort:     getEnv(EnvRedisPort, "6379"),
		RedisPassword: getEnv(EnvRedisPassword, ""),
		Queue: QueueConfig{
			Concurrency:    getIntEnv(EnvQueueConcurrency, 5),
			Backoff:        getMillisEnv(EnvQueueBackoffMs, time.Second),
			MaxWait:        getMillisEnv(EnvQueueMaxWaitMs, 0),
			RequestTimeout: getMillisEnv(EnvQueueRequestTimeoutMs, 0),
		},

		// Plan Spacing Configuration
		ProIntervalMs:      int64(getIntEnv(EnvProIntervalMs, 860)),
		UltimateIntervalMs: int64(getIntEnv(EnvUltimateIntervalMs, 170)),

		// Nightly Key Health Probe
		HealthcheckURL: getEnv(EnvHealthcheckURL, ""),

		// Sentry
		SentryDSN:         getEnv(EnvSentryDSN, ""),
		SentryEnvironment: getEnv(EnvSentryEnvironment, "production"),
		SentrySampleRate:  getFloatEnv(EnvSentrySampleRate, 1.0),

		// Metrics Authentication
		MetricsUsername: getEnv(EnvMetricsUsername, "prometheus"),
		MetricsPassword: getEnv(EnvMetricsPassword, ""),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration values are consistent
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New(EnvPort+" is required"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", EnvShutdownTimeout, c.ShutdownTimeout))
	}
	if c.Queue.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", EnvQueueConcurrency, c.Queue.Concurrency))
	}
	if c.Queue.Backoff <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", EnvQueueBackoffMs, c.Queue.Backoff))
	}
	if c.Queue.MaxWait < 0 {
		errs = append(errs, fmt.Errorf("%s cannot be negative, got %v", EnvQueueMaxWaitMs, c.Queue.MaxWait))
	}
	if c.Queue.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s cannot be negative, got %v", EnvQueueRequestTimeoutMs, c.Queue.RequestTimeout))
	}
	if c.ProIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", EnvProIntervalMs, c.ProIntervalMs))
	}
	if c.UltimateIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", EnvUltimateIntervalMs, c.UltimateIntervalMs))
	}
	if c.SentrySampleRate < 0 || c.SentrySampleRate > 1 {
		errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", EnvSentrySampleRate, c.SentrySampleRate))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// QueueEnabled reports whether a Redis broker is configured. Without one the
// blocking endpoint falls back to a process-local queue.
func (c *Config) QueueEnabled() bool {
	return c.RedisURL != "" || c.RedisHost != ""
}

// RedisAddr returns the host:port to dial when RedisURL is not set.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

// getEnv retrieves environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves integer environment variable with fallback to default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getMillisEnv retrieves a millisecond-count environment variable as a duration
func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getDurationEnv retrieves duration environment variable with fallback to default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getFloatEnv retrieves float64 environment variable with fallback to default value
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
