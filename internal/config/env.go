// Package config defines environment variable keys for configuration.
package config

//nolint:gosec // Environment variable keys are not credentials.
const (
	// Store
	EnvMongoURI    = "MONGODB_URI"
	EnvMongoDBName = "MONGODB_DB_NAME"

	// Server
	EnvPort            = "PORT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"

	// Wait queue
	EnvRedisURL              = "REDIS_URL"
	EnvRedisHost             = "REDIS_HOST"
	EnvRedisPort             = "REDIS_PORT"
	EnvRedisPassword         = "REDIS_PASSWORD"
	EnvQueueConcurrency      = "KEY_QUEUE_CONCURRENCY"
	EnvQueueBackoffMs        = "KEY_QUEUE_BACKOFF_MS"
	EnvQueueMaxWaitMs        = "KEY_QUEUE_MAX_WAIT_MS"
	EnvQueueRequestTimeoutMs = "KEY_QUEUE_REQUEST_TIMEOUT_MS"

	// Plan spacing
	EnvProIntervalMs      = "MAILTESTER_PRO_INTERVAL_MS"
	EnvUltimateIntervalMs = "MAILTESTER_ULTIMATE_INTERVAL_MS"

	// Key preload sources, checked in this order
	EnvKeysJSON     = "MAILTESTER_KEYS_JSON"
	EnvKeysJSONPath = "MAILTESTER_KEYS_JSON_PATH"
	EnvKeysWithPlan = "MAILTESTER_KEYS_WITH_PLAN"
	EnvKeys         = "MAILTESTER_KEYS"
	EnvDefaultPlan  = "MAILTESTER_DEFAULT_PLAN"

	// Nightly key health probe
	EnvHealthcheckURL = "HEALTHCHECK_URL"

	// Sentry
	EnvSentryDSN         = "SENTRY_DSN"
	EnvSentryEnvironment = "SENTRY_ENVIRONMENT"
	EnvSentrySampleRate  = "SENTRY_SAMPLE_RATE"

	// Metrics auth
	EnvMetricsUsername = "METRICS_USERNAME"
	EnvMetricsPassword = "METRICS_PASSWORD"
)
