package config

import (
	"time"

	"github.com/jackzampolin/newsreel/internal/coordinator"
	"github.com/jackzampolin/newsreel/internal/pgdocker"
	"github.com/jackzampolin/newsreel/internal/retry"
)

// Entry is a single documented configuration key.
type Entry struct {
	Key         string
	Value       any
	Description string
}

// DefaultEntries returns the default configuration entries in file order.
// They seed viper's defaults and the file written by WriteDefault.
func DefaultEntries() []Entry {
	return []Entry{
		// ===================
		// Server
		// ===================
		{
			Key:         "server.host",
			Value:       "127.0.0.1",
			Description: "Address the HTTP server binds to",
		},
		{
			Key:         "server.port",
			Value:       "8080",
			Description: "Port the HTTP server listens on",
		},
		{
			Key:         "log.level",
			Value:       "info",
			Description: "Log level: debug, info, warn, error",
		},

		// ===================
		// Store
		// ===================
		{
			Key:         "store.driver",
			Value:       "sqlite",
			Description: "Persistence backend: sqlite, postgres or memory",
		},
		{
			Key:         "store.sqlite.path",
			Value:       "",
			Description: "SQLite database file (empty uses <home>/newsreel.db)",
		},
		{
			Key:         "store.sqlite.busy_timeout",
			Value:       5 * time.Second,
			Description: "How long SQLite waits on a locked database",
		},
		{
			Key:         "store.postgres.dsn",
			Value:       "${NEWSREEL_POSTGRES_DSN}",
			Description: "Postgres connection string (uses environment variable)",
		},
		{
			Key:         "store.postgres.max_open_conns",
			Value:       10,
			Description: "Maximum open Postgres connections",
		},
		{
			Key:         "store.postgres.operation_timeout",
			Value:       5 * time.Second,
			Description: "Deadline applied to each Postgres statement",
		},
		{
			Key:         "store.postgres.managed",
			Value:       false,
			Description: "Run Postgres in a local Docker container instead of using dsn",
		},
		{
			Key:         "store.postgres.container.name",
			Value:       pgdocker.DefaultContainerName,
			Description: "Managed Postgres container name",
		},
		{
			Key:         "store.postgres.container.image",
			Value:       pgdocker.DefaultImage,
			Description: "Managed Postgres image",
		},
		{
			Key:         "store.postgres.container.port",
			Value:       pgdocker.DefaultPort,
			Description: "Host port published by the managed container",
		},
		{
			Key:         "store.postgres.container.data_path",
			Value:       "",
			Description: "Host directory for Postgres data (empty uses <home>/postgres)",
		},
		{
			Key:         "store.postgres.container.user",
			Value:       pgdocker.DefaultUser,
			Description: "Managed Postgres user",
		},
		{
			Key:         "store.postgres.container.password",
			Value:       "${NEWSREEL_POSTGRES_PASSWORD}",
			Description: "Managed Postgres password (uses environment variable)",
		},
		{
			Key:         "store.postgres.container.database",
			Value:       pgdocker.DefaultDatabase,
			Description: "Managed Postgres database",
		},

		// ===================
		// OpenAI
		// ===================
		{
			Key:         "openai.api_key",
			Value:       "${OPENAI_API_KEY}",
			Description: "OpenAI API key (uses environment variable)",
		},
		{
			Key:         "openai.base_url",
			Value:       "",
			Description: "Optional API base URL for proxies",
		},
		{
			Key:         "openai.episode_model",
			Value:       "gpt-4o",
			Description: "Model used to assemble episodes",
		},
		{
			Key:         "openai.refine_model",
			Value:       "gpt-4o-mini",
			Description: "Model used to refine parsed newsletter text",
		},
		{
			Key:         "openai.rate_limit",
			Value:       8.0,
			Description: "Rate limit in requests per second",
		},
		{
			Key:         "openai.burst",
			Value:       4,
			Description: "Requests allowed in a burst",
		},
		{
			Key:         "openai.max_retries",
			Value:       2,
			Description: "Transport retries performed by the OpenAI client",
		},
		{
			Key:         "openai.timeout",
			Value:       120 * time.Second,
			Description: "HTTP timeout for generation requests",
		},

		// ===================
		// Coordinator
		// ===================
		{
			Key:         "coordinator.token_budget",
			Value:       3500,
			Description: "Maximum combined tokens in one episode batch",
		},
		{
			Key:         "coordinator.min_batch_size",
			Value:       3,
			Description: "Records required before a batch is attempted",
		},
		{
			Key:         "coordinator.min_trimmed_batch_size",
			Value:       1,
			Description: "Records required after trimming to the token budget",
		},
		{
			Key:         "coordinator.lease_ttl",
			Value:       300 * time.Second,
			Description: "How long a record stays claimed by one batch",
		},
		{
			Key:         "coordinator.store_retry_attempts",
			Value:       retry.DefaultAttempts,
			Description: "Attempts for each store operation",
		},
		{
			Key:         "coordinator.store_retry_delay",
			Value:       retry.DefaultDelay,
			Description: "Fixed delay between store attempts",
		},
		{
			Key:         "coordinator.workers",
			Value:       8,
			Description: "Concurrent batch workers",
		},
		{
			Key:         "coordinator.queue_size",
			Value:       1000,
			Description: "Pending batch tasks before enqueue rejects work",
		},
		{
			Key:         "coordinator.sweep_schedule",
			Value:       coordinator.DefaultSweepSchedule,
			Description: "Cron schedule for purging expired leases",
		},
		{
			Key:         "coordinator.completion_stripes",
			Value:       64,
			Description: "Lock stripes used by the completion tracker",
		},
	}
}

// GetDefault returns the default entry for a config key.
// Returns nil if no default exists for the key.
func GetDefault(key string) *Entry {
	for _, entry := range DefaultEntries() {
		if entry.Key == key {
			return &entry
		}
	}
	return nil
}
