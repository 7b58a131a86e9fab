package config

import (
	"time"

	"github.com/jackzampolin/newsreel/internal/coordinator"
	"github.com/jackzampolin/newsreel/internal/pgdocker"
	"github.com/jackzampolin/newsreel/internal/providers"
	"github.com/jackzampolin/newsreel/internal/retry"
	"github.com/jackzampolin/newsreel/internal/store"
)

// Config holds newsreel configuration.
// Stored at: ~/.newsreel/config.yaml
type Config struct {
	Server      ServerCfg      `mapstructure:"server" yaml:"server"`
	Log         LogCfg         `mapstructure:"log" yaml:"log"`
	Store       StoreCfg       `mapstructure:"store" yaml:"store"`
	OpenAI      OpenAICfg      `mapstructure:"openai" yaml:"openai"`
	Coordinator CoordinatorCfg `mapstructure:"coordinator" yaml:"coordinator"`
}

// ServerCfg configures the HTTP listener.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// LogCfg configures logging.
type LogCfg struct {
	Level string `mapstructure:"level" yaml:"level"` // debug, info, warn, error
}

// StoreCfg selects the persistence backend.
type StoreCfg struct {
	Driver   string      `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, memory
	SQLite   SQLiteCfg   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresCfg `mapstructure:"postgres" yaml:"postgres"`
}

// SQLiteCfg configures the SQLite backend.
type SQLiteCfg struct {
	Path        string        `mapstructure:"path" yaml:"path"` // empty: <home>/newsreel.db
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// PostgresCfg configures the Postgres backend.
type PostgresCfg struct {
	DSN              string        `mapstructure:"dsn" yaml:"dsn"` // supports ${ENV_VAR}
	MaxOpenConns     int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	// Managed runs Postgres in a local Docker container and ignores DSN.
	Managed   bool                 `mapstructure:"managed" yaml:"managed"`
	Container PostgresContainerCfg `mapstructure:"container" yaml:"container"`
}

// PostgresContainerCfg configures the managed container.
type PostgresContainerCfg struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Image    string `mapstructure:"image" yaml:"image"`
	Port     string `mapstructure:"port" yaml:"port"`
	DataPath string `mapstructure:"data_path" yaml:"data_path"` // empty: <home>/postgres
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"` // supports ${ENV_VAR}
	Database string `mapstructure:"database" yaml:"database"`
}

// OpenAICfg configures the generation service.
type OpenAICfg struct {
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR}
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	EpisodeModel string        `mapstructure:"episode_model" yaml:"episode_model"`
	RefineModel  string        `mapstructure:"refine_model" yaml:"refine_model"`
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second
	Burst        int           `mapstructure:"burst" yaml:"burst"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CoordinatorCfg holds the batching and completion thresholds.
type CoordinatorCfg struct {
	TokenBudget         int           `mapstructure:"token_budget" yaml:"token_budget"`
	MinBatchSize        int           `mapstructure:"min_batch_size" yaml:"min_batch_size"`
	MinTrimmedBatchSize int           `mapstructure:"min_trimmed_batch_size" yaml:"min_trimmed_batch_size"`
	LeaseTTL            time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	StoreRetryAttempts  int           `mapstructure:"store_retry_attempts" yaml:"store_retry_attempts"`
	StoreRetryDelay     time.Duration `mapstructure:"store_retry_delay" yaml:"store_retry_delay"`
	Workers             int           `mapstructure:"workers" yaml:"workers"`
	QueueSize           int           `mapstructure:"queue_size" yaml:"queue_size"`
	SweepSchedule       string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
	CompletionStripes   int           `mapstructure:"completion_stripes" yaml:"completion_stripes"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Log: LogCfg{Level: "info"},
		Store: StoreCfg{
			Driver: "sqlite",
			SQLite: SQLiteCfg{BusyTimeout: 5 * time.Second},
			Postgres: PostgresCfg{
				DSN:              "${NEWSREEL_POSTGRES_DSN}",
				MaxOpenConns:     10,
				OperationTimeout: 5 * time.Second,
				Container: PostgresContainerCfg{
					Name:     pgdocker.DefaultContainerName,
					Image:    pgdocker.DefaultImage,
					Port:     pgdocker.DefaultPort,
					User:     pgdocker.DefaultUser,
					Password: "${NEWSREEL_POSTGRES_PASSWORD}",
					Database: pgdocker.DefaultDatabase,
				},
			},
		},
		OpenAI: OpenAICfg{
			APIKey:       "${OPENAI_API_KEY}",
			EpisodeModel: "gpt-4o",
			RefineModel:  "gpt-4o-mini",
			RateLimit:    8,
			Burst:        4,
			MaxRetries:   2,
			Timeout:      120 * time.Second,
		},
		Coordinator: CoordinatorCfg{
			TokenBudget:         3500,
			MinBatchSize:        3,
			MinTrimmedBatchSize: 1,
			LeaseTTL:            300 * time.Second,
			StoreRetryAttempts:  retry.DefaultAttempts,
			StoreRetryDelay:     retry.DefaultDelay,
			Workers:             8,
			QueueSize:           1000,
			SweepSchedule:       coordinator.DefaultSweepSchedule,
			CompletionStripes:   64,
		},
	}
}

// ToStoreConfig converts the store section, resolving ${ENV_VAR} references.
// A managed Postgres DSN is filled in by the caller once the container is up.
func (c *Config) ToStoreConfig(defaultSQLitePath string) store.Config {
	path := c.Store.SQLite.Path
	if path == "" {
		path = defaultSQLitePath
	}
	return store.Config{
		Driver: c.Store.Driver,
		SQLite: store.SQLiteConfig{
			Path:        path,
			BusyTimeout: c.Store.SQLite.BusyTimeout,
		},
		Postgres: store.PostgresConfig{
			DSN:              ResolveEnvVars(c.Store.Postgres.DSN),
			MaxOpenConns:     c.Store.Postgres.MaxOpenConns,
			OperationTimeout: c.Store.Postgres.OperationTimeout,
		},
	}
}

// ToPostgresContainerConfig converts the managed container section.
func (c *Config) ToPostgresContainerConfig(defaultDataPath string) pgdocker.Config {
	ct := c.Store.Postgres.Container
	dataPath := ct.DataPath
	if dataPath == "" {
		dataPath = defaultDataPath
	}
	return pgdocker.Config{
		ContainerName: ct.Name,
		Image:         ct.Image,
		HostPort:      ct.Port,
		DataPath:      dataPath,
		User:          ct.User,
		Password:      ResolveEnvVars(ct.Password),
		Database:      ct.Database,
	}
}

// ToOpenAIConfig converts the openai section, resolving the API key.
func (c *Config) ToOpenAIConfig() providers.OpenAIConfig {
	return providers.OpenAIConfig{
		APIKey:     ResolveEnvVars(c.OpenAI.APIKey),
		Model:      c.OpenAI.EpisodeModel,
		RateLimit:  c.OpenAI.RateLimit,
		Burst:      c.OpenAI.Burst,
		MaxRetries: c.OpenAI.MaxRetries,
		Timeout:    c.OpenAI.Timeout,
		BaseURL:    c.OpenAI.BaseURL,
	}
}

// ToPolicy converts the coordinator thresholds.
func (c *Config) ToPolicy() coordinator.Policy {
	attempts := c.Coordinator.StoreRetryAttempts
	if attempts < 0 {
		attempts = 0
	}
	return coordinator.Policy{
		TokenBudget:    c.Coordinator.TokenBudget,
		MinBatchSize:   c.Coordinator.MinBatchSize,
		MinTrimmedSize: c.Coordinator.MinTrimmedBatchSize,
		LeaseTTL:       c.Coordinator.LeaseTTL,
		RetryAttempts:  uint(attempts),
		RetryDelay:     c.Coordinator.StoreRetryDelay,
	}
}
