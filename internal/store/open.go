package store

import (
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config selects and configures a backend.
type Config struct {
	Driver   string // memory, sqlite, postgres
	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN              string
	MaxOpenConns     int
	OperationTimeout time.Duration
}

// Open initializes the configured store.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg.SQLite, logger)
	case "postgres", "postgresql":
		return openPostgres(cfg.Postgres, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func migration(name string) (string, error) {
	b, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
