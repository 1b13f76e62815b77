// Package config loads process-wide configuration from the environment
// into an immutable value object, per spec.md §9's "process-wide
// configuration" redesign note: no implicit globals, threaded explicitly
// into main and from there into every component.
package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// StoreBackend selects which storage.Store implementation main wires up.
type StoreBackend string

const (
	BackendPostgres StoreBackend = "postgres"
	BackendSQLite   StoreBackend = "sqlite"
)

// Settings is the full set of environment-driven settings for ledgerd,
// loaded once at startup via Load.
type Settings struct {
	// DatabaseURL is the PostgreSQL connection string, used when
	// StoreBackend is "postgres".
	DatabaseURL string `env:"DATABASE_URL" envDefault:"postgresql://ledger:ledger_secret@db:5432/ledger"`

	// StoreBackend selects "postgres" or "sqlite".
	StoreBackend StoreBackend `env:"STORE_BACKEND" envDefault:"postgres"`

	// SQLitePath is the database file path, used when StoreBackend is
	// "sqlite".
	SQLitePath string `env:"SQLITE_PATH" envDefault:"/data/ledger.db"`

	// APIKey is the pre-shared key every request must present via
	// X-API-Key (spec.md §6).
	APIKey string `env:"API_KEY" envDefault:"dev-api-key-change-me"`

	// ArchivePath is the root directory of the append-only archive (S3).
	ArchivePath string `env:"ARCHIVE_PATH" envDefault:"/archive"`

	// CORSAllowOrigins is a comma-separated origin list or "*".
	CORSAllowOrigins string `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`

	// HTTPAddr is the listen address for the REST server.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error".
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[StoreBackend]bool{
	BackendPostgres: true,
	BackendSQLite:   true,
}

// Load parses the environment into Settings and validates it.
func Load() (*Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &s, nil
}

func validate(s *Settings) error {
	var errs []error

	if s.APIKey == "" {
		errs = append(errs, errors.New("API_KEY must not be empty"))
	}
	if s.ArchivePath == "" {
		errs = append(errs, errors.New("ARCHIVE_PATH must not be empty"))
	}
	if !validLogLevels[s.LogLevel] {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be one of: debug, info, warn, error", s.LogLevel))
	}
	if !validBackends[s.StoreBackend] {
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q must be one of: postgres, sqlite", s.StoreBackend))
	}
	if s.StoreBackend == BackendPostgres && s.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must not be empty when STORE_BACKEND=postgres"))
	}
	if s.StoreBackend == BackendSQLite && s.SQLitePath == "" {
		errs = append(errs, errors.New("SQLITE_PATH must not be empty when STORE_BACKEND=sqlite"))
	}

	return errors.Join(errs...)
}
