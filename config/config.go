/*
Package config loads the service configuration.

SOURCES (in order):
  1. A .env file in the working directory, when present
  2. Process environment

The core packages never read the environment; main hands the parsed Config
to each constructor.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverCSV      = "csv"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr    string   `env:"HTTP_ADDR" envDefault:":8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`

	Store    StoreConfig
	Postgres PostgresConfig
	Engine   EngineConfig
	Log      LogConfig
}

// StoreConfig selects the record source.
type StoreConfig struct {
	Driver     string `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"acopio.db"`
	CSVDir     string `env:"CSV_DIR"`
}

// PostgresConfig configures the legacy database connection.
type PostgresConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"PG_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"PG_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"PG_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// EngineConfig tunes the reconciliation engine and its refresh job.
type EngineConfig struct {
	MinHarvest      string        `env:"MIN_HARVEST"`
	TruckCapacity   float64       `env:"TRUCK_CAPACITY" envDefault:"30000"`
	GrainCacheTTL   time.Duration `env:"GRAIN_CACHE_TTL" envDefault:"1h"`
	RefreshSchedule string        `env:"REFRESH_SCHEDULE" envDefault:"0 */15 * * * *"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `env:"LOG_LEVEL" envDefault:"info"`
	Encoding    string `env:"LOG_ENCODING" envDefault:"json"`
	Development bool   `env:"LOG_DEVELOPMENT"`
}

// Load reads .env (if any) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment only. Callers apply overrides and then
// Validate.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Postgres.URL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	case DriverCSV:
		if c.Store.CSVDir == "" {
			return errors.New("CSV_DIR is required for the csv driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Engine.TruckCapacity < 0 {
		return fmt.Errorf("TRUCK_CAPACITY must not be negative, got %v", c.Engine.TruckCapacity)
	}
	return nil
}
