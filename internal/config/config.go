// Package config loads server configuration the way the teacher does:
// environment variables (optionally via a .env file) parsed with
// caarlos0/env, then flags layered on top for the three settings spec.md
// §6 names explicitly.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every setting the server needs. Tags follow the teacher's
// convention: env is the variable name, envDefault its fallback.
type Config struct {
	Dir        string `env:"KVREDIS_DIR" envDefault:""`
	DBFilename string `env:"KVREDIS_DBFILENAME" envDefault:""`
	Port       int    `env:"KVREDIS_PORT" envDefault:"6379"`

	AdminAddr string `env:"KVREDIS_ADMIN_ADDR" envDefault:""`

	MaxConnections int `env:"KVREDIS_MAX_CONNECTIONS" envDefault:"10000"`
	ConnRateBurst  int `env:"KVREDIS_CONN_RATE_BURST" envDefault:"100"`
	ConnRatePerSec int `env:"KVREDIS_CONN_RATE_PER_SEC" envDefault:"50"`

	LogLevel  string `env:"KVREDIS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"KVREDIS_LOG_FORMAT" envDefault:"json"`
}

// Load reads environment variables (optionally via a .env file), then
// overlays CLI flags parsed from args (excluding argv[0]). Flags take
// precedence over environment, which takes precedence over defaults —
// unknown flags are ignored with a logged warning, per spec.md §6.
func Load(args []string, logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	fs := flag.NewFlagSet("kvredis", flag.ContinueOnError)
	fs.Usage = func() {}
	dir := fs.String("dir", cfg.Dir, "directory to load the snapshot file from")
	dbfilename := fs.String("dbfilename", cfg.DBFilename, "snapshot file name")
	port := fs.Int("port", cfg.Port, "TCP port to listen on")
	adminAddr := fs.String("admin-addr", cfg.AdminAddr, "optional admin HTTP listen address (/metrics, /healthz)")

	if err := fs.Parse(args); err != nil {
		if logger != nil {
			logger.Warn().Err(err).Msg("ignoring unrecognized flags")
		}
	}

	cfg.Dir = *dir
	cfg.DBFilename = *dbfilename
	cfg.Port = *port
	cfg.AdminAddr = *adminAddr

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max connections must be > 0, got %d", c.MaxConnections)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log level must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log format must be one of json, text, pretty (got %s)", c.LogFormat)
	}
	return nil
}

// LogFields logs the resolved configuration at startup, structured the
// way the teacher's Config.LogConfig does.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("dir", c.Dir).
		Str("dbfilename", c.DBFilename).
		Int("port", c.Port).
		Str("admin_addr", c.AdminAddr).
		Int("max_connections", c.MaxConnections).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}

// SnapshotPath joins Dir and DBFilename, or returns "" if either is unset
// (no snapshot is loaded at boot, per spec.md §4.10).
func (c *Config) SnapshotPath() string {
	if c.Dir == "" || c.DBFilename == "" {
		return ""
	}
	return c.Dir + "/" + c.DBFilename
}
