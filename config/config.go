/*
config.go - Server configuration

PURPOSE:
  Loads the YAML config file, applies environment overrides and turns the
  result into quota.Options and a logger. Command-line flags are applied by
  cmd/server on top of what Load returns.

PRECEDENCE:
  defaults < YAML file < environment < flags

ENVIRONMENT:
  QUOTA_HTTP_PORT          http.port
  QUOTA_DB_PATH            storage.sqlite_path
  DATABASE_URL             storage.postgres_url
  QUOTA_LOG_LEVEL          log.level
  QUOTA_SCHEDULER_TENANTS  scheduler.tenants (comma separated)

EXAMPLE:
  version: 1
  http:
    port: 8080
  storage:
    sqlite_path: ./data/quota.db
  engine:
    call_timeout: 5s
    max_fan_out: 8
  scheduler:
    enabled: true
    interval: 1h
    tenants: [acme]
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warp/quota-engine/quota"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Version   int             `yaml:"version"`
	HTTP      HTTPConfig      `yaml:"http"`
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	// PostgresURL, when set, serves the hierarchy and orders from Postgres.
	PostgresURL string `yaml:"postgres_url"`
}

type EngineConfig struct {
	CallTimeout          time.Duration `yaml:"call_timeout"`
	MaxFanOut            int           `yaml:"max_fan_out"`
	MaxMergeRetries      uint64        `yaml:"max_merge_retries"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`
	FiscalYearStartMonth int           `yaml:"fiscal_year_start_month"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Tenants  []string      `yaml:"tenants"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

func Default() Config {
	opts := quota.DefaultOptions()
	return Config{
		Version: 1,
		HTTP: HTTPConfig{
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Storage: StorageConfig{SQLitePath: "./data/quota.db"},
		Engine: EngineConfig{
			CallTimeout:          opts.CallTimeout,
			MaxFanOut:            opts.MaxFanOut,
			MaxMergeRetries:      opts.MaxMergeRetries,
			RetryBackoff:         opts.RetryBackoff,
			FiscalYearStartMonth: int(opts.FiscalYearStartMonth),
		},
		Scheduler: SchedulerConfig{Enabled: true, Interval: time.Hour},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
		if cfg.Version != 1 {
			return Config{}, errors.New("config: unsupported version")
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("QUOTA_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: QUOTA_HTTP_PORT: %w", err)
		}
		c.HTTP.Port = port
	}
	if v := getenv("QUOTA_DB_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Storage.PostgresURL = v
	}
	if v := getenv("QUOTA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("QUOTA_SCHEDULER_TENANTS"); v != "" {
		c.Scheduler.Tenants = nil
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.Scheduler.Tenants = append(c.Scheduler.Tenants, t)
			}
		}
	}
	return nil
}

func (c Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: http.port %d out of range", c.HTTP.Port)
	}
	if c.Storage.SQLitePath == "" {
		return errors.New("config: storage.sqlite_path is required")
	}
	if m := c.Engine.FiscalYearStartMonth; m < 0 || m > 12 {
		return fmt.Errorf("config: engine.fiscal_year_start_month %d out of range", m)
	}
	if c.Engine.MaxFanOut < 0 {
		return errors.New("config: engine.max_fan_out must not be negative")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return errors.New("config: scheduler.interval must be positive")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// Options converts the engine section.
func (c Config) Options(logger *slog.Logger) quota.Options {
	return quota.Options{
		CallTimeout:          c.Engine.CallTimeout,
		MaxFanOut:            c.Engine.MaxFanOut,
		MaxMergeRetries:      c.Engine.MaxMergeRetries,
		RetryBackoff:         c.Engine.RetryBackoff,
		FiscalYearStartMonth: time.Month(c.Engine.FiscalYearStartMonth),
		Logger:               logger,
	}
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SchedulerTenants returns the configured tenants as ids.
func (c Config) SchedulerTenants() []quota.TenantID {
	out := make([]quota.TenantID, 0, len(c.Scheduler.Tenants))
	for _, t := range c.Scheduler.Tenants {
		out = append(out, quota.TenantID(t))
	}
	return out
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
}
