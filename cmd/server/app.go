package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/warp/quota-engine/config"
	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/store/postgres"
	"github.com/warp/quota-engine/store/sqlite"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dbPath     string

	portOverride int // set by serve --port
}

// load reads the config file and applies flag overrides.
func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.dbPath != "" {
		cfg.Storage.SQLitePath = g.dbPath
	}
	if g.portOverride != 0 {
		cfg.HTTP.Port = g.portOverride
	}
	return cfg, cfg.Validate()
}

// app is the wired engine for one process.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *sqlite.Store
	pool   *pgxpool.Pool // nil unless Postgres serves the directory
	svc    *quota.Service
}

func openApp(ctx context.Context, cfg config.Config, logw io.Writer) (*app, error) {
	logger := cfg.Logger(logw)

	if path := cfg.Storage.SQLitePath; path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}

	var (
		dir    quota.Directory   = store
		ledger quota.OrderLedger = store
	)
	if cfg.Storage.PostgresURL != "" {
		pool, err := postgres.Open(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.pool = pool
		dir = postgres.NewDirectory(pool)
		ledger = postgres.NewLedger(pool)
		logger.Info("hierarchy and orders served from postgres")
	}

	a.svc = quota.NewService(dir, store, ledger, store, cfg.Options(logger))
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing database", "error", err)
	}
}

// withApp loads config, opens the app for the duration of fn and closes it.
func withApp(cmd *cobra.Command, g *globalFlags, fn func(*app) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
