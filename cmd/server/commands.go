package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/quota-engine/api"
	"github.com/warp/quota-engine/config"
	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/store/postgres"
)

// newRootCmd creates the top-level command and registers all subcommands.
func newRootCmd(out io.Writer) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "server",
		Short:         "Sales target rollup and achievement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "SQLite database path (overrides config)")

	root.AddCommand(
		newServeCmd(g),
		newEscalateCmd(g),
		newSeedCmd(g),
		newMigrateCmd(g),
	)
	return root
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(g *globalFlags) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the escalation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				g.portOverride = port
			}
			return withApp(cmd, g, serve)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	return cmd
}

func serve(a *app) error {
	cfg := a.cfg

	handler := api.NewHandler(a.svc, a.logger)
	handler.Store = a.store
	router := api.NewRouter(handler, cfg.HTTP.AllowedOrigins)

	scheduler := api.NewEscalationScheduler(a.svc, cfg.SchedulerTenants(), a.logger)
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Enabled = cfg.Scheduler.Enabled && len(cfg.Scheduler.Tenants) > 0
	scheduler.Start()
	defer scheduler.Stop()
	if scheduler.Enabled {
		a.logger.Info("escalation scheduler started",
			"tenants", cfg.Scheduler.Tenants, "next_run", scheduler.GetNextRunTime().Format(time.RFC3339))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", "http://localhost"+server.Addr, "api", "/api")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	a.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info("server stopped")
	return nil
}

// =============================================================================
// ESCALATE
// =============================================================================

func newEscalateCmd(g *globalFlags) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "escalate",
		Short: "Run the monthly escalation for one tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				res, err := a.svc.RunMonthlyEscalation(cmd.Context(), quota.TenantID(tenant))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d leaves processed, %d snapshots updated, %d replayed, %d failed\n",
					res.Tenant, res.MonthKey, res.ProcessedLeaves, len(res.UpdatedSnapshots), res.Replayed, len(res.Failures))
				for _, f := range res.Failures {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %v\n", f.NodeID, f.Err)
				}
				if len(res.Failures) > 0 {
					return fmt.Errorf("%d leaves failed", len(res.Failures))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant to escalate")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// =============================================================================
// SEED
// =============================================================================

func newSeedCmd(g *globalFlags) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load nodes and orders from a YAML fixture into SQLite",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, orders, err := config.LoadFixture(file)
			if err != nil {
				return err
			}
			return withApp(cmd, g, func(a *app) error {
				if a.pool != nil {
					return errors.New("seed writes the SQLite directory; unset storage.postgres_url")
				}
				ctx := cmd.Context()
				for _, n := range nodes {
					if err := a.store.SaveNode(ctx, n); err != nil {
						return fmt.Errorf("saving node %s: %w", n.ID, err)
					}
				}
				for _, o := range orders {
					if err := a.store.SaveOrder(ctx, o); err != nil {
						return fmt.Errorf("saving order %s: %w", o.ID, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d nodes and %d orders\n", len(nodes), len(orders))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Fixture file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// =============================================================================
// MIGRATE
// =============================================================================

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the hierarchy and order tables in Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cfg.Storage.PostgresURL == "" {
				return errors.New("storage.postgres_url (or DATABASE_URL) is required")
			}
			pool, err := postgres.Open(cmd.Context(), cfg.Storage.PostgresURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.EnsureSchema(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "postgres schema ready")
			return nil
		},
	}
}
