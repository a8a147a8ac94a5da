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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhirstore/internal/config"
	"github.com/ehr/fhirstore/internal/domain/searchparameter"
	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "fhirstore-server",
		Short:        "FHIR resource storage engine",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(reindexCmd())
	return root
}

// loadConfig loads and validates configuration and builds the logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.New(cfg.LogLevel, cfg.IsDev())
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("running in development mode: every request is granted the admin role")
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	event, err := a.statuses.EnsureInitialized(ctx)
	if err != nil {
		return fmt.Errorf("initialize search parameter statuses: %w", err)
	}
	logger.Info().Int("changed", len(event.Parameters)).Msg("search parameter statuses initialized")

	e := a.router()
	addr := ":" + cfg.Port

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.reconcileLoop(gctx, cfg.ReconcileInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the document table and apply status database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			ctx := cmd.Context()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			container, err := newDynamoContainer(ctx, cfg, nil, logger)
			if err != nil {
				return err
			}
			if err := container.CreateTable(ctx); err != nil {
				return fmt.Errorf("create table %s: %w", cfg.DynamoDBTable, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Document table %s is ready.\n", cfg.DynamoDBTable)

			if cfg.StatusStore != config.StatusStorePostgres {
				return nil
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.Migrations(), schema).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for status migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show status database migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			ctx := cmd.Context()

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations(), schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for status migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile search parameter flags with the persisted statuses once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := setup(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			event, err := a.statuses.EnsureInitialized(ctx)
			if err != nil {
				return err
			}
			printChanges(cmd.OutOrStdout(), event)
			return nil
		},
	}
}

func printChanges(w io.Writer, event searchparameter.SearchParametersUpdated) {
	fmt.Fprintf(w, "%d search parameter(s) changed\n", len(event.Parameters))
	for _, p := range event.Parameters {
		fmt.Fprintf(w, "%-12s sort=%-9s %s\n", p.State(), p.SortStatus, p.URL)
	}
}

func reindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Stamp stored resources of one type with the current search parameter hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceType, _ := cmd.Flags().GetString("type")
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			full, _ := cmd.Flags().GetBool("full")
			if resourceType == "" {
				return fmt.Errorf("--type is required")
			}
			if batchSize <= 0 {
				return fmt.Errorf("--batch-size must be positive")
			}

			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := setup(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.statuses.EnsureInitialized(ctx); err != nil {
				return err
			}
			n, err := a.reindexer.ReindexType(ctx, resourceType, batchSize, full)
			fmt.Fprintf(cmd.OutOrStdout(), "Reindexed %d %s resource(s).\n", n, resourceType)
			return err
		},
	}
	cmd.Flags().String("type", "", "Resource type to reindex")
	cmd.Flags().Int("batch-size", 100, "Resources per page")
	cmd.Flags().Bool("full", false, "Rewrite every resource, not only stale ones")
	return cmd
}
