package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/trialsites/trialsites/internal/config"
	"github.com/trialsites/trialsites/internal/domain/site"
	"github.com/trialsites/trialsites/internal/platform/db"
	"github.com/trialsites/trialsites/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trialsites-server",
		Short: "Clinical trial site search and claim API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sitesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg.Env))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run Postgres schema migrations (the sqlite store migrates on open)",
	}

	withMigrator := func(fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StoreDriver != config.DriverPostgres {
			return fmt.Errorf("migrate requires STORE_DRIVER=%s, got %s", config.DriverPostgres, cfg.StoreDriver)
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.FS))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd, statuses)
				return nil
			})
		},
	})

	return cmd
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func sitesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Maintain the site catalogue",
	}

	repairCmd := &cobra.Command{
		Use:   "repair-coordinates",
		Short: "Geocode sites that are missing coordinates from their postal code",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			rps, _ := cmd.Flags().GetFloat64("rps")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			geocoder, err := buildGeocoder(cfg, nil, logger)
			if err != nil {
				return err
			}

			opts := site.RepairOptions{Limit: limit, DryRun: dryRun}
			if rps > 0 {
				opts.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
			}
			report, err := site.RepairCoordinates(ctx, st.sites, geocoder, opts, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inspected=%d repaired=%d no_postal_code=%d unresolved=%d dry_run=%t\n",
				report.Inspected, report.Repaired, report.NoPostal, report.Unresolved, dryRun)
			return nil
		},
	}
	repairCmd.Flags().Int("limit", 500, "Maximum number of sites to inspect")
	repairCmd.Flags().Bool("dry-run", false, "Resolve coordinates without writing them")
	repairCmd.Flags().Float64("rps", 5, "Geocoder lookups per second (0 for unpaced)")
	cmd.AddCommand(repairCmd)

	return cmd
}
