package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/contentradar/internal/app"
	"github.com/kiranshivaraju/contentradar/internal/store"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var concurrency int
	var withRefresh bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run job workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cfgCopy := *cfg
			if concurrency > 0 {
				cfgCopy.Jobs.Concurrency = concurrency
			}
			if cfgCopy.Jobs.Concurrency <= 0 {
				cfgCopy.Jobs.Concurrency = 1
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			a, err := app.New(runCtx, &cfgCopy, "contentradar-worker", logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Workers.Start(runCtx); err != nil {
				return err
			}
			defer a.Workers.Stop()
			if withRefresh {
				if err := a.Moments.Start(runCtx); err != nil {
					return err
				}
				defer a.Moments.Stop()
			}

			logger.Info("worker running", "concurrency", cfgCopy.Jobs.Concurrency, "refresh", withRefresh)
			<-runCtx.Done()
			logger.Info("worker stopping")
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Claim loops to run (default from WORKER_CONCURRENCY)")
	cmd.Flags().BoolVar(&withRefresh, "refresh", false, "Also refresh the moments read model on its interval")

	return cmd
}

func newRefreshCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the moments read model once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, "radarctl", newLogger())
			if err != nil {
				return err
			}
			defer a.Close()

			at, err := a.Moments.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moments refreshed at %s\n", at.Format(time.RFC3339))
			return nil
		},
	}
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := store.RunMigrations(cfg.Database.URL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
