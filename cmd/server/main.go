// Package main is the entrypoint for the content radar API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/contentradar/internal/api"
	"github.com/kiranshivaraju/contentradar/internal/api/handler"
	mw "github.com/kiranshivaraju/contentradar/internal/api/middleware"
	"github.com/kiranshivaraju/contentradar/internal/app"
	"github.com/kiranshivaraju/contentradar/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect, migrate and build components
	a, err := app.New(ctx, cfg, "contentradar-api", slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	// 3. Background loops. A zero concurrency leaves jobs to radarctl worker.
	if cfg.Jobs.Concurrency > 0 {
		if err := a.Workers.Start(ctx); err != nil {
			return fmt.Errorf("start workers: %w", err)
		}
		defer a.Workers.Stop()
		slog.Info("workers started", "concurrency", cfg.Jobs.Concurrency)
	}
	if err := a.Moments.Start(ctx); err != nil {
		return fmt.Errorf("start moments aggregator: %w", err)
	}
	defer a.Moments.Stop()

	// 4. Build router with dependencies
	router := api.NewRouter(newDependencies(a))

	// 5. Start HTTP server. Request contexts derive from ctx so open feeds
	// end on shutdown instead of holding it open.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newDependencies binds every route to its component.
func newDependencies(a *app.App) api.Dependencies {
	return api.Dependencies{
		Auth:      mw.NewAuth(a.Store),
		RateLimit: mw.NewRateLimit(a.Cache, a.Config.Server.RateLimitPerMinute),

		HealthHandler: handler.NewHealthHandler(a.Store, a.Cache),

		EnqueueJobHandler: handler.NewEnqueueJobHandler(a.Store),
		ListJobsHandler:   handler.NewListJobsHandler(a.Store),
		GetJobHandler:     handler.NewGetJobHandler(a.Store),

		AnalyzeHandler:         handler.NewAnalyzeHandler(a.Admission, handler.ModeAuto),
		QuickAnalyzeHandler:    handler.NewAnalyzeHandler(a.Admission, handler.ModeQuick),
		DeepAnalyzeHandler:     handler.NewAnalyzeHandler(a.Admission, handler.ModeDeep),
		EnqueuePipelineHandler: handler.NewEnqueuePipelineHandler(a.Admission),
		MediaJobHandler:        handler.NewMediaJobHandler(a.Store, a.Store),

		MomentsHandler: handler.NewMomentsHandler(a.Feed),
		FeedHandler:    handler.NewFeedHandler(a.Feed),
		RefreshHandler: handler.NewRefreshHandler(a.Moments),
	}
}
