// Package app wires the content radar components from configuration. The API
// server and radarctl both build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/contentradar/internal/admission"
	"github.com/kiranshivaraju/contentradar/internal/ai/factory"
	"github.com/kiranshivaraju/contentradar/internal/cache"
	"github.com/kiranshivaraju/contentradar/internal/config"
	"github.com/kiranshivaraju/contentradar/internal/feed"
	"github.com/kiranshivaraju/contentradar/internal/pipeline"
	"github.com/kiranshivaraju/contentradar/internal/readmodel"
	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/kiranshivaraju/contentradar/internal/worker"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

// App holds the long-lived components of one process.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DB    *pgxpool.Pool
	Store *store.PostgresStore
	Cache *cache.RedisCache

	Provider  models.AnalysisProvider
	Pipeline  *pipeline.Pipeline
	Admission *admission.Router
	Handlers  *admission.Handlers
	Workers   *worker.Pool
	Moments   *readmodel.Aggregator
	Feed      *feed.Publisher
}

// New connects to Postgres and Redis, applies migrations and builds every
// component. Nothing is started; callers pick which loops to run.
func New(ctx context.Context, cfg *config.Config, appName string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	pool, err := store.Connect(ctx, cfg.Database, appName)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.DB = pool
	logger.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		a.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	a.Cache = redisCache
	if err := redisCache.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	provider, err := factory.NewProvider(cfg.AI)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create AI provider: %w", err)
	}
	a.Provider = provider
	embedder := factory.NewEmbedder(cfg.AI)
	logger.Info("AI provider initialized", "provider", provider.Name(), "embedding", embedder != nil)

	a.Store = store.NewPostgresStore(pool, store.WithDefaultMaxAttempts(cfg.Jobs.MaxAttempts))

	seg, capability := pipeline.DetectSegmenter(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, cfg.Media.SceneThreshold)
	logger.Info("segmenter detected", "capability", capability)
	a.Pipeline = pipeline.New(a.Store, provider, embedder, seg, capability, pipeline.Options{Logger: logger})

	a.Admission = admission.NewRouter(a.Store, provider, admission.Options{
		MaxSyncBytes:  cfg.Analysis.MaxSyncBytes,
		InlineTimeout: cfg.Analysis.InlineTimeout,
		Logger:        logger,
	})
	a.Handlers = admission.NewHandlers(a.Store, provider, a.Pipeline, logger)

	a.Workers = worker.NewPool(a.Store, worker.OptionsFromConfig(cfg.Jobs, logger))
	a.Handlers.Register(a.Workers)

	a.Moments = readmodel.NewAggregator(a.Store, redisCache, cfg.ReadModel.RefreshInterval, logger)
	a.Feed = feed.NewPublisher(a.Store, redisCache, feed.Options{
		PollInterval:      cfg.Feed.PollInterval,
		KeepaliveInterval: cfg.Feed.KeepaliveInterval,
		Logger:            logger,
	})

	return a, nil
}

// Close releases connections. Started loops must be stopped first.
func (a *App) Close() {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Logger.Warn("close redis", "error", err)
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
