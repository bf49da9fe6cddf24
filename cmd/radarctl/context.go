package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/contentradar/internal/config"
	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

// cliStore is the slice of the store the jobs and keys commands use.
type cliStore interface {
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpsertUser(ctx context.Context, email string) (uuid.UUID, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type commandContext struct {
	loadConfig func() (*config.Config, error)
	openStore  func(ctx context.Context, cfg *config.Config) (cliStore, func(), error)
	now        func() time.Time

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext() *commandContext {
	return &commandContext{
		loadConfig: config.Load,
		openStore:  openPostgresStore,
		now:        time.Now,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = c.loadConfig()
	})
	return c.config, c.configErr
}

func (c *commandContext) withStore(ctx context.Context, fn func(cliStore) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	st, closeFn, err := c.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(st)
}

func openPostgresStore(ctx context.Context, cfg *config.Config) (cliStore, func(), error) {
	pool, err := store.Connect(ctx, cfg.Database, "radarctl")
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresStore(pool, store.WithDefaultMaxAttempts(cfg.Jobs.MaxAttempts)), pool.Close, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
