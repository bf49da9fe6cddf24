package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/contentradar/internal/config"
)

// Connect opens a pgx pool sized from cfg and verifies connectivity. The
// application name shows up in pg_stat_activity so API and worker sessions
// can be told apart.
func Connect(ctx context.Context, cfg config.DatabaseConfig, appName string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	minConns := cfg.MaxIdleConns
	if minConns > int(poolCfg.MaxConns) {
		minConns = int(poolCfg.MaxConns)
	}
	poolCfg.MinConns = int32(minConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	if appName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
