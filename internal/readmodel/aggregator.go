// Package readmodel keeps the moments_24h aggregate fresh.
package readmodel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/contentradar/internal/cache"
)

// Refresher rebuilds the aggregate without blocking readers.
type Refresher interface {
	RefreshMoments(ctx context.Context) (time.Time, error)
}

// Versioner bumps the counter that keys cached snapshots.
type Versioner interface {
	Bump(ctx context.Context, key string) (int64, error)
}

// Aggregator refreshes the aggregate on a timer and on demand. A failed
// refresh leaves the previous snapshot in place.
type Aggregator struct {
	store    Refresher
	versions Versioner
	interval time.Duration
	logger   *slog.Logger

	refreshMu sync.Mutex

	mu          sync.Mutex
	lastRefresh time.Time
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewAggregator builds an aggregator. versions may be nil when no cache is
// in use.
func NewAggregator(st Refresher, versions Versioner, interval time.Duration, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Aggregator{
		store:    st,
		versions: versions,
		interval: interval,
		logger:   logger.With("component", "readmodel", "view", "moments_24h"),
	}
}

// Refresh rebuilds the aggregate now. Concurrent callers in this process are
// serialized.
func (a *Aggregator) Refresh(ctx context.Context) (time.Time, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	started := time.Now()
	at, err := a.store.RefreshMoments(ctx)
	if err != nil {
		a.logger.Error("refresh failed, previous snapshot kept", "error", err)
		return time.Time{}, err
	}

	a.mu.Lock()
	a.lastRefresh = at
	a.mu.Unlock()

	if a.versions != nil {
		if _, err := a.versions.Bump(ctx, cache.MomentsVersionKey()); err != nil {
			a.logger.Warn("snapshot version bump failed", "error", err)
		}
	}

	a.logger.Info("read model refreshed", "duration_ms", time.Since(started).Milliseconds())
	return at, nil
}

// LastRefresh returns the time of the last successful refresh made by this
// aggregator, or zero.
func (a *Aggregator) LastRefresh() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRefresh
}

// Start refreshes once immediately and then every interval until Stop or
// ctx is done.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("aggregator already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true

	a.wg.Add(1)
	go a.loop(runCtx)
	a.logger.Info("aggregator started", "interval", a.interval.String())
	return nil
}

func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	cancel := a.cancel
	a.running = false
	a.cancel = nil
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
}

func (a *Aggregator) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		_, _ = a.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
