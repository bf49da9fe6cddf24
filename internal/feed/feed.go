// Package feed streams the caller's moments snapshot as server-sent events.
// Every push carries the full scoped snapshot, never a diff.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/contentradar/internal/cache"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

// EventMoments names the snapshot event after the aggregate it carries.
const EventMoments = "moments"

var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

type Store interface {
	ListProjectIDs(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error)
	ListMoments(ctx context.Context, projectIDs []uuid.UUID) (*models.MomentsSnapshot, error)
}

// SnapshotCache is the subset of cache.Cache used for snapshots.
type SnapshotCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Version(ctx context.Context, key string) (int64, error)
}

type Options struct {
	PollInterval      time.Duration
	KeepaliveInterval time.Duration
	Logger            *slog.Logger
}

type Publisher struct {
	store     Store
	cache     SnapshotCache
	poll      time.Duration
	keepalive time.Duration
	logger    *slog.Logger
}

// NewPublisher builds a publisher. c may be nil to always read the store.
func NewPublisher(st Store, c SnapshotCache, opts Options) *Publisher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 25 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:     st,
		cache:     c,
		poll:      opts.PollInterval,
		keepalive: opts.KeepaliveInterval,
		logger:    logger.With("component", "feed"),
	}
}

// Partitions resolves the project ids the owner may see.
func (p *Publisher) Partitions(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	return p.store.ListProjectIDs(ctx, ownerID)
}

// Snapshot returns the moments for the given partitions, served from the
// cache when a snapshot for the current aggregate version exists.
func (p *Publisher) Snapshot(ctx context.Context, ids []uuid.UUID) (*models.MomentsSnapshot, error) {
	if len(ids) == 0 {
		return &models.MomentsSnapshot{Moments: []models.Moment{}}, nil
	}
	if p.cache == nil {
		return p.load(ctx, ids)
	}

	version, err := p.cache.Version(ctx, cache.MomentsVersionKey())
	if err != nil {
		p.logger.Warn("snapshot cache unavailable", "error", err)
		return p.load(ctx, ids)
	}
	key := cache.MomentsSnapshotKey(version, cache.PartitionHash(ids))

	if raw, ok, err := p.cache.Get(ctx, key); err == nil && ok {
		var snap models.MomentsSnapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			return &snap, nil
		}
		// Unreadable entries are dropped even when the reload below fails.
		if err := p.cache.Delete(ctx, key); err != nil {
			p.logger.Debug("snapshot cache delete failed", "key", key, "error", err)
		}
	}

	snap, err := p.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(snap); err == nil {
		if err := p.cache.Set(ctx, key, raw, p.poll/2); err != nil {
			p.logger.Debug("snapshot cache write failed", "error", err)
		}
	}
	return snap, nil
}

func (p *Publisher) load(ctx context.Context, ids []uuid.UUID) (*models.MomentsSnapshot, error) {
	snap, err := p.store.ListMoments(ctx, ids)
	if err != nil {
		return nil, err
	}
	if snap.Moments == nil {
		snap.Moments = []models.Moment{}
	}
	return snap, nil
}

type hello struct {
	Partitions     int   `json:"partitions"`
	PollIntervalMS int64 `json:"poll_interval_ms"`
}

type errorEvent struct {
	Message string `json:"message"`
}

// Stream writes the event stream for ids until ctx ends or a write fails.
// Callers must have rejected empty partition sets already.
func (p *Publisher) Stream(ctx context.Context, w http.ResponseWriter, ids []uuid.UUID) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &sse{w: w, f: flusher}
	if err := s.event("hello", hello{Partitions: len(ids), PollIntervalMS: p.poll.Milliseconds()}); err != nil {
		return err
	}
	if err := p.push(ctx, s, ids); err != nil {
		return err
	}

	poll := time.NewTicker(p.poll)
	defer poll.Stop()
	keepalive := time.NewTicker(p.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			if err := p.push(ctx, s, ids); err != nil {
				return err
			}
		case <-keepalive.C:
			if err := s.comment("ping"); err != nil {
				return err
			}
		}
	}
}

// push sends one snapshot. Query failures become an error event; only write
// failures end the stream.
func (p *Publisher) push(ctx context.Context, s *sse, ids []uuid.UUID) error {
	snap, err := p.Snapshot(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Warn("feed snapshot query failed", "error", err)
		return s.event("error", errorEvent{Message: "failed to load moments"})
	}
	return s.event(EventMoments, snap.Moments)
}

type sse struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *sse) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sse) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
