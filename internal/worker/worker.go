// Package worker runs queued jobs. Any number of pools, in one process or
// many, may poll the same queue; the queue's guarded claim is the only
// coordination between them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/contentradar/internal/config"
	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

// ErrUnknownJobType fails jobs whose type has no registered handler.
var ErrUnknownJobType = errors.New("unknown job type")

const (
	maxErrorBytes = 2000
	maxRetryDelay = time.Hour
	finishTimeout = 10 * time.Second
)

// HandlerFunc executes one job. The returned JSON is stored as the job result.
type HandlerFunc func(ctx context.Context, job *models.Job) (json.RawMessage, error)

// Queue is the subset of store.JobStore the pool drives.
type Queue interface {
	ClaimNext(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, msg string) error
	Retry(ctx context.Context, id uuid.UUID, msg string, delay time.Duration) (*models.Job, error)
	Heartbeat(ctx context.Context, id uuid.UUID) error
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
}

var _ Queue = (store.JobStore)(nil)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job is failed immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Options struct {
	Concurrency       int
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	RetryBackoff      time.Duration
	HeartbeatInterval time.Duration
	StaleTimeout      time.Duration
	Logger            *slog.Logger
}

// OptionsFromConfig maps job configuration onto pool options.
func OptionsFromConfig(cfg config.JobsConfig, logger *slog.Logger) Options {
	return Options{
		Concurrency:       cfg.Concurrency,
		PollInterval:      cfg.PollInterval,
		RetryBackoff:      cfg.RetryBackoff,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleTimeout:      cfg.StaleTimeout,
		Logger:            logger,
	}
}

// Pool is a set of claim loops dispatching jobs to handlers by type.
type Pool struct {
	queue  Queue
	opts   Options
	logger *slog.Logger
	jitter func() float64

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewPool(q Queue, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = opts.PollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:    q,
		opts:     opts,
		logger:   logger.With("component", "worker"),
		jitter:   rand.Float64,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a job type. Registering a type twice replaces
// the earlier handler.
func (p *Pool) Register(jobType string, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

func (p *Pool) handler(jobType string) HandlerFunc {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[jobType]
}

// Start launches the claim loops and the stale-job reclaimer.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(runCtx, i)
	}
	if p.opts.StaleTimeout > 0 {
		p.wg.Add(1)
		go p.reclaimLoop(runCtx)
	}

	p.logger.Info("worker pool started", "concurrency", p.opts.Concurrency)
	return nil
}

// Stop cancels in-flight handlers and waits for every loop to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, n int) {
	defer p.wg.Done()
	logger := p.logger.With("loop", n)

	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to claim job", "error", err)
			sleep(ctx, p.opts.ErrorBackoff)
			continue
		}
		if !processed {
			sleep(ctx, p.opts.PollInterval)
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job was
// claimed; the returned error is only ever a claim failure.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.process(ctx, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, job *models.Job) {
	logger := p.logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)

	// Outcomes are recorded even when the pool is stopping.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	h := p.handler(job.Type)
	if h == nil {
		msg := fmt.Sprintf("%v: %q", ErrUnknownJobType, job.Type)
		logger.Error("no handler registered")
		p.record(logger, "fail", p.queue.Fail(finishCtx, job.ID, msg))
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	if p.opts.HeartbeatInterval > 0 {
		hbWG.Add(1)
		go p.heartbeat(hbCtx, &hbWG, logger, job.ID)
	}

	started := time.Now()
	result, err := p.invoke(ctx, logger, h, job)
	stopHeartbeat()
	hbWG.Wait()

	elapsed := time.Since(started).Milliseconds()
	switch {
	case err == nil:
		logger.Info("job completed", "duration_ms", elapsed)
		p.record(logger, "complete", p.queue.Complete(finishCtx, job.ID, result))
	case IsPermanent(err):
		logger.Warn("job failed permanently", "error", err, "duration_ms", elapsed)
		p.record(logger, "fail", p.queue.Fail(finishCtx, job.ID, errorMessage(err)))
	default:
		delay := p.backoff(job.Attempts)
		after, rerr := p.queue.Retry(finishCtx, job.ID, errorMessage(err), delay)
		if rerr != nil {
			p.record(logger, "retry", rerr)
			return
		}
		if after.Status == models.JobStatusFailed {
			logger.Warn("job failed, attempts exhausted", "error", err, "max_attempts", after.MaxAttempts)
		} else {
			logger.Info("job requeued", "error", err, "retry_in", delay.String())
		}
	}
}

// invoke runs h, converting a panic into an ordinary error. The stack goes to
// the log only.
func (p *Pool) invoke(ctx context.Context, logger *slog.Logger, h HandlerFunc, job *models.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in job handler", "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (p *Pool) record(logger *slog.Logger, op string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		// Reclaimed or finished elsewhere while this worker ran it.
		logger.Warn("job outcome discarded", "op", op, "error", err)
		return
	}
	logger.Error("failed to record job outcome", "op", op, "error", err)
}

func (p *Pool) heartbeat(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, id uuid.UUID) {
	defer wg.Done()
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, id); err != nil && ctx.Err() == nil {
				logger.Warn("heartbeat update failed", "error", err)
			}
		}
	}
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := p.opts.StaleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.ReclaimStale(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReclaimStale requeues running jobs whose heartbeat is older than the stale timeout.
func (p *Pool) ReclaimStale(ctx context.Context) {
	if p.opts.StaleTimeout <= 0 {
		return
	}
	n, err := p.queue.ReclaimStale(ctx, time.Now().Add(-p.opts.StaleTimeout))
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("reclaim stale jobs failed", "error", err)
		}
		return
	}
	if n > 0 {
		p.logger.Info("reclaimed stale jobs", "count", n)
	}
}

// backoff is base * 2^(attempt-1) with +/-20% jitter, capped at an hour.
func (p *Pool) backoff(attempt int) time.Duration {
	base := p.opts.RetryBackoff
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	d *= 0.8 + 0.4*p.jitter()
	if d > float64(maxRetryDelay) {
		return maxRetryDelay
	}
	return time.Duration(d)
}

func errorMessage(err error) string {
	msg := err.Error()
	if len(msg) <= maxErrorBytes {
		return msg
	}
	cut := maxErrorBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
