package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

const jobColumns = `id, type, payload, status, attempts, max_attempts, result, error, owner_id,
	available_at, created_at, started_at, finished_at, heartbeat_at`

// One named statement per queue operation. Each mutation carries its status
// guard in the WHERE clause, so a lost race affects zero rows.
const (
	sqlEnqueueJob = `INSERT INTO jobs (type, payload, owner_id, max_attempts)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + jobColumns

	sqlClaimNextJob = `WITH next AS (
			SELECT id FROM jobs
			WHERE status = 'queued' AND available_at <= NOW()
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET
			status = 'running',
			attempts = j.attempts + 1,
			started_at = NOW(),
			heartbeat_at = NOW()
		FROM next
		WHERE j.id = next.id AND j.status = 'queued'
		RETURNING ` + qualifiedJobColumns

	sqlCompleteJob = `UPDATE jobs SET status = 'done', result = $2, error = NULL,
			finished_at = NOW(), heartbeat_at = NULL
		WHERE id = $1 AND status = 'running'`

	sqlFailJob = `UPDATE jobs SET status = 'failed', error = $2,
			finished_at = NOW(), heartbeat_at = NULL
		WHERE id = $1 AND status = 'running'`

	sqlRetryJob = `UPDATE jobs SET
			status = CASE WHEN attempts < max_attempts THEN 'queued' ELSE 'failed' END,
			error = $2,
			available_at = CASE WHEN attempts < max_attempts
				THEN NOW() + make_interval(secs => $3::double precision) ELSE available_at END,
			finished_at = CASE WHEN attempts < max_attempts THEN NULL ELSE NOW() END,
			heartbeat_at = NULL
		WHERE id = $1 AND status = 'running'
		RETURNING ` + jobColumns

	sqlHeartbeatJob = `UPDATE jobs SET heartbeat_at = NOW() WHERE id = $1 AND status = 'running'`

	sqlReclaimStaleJobs = `UPDATE jobs SET
			status = CASE WHEN attempts < max_attempts THEN 'queued' ELSE 'failed' END,
			error = 'worker stopped sending heartbeats',
			available_at = NOW(),
			finished_at = CASE WHEN attempts < max_attempts THEN NULL ELSE NOW() END,
			heartbeat_at = NULL
		WHERE status = 'running' AND COALESCE(heartbeat_at, started_at) < $1`

	sqlListJobs = `SELECT ` + jobColumns + ` FROM jobs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR type = $2)
		  AND ($3::uuid IS NULL OR owner_id = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`
)

const qualifiedJobColumns = `j.id, j.type, j.payload, j.status, j.attempts, j.max_attempts, j.result,
	j.error, j.owner_id, j.available_at, j.created_at, j.started_at, j.finished_at, j.heartbeat_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.Result, &j.Error, &j.OwnerID, &j.AvailableAt, &j.CreatedAt,
		&j.StartedAt, &j.FinishedAt, &j.HeartbeatAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Jobs ---

func (s *PostgresStore) Enqueue(ctx context.Context, p EnqueueParams) (*models.Job, error) {
	return s.enqueue(ctx, s.pool, p)
}

func (s *PostgresStore) enqueue(ctx context.Context, q querier, p EnqueueParams) (*models.Job, error) {
	if p.Type == "" {
		return nil, fmt.Errorf("enqueue job: type is required")
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	job, err := scanJob(q.QueryRow(ctx, sqlEnqueueJob, p.Type, payload, p.OwnerID, maxAttempts))
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, sqlClaimNextJob))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	if len(result) == 0 {
		result = nil
	}
	tag, err := s.pool.Exec(ctx, sqlCompleteJob, id, result)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missedTransition(ctx, id)
	}
	return nil
}

func (s *PostgresStore) Fail(ctx context.Context, id uuid.UUID, msg string) error {
	tag, err := s.pool.Exec(ctx, sqlFailJob, id, msg)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missedTransition(ctx, id)
	}
	return nil
}

func (s *PostgresStore) Retry(ctx context.Context, id uuid.UUID, msg string, delay time.Duration) (*models.Job, error) {
	if delay < 0 {
		delay = 0
	}
	job, err := scanJob(s.pool.QueryRow(ctx, sqlRetryJob, id, msg, delay.Seconds()))
	if notFound(err) {
		return nil, s.missedTransition(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, sqlHeartbeatJob, id)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missedTransition(ctx, id)
	}
	return nil
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, sqlReclaimStaleJobs, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetForOwner(ctx context.Context, id, ownerID uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) List(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	offset := max(filter.Offset, 0)

	rows, err := s.pool.Query(ctx, sqlListJobs, filter.Status, filter.Type, filter.OwnerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// missedTransition explains a guarded update that touched no row.
func (s *PostgresStore) missedTransition(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if notFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: job is %s", ErrInvalidTransition, status)
}
