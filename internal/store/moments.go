package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

const momentsView = "moments_24h"

// --- Read model ---

// RefreshMoments rebuilds moments_24h without blocking readers of the current
// contents and records the refresh time. On error the previous contents stay
// in place.
func (s *PostgresStore) RefreshMoments(ctx context.Context) (time.Time, error) {
	var refreshedAt time.Time
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY `+momentsView); err != nil {
			return fmt.Errorf("refresh view: %w", err)
		}
		return tx.QueryRow(ctx,
			`INSERT INTO read_model_refreshes (view_name, refreshed_at) VALUES ($1, NOW())
			 ON CONFLICT (view_name) DO UPDATE SET refreshed_at = EXCLUDED.refreshed_at
			 RETURNING refreshed_at`, momentsView,
		).Scan(&refreshedAt)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("refresh moments: %w", err)
	}
	return refreshedAt, nil
}

// ListMoments returns the rows for the given projects together with the time
// of the refresh that produced them. Both reads share one snapshot.
func (s *PostgresStore) ListMoments(ctx context.Context, projectIDs []uuid.UUID) (*models.MomentsSnapshot, error) {
	snap := &models.MomentsSnapshot{Moments: []models.Moment{}}
	if len(projectIDs) == 0 {
		return snap, nil
	}

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT refreshed_at FROM read_model_refreshes WHERE view_name = $1`, momentsView,
		).Scan(&snap.RefreshedAt)
		if err != nil && !notFound(err) {
			return fmt.Errorf("read refresh time: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT project_id, bucket, capture_count, platform_count, captioned_count, last_capture_at
			 FROM moments_24h WHERE project_id = ANY($1)
			 ORDER BY bucket DESC, project_id`, projectIDs)
		if err != nil {
			return fmt.Errorf("query moments: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var m models.Moment
			if err := rows.Scan(&m.ProjectID, &m.Bucket, &m.CaptureCount, &m.PlatformCount,
				&m.CaptionedCount, &m.LastCaptureAt); err != nil {
				return fmt.Errorf("scan moment: %w", err)
			}
			snap.Moments = append(snap.Moments, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list moments: %w", err)
	}
	return snap, nil
}

// ListProjectIDs returns the partitions a user may read.
func (s *PostgresStore) ListProjectIDs(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM projects WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan project id: %w", err)
	}
	return ids, nil
}
