package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

const mediaJobColumns = `job_id, owner_id, capture_id, source_path, kind, mode, provider,
	size_bytes, hint, duration_ms, created_at`

const mediaResultColumns = `id, job_id, summary, shots, labels, ocr, asr, meta, created_at`

// --- Media analysis jobs ---

// EnqueueMediaAnalysis queues a job and its media row in one transaction.
func (s *PostgresStore) EnqueueMediaAnalysis(ctx context.Context, p EnqueueParams, media *models.MediaAnalysisJob) (*models.Job, error) {
	var job *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		job, err = s.enqueue(ctx, tx, p)
		if err != nil {
			return err
		}
		media.JobID = job.ID
		return insertMediaJob(ctx, tx, media)
	})
	if err != nil {
		if isForeignKeyError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("enqueue media analysis: %w", err)
	}
	return job, nil
}

// RecordQuickAnalysis stores an inline analysis: a job already done after one
// attempt, its media row, and the result, all in one transaction.
func (s *PostgresStore) RecordQuickAnalysis(ctx context.Context, p EnqueueParams, media *models.MediaAnalysisJob, result *models.MediaAnalysisResult) (*models.Job, error) {
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	id := uuid.New()
	media.JobID = id
	result.JobID = id

	var job *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		resultJSON, err := json.Marshal(result.Output())
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}

		job, err = scanJob(tx.QueryRow(ctx,
			`INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, result, owner_id,
				started_at, finished_at)
			 VALUES ($1, $2, $3, 'done', 1, 1, $4, $5, NOW(), NOW())
			 RETURNING `+jobColumns,
			id, p.Type, payload, json.RawMessage(resultJSON), p.OwnerID))
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		if err := insertMediaJob(ctx, tx, media); err != nil {
			return err
		}
		return upsertMediaResult(ctx, tx, result)
	})
	if err != nil {
		if isForeignKeyError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("record quick analysis: %w", err)
	}
	return job, nil
}

func insertMediaJob(ctx context.Context, q querier, m *models.MediaAnalysisJob) error {
	err := q.QueryRow(ctx,
		`INSERT INTO media_analysis_jobs (job_id, owner_id, capture_id, source_path, kind, mode, provider,
			size_bytes, hint, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		m.JobID, m.OwnerID, m.CaptureID, m.SourcePath, m.Kind, m.Mode, m.Provider,
		m.SizeBytes, m.Hint, m.DurationMS,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert media analysis job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMediaAnalysisJob(ctx context.Context, jobID uuid.UUID) (*models.MediaAnalysisJob, error) {
	var m models.MediaAnalysisJob
	err := s.pool.QueryRow(ctx,
		`SELECT `+mediaJobColumns+` FROM media_analysis_jobs WHERE job_id = $1`, jobID,
	).Scan(&m.JobID, &m.OwnerID, &m.CaptureID, &m.SourcePath, &m.Kind, &m.Mode, &m.Provider,
		&m.SizeBytes, &m.Hint, &m.DurationMS, &m.CreatedAt)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media analysis job: %w", err)
	}
	return &m, nil
}

// --- Media analysis results ---

func (s *PostgresStore) UpsertMediaAnalysisResult(ctx context.Context, result *models.MediaAnalysisResult) error {
	if err := upsertMediaResult(ctx, s.pool, result); err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// upsertMediaResult keeps one result per job; a retried job overwrites the
// previous attempt's output.
func upsertMediaResult(ctx context.Context, q querier, r *models.MediaAnalysisResult) error {
	err := q.QueryRow(ctx,
		`INSERT INTO media_analysis_results (job_id, summary, shots, labels, ocr, asr, meta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (job_id) DO UPDATE SET
		   summary = EXCLUDED.summary,
		   shots = EXCLUDED.shots,
		   labels = EXCLUDED.labels,
		   ocr = EXCLUDED.ocr,
		   asr = EXCLUDED.asr,
		   meta = EXCLUDED.meta
		 RETURNING id, created_at`,
		r.JobID, r.Summary, nonNilSpans(r.Shots), nonNilStrings(r.Labels), nonNilStrings(r.OCR),
		nonNilStrings(r.ASR), nonNilMeta(r.Meta),
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert media analysis result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMediaAnalysisResult(ctx context.Context, jobID uuid.UUID) (*models.MediaAnalysisResult, error) {
	var r models.MediaAnalysisResult
	err := s.pool.QueryRow(ctx,
		`SELECT `+mediaResultColumns+` FROM media_analysis_results WHERE job_id = $1`, jobID,
	).Scan(&r.ID, &r.JobID, &r.Summary, &r.Shots, &r.Labels, &r.OCR, &r.ASR, &r.Meta, &r.CreatedAt)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media analysis result: %w", err)
	}
	return &r, nil
}

// --- Captures & pipeline output ---

func (s *PostgresStore) GetCapture(ctx context.Context, id uuid.UUID) (*models.Capture, error) {
	var c models.Capture
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, title, platform, source_path, created_at FROM captures WHERE id = $1`, id,
	).Scan(&c.ID, &c.ProjectID, &c.Title, &c.Platform, &c.SourcePath, &c.CreatedAt)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get capture: %w", err)
	}
	return &c, nil
}

// GetCaptureForOwner loads a capture only when its project belongs to
// ownerID. Captures owned by someone else report ErrNotFound.
func (s *PostgresStore) GetCaptureForOwner(ctx context.Context, id, ownerID uuid.UUID) (*models.Capture, error) {
	var c models.Capture
	err := s.pool.QueryRow(ctx,
		`SELECT c.id, c.project_id, c.title, c.platform, c.source_path, c.created_at
		 FROM captures c JOIN projects p ON p.id = c.project_id
		 WHERE c.id = $1 AND p.owner_id = $2`, id, ownerID,
	).Scan(&c.ID, &c.ProjectID, &c.Title, &c.Platform, &c.SourcePath, &c.CreatedAt)
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get capture: %w", err)
	}
	return &c, nil
}

// SaveCaptureText records the transcript and OCR lines one job extracted for
// a capture. Lines an earlier attempt of the same job wrote are replaced, so
// a retried job never duplicates them.
func (s *PostgresStore) SaveCaptureText(ctx context.Context, jobID, captureID uuid.UUID, transcripts, ocr []string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM media_transcripts WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("clear transcripts: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM media_ocr WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("clear ocr: %w", err)
		}
		if len(transcripts) > 0 {
			if _, err := tx.Exec(ctx,
				`INSERT INTO media_transcripts (capture_id, job_id, text) SELECT $1, $2, unnest($3::text[])`,
				captureID, jobID, transcripts); err != nil {
				return fmt.Errorf("insert transcripts: %w", err)
			}
		}
		if len(ocr) > 0 {
			if _, err := tx.Exec(ctx,
				`INSERT INTO media_ocr (capture_id, job_id, text) SELECT $1, $2, unnest($3::text[])`,
				captureID, jobID, ocr); err != nil {
				return fmt.Errorf("insert ocr: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("save capture text: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCaptureText(ctx context.Context, captureID uuid.UUID) ([]string, []string, error) {
	transcripts, err := s.listText(ctx, `SELECT text FROM media_transcripts WHERE capture_id = $1 ORDER BY created_at, id`, captureID)
	if err != nil {
		return nil, nil, fmt.Errorf("list transcripts: %w", err)
	}
	ocr, err := s.listText(ctx, `SELECT text FROM media_ocr WHERE capture_id = $1 ORDER BY created_at, id`, captureID)
	if err != nil {
		return nil, nil, fmt.Errorf("list ocr: %w", err)
	}
	return transcripts, ocr, nil
}

// ListCaptionSummaries returns every caption summary recorded for a capture, oldest first.
func (s *PostgresStore) ListCaptionSummaries(ctx context.Context, captureID uuid.UUID) ([]string, error) {
	summaries, err := s.listText(ctx, `SELECT summary FROM media_captions WHERE capture_id = $1 ORDER BY created_at, id`, captureID)
	if err != nil {
		return nil, fmt.Errorf("list captions: %w", err)
	}
	return summaries, nil
}

func (s *PostgresStore) listText(ctx context.Context, query string, captureID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, captureID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// InsertShotsWithKeyframes persists a capture's shots together with their
// keyframes in one transaction; a stored shot always has its keyframes.
// Shot ids are assigned by the caller so keyframes can reference them.
func (s *PostgresStore) InsertShotsWithKeyframes(ctx context.Context, shots []models.Shot, frames []models.Keyframe) ([]models.Shot, []models.Keyframe, error) {
	savedShots := make([]models.Shot, 0, len(shots))
	savedFrames := make([]models.Keyframe, 0, len(frames))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, sh := range shots {
			if err := tx.QueryRow(ctx,
				`INSERT INTO media_shots (id, capture_id, start_ms, end_ms, score)
				 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
				sh.ID, sh.CaptureID, sh.StartMS, sh.EndMS, sh.Score,
			).Scan(&sh.CreatedAt); err != nil {
				return fmt.Errorf("insert shot: %w", err)
			}
			savedShots = append(savedShots, sh)
		}
		for _, f := range frames {
			if err := tx.QueryRow(ctx,
				`INSERT INTO media_keyframes (capture_id, shot_id, ts_ms, storage_path, blur_score)
				 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
				f.CaptureID, f.ShotID, f.TsMS, f.StoragePath, f.BlurScore,
			).Scan(&f.ID); err != nil {
				return fmt.Errorf("insert keyframe: %w", err)
			}
			savedFrames = append(savedFrames, f)
		}
		return nil
	})
	if err != nil {
		if isForeignKeyError(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("insert shots: %w", err)
	}
	return savedShots, savedFrames, nil
}

// InsertCaption appends a caption row; earlier captions for the shot are kept.
func (s *PostgresStore) InsertCaption(ctx context.Context, c *models.Caption) error {
	evidence := c.Evidence
	if len(evidence) == 0 {
		evidence = json.RawMessage(`{}`)
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO media_captions (capture_id, shot_id, summary, evidence, model)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		c.CaptureID, c.ShotID, c.Summary, evidence, c.Model,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert caption: %w", err)
	}
	return nil
}

// UpsertTextEmbedding replaces the capture's current embedding.
func (s *PostgresStore) UpsertTextEmbedding(ctx context.Context, e *models.TextEmbedding) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO media_text_embeddings (capture_id, model, dim, embedding, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (capture_id) DO UPDATE SET
		   model = EXCLUDED.model,
		   dim = EXCLUDED.dim,
		   embedding = EXCLUDED.embedding,
		   updated_at = NOW()
		 RETURNING updated_at`,
		e.CaptureID, e.Model, len(e.Vector), e.Vector,
	).Scan(&e.UpdatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("upsert text embedding: %w", err)
	}
	e.Dim = len(e.Vector)
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilSpans(v []models.ShotSpan) []models.ShotSpan {
	if v == nil {
		return []models.ShotSpan{}
	}
	return v
}

func nonNilMeta(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
