package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a guarded status update matched no
// row because the job is not in the required state.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	JobStore
	MediaStore
	MomentStore
	KeyStore
}

// JobStore is the durable queue. Every mutation is a single statement guarded
// by the job's current status, which is the only mutual exclusion between
// concurrent workers.
type JobStore interface {
	Enqueue(ctx context.Context, p EnqueueParams) (*models.Job, error)
	// ClaimNext moves the oldest eligible queued job to running. It returns
	// nil, nil when nothing was claimed.
	ClaimNext(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, msg string) error
	// Retry requeues a running job after delay, or fails it when attempts are
	// exhausted. The returned job carries the resulting status.
	Retry(ctx context.Context, id uuid.UUID, msg string, delay time.Duration) (*models.Job, error)
	Heartbeat(ctx context.Context, id uuid.UUID) error
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetForOwner(ctx context.Context, id, ownerID uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter JobFilter) ([]*models.Job, error)
}

// MediaStore holds per-job analysis records and per-capture pipeline output.
type MediaStore interface {
	EnqueueMediaAnalysis(ctx context.Context, p EnqueueParams, media *models.MediaAnalysisJob) (*models.Job, error)
	RecordQuickAnalysis(ctx context.Context, p EnqueueParams, media *models.MediaAnalysisJob, result *models.MediaAnalysisResult) (*models.Job, error)
	GetMediaAnalysisJob(ctx context.Context, jobID uuid.UUID) (*models.MediaAnalysisJob, error)
	UpsertMediaAnalysisResult(ctx context.Context, result *models.MediaAnalysisResult) error
	GetMediaAnalysisResult(ctx context.Context, jobID uuid.UUID) (*models.MediaAnalysisResult, error)

	GetCapture(ctx context.Context, id uuid.UUID) (*models.Capture, error)
	GetCaptureForOwner(ctx context.Context, id, ownerID uuid.UUID) (*models.Capture, error)
	SaveCaptureText(ctx context.Context, jobID, captureID uuid.UUID, transcripts, ocr []string) error
	ListCaptureText(ctx context.Context, captureID uuid.UUID) (transcripts, ocr []string, err error)
	InsertShotsWithKeyframes(ctx context.Context, shots []models.Shot, frames []models.Keyframe) ([]models.Shot, []models.Keyframe, error)
	InsertCaption(ctx context.Context, caption *models.Caption) error
	ListCaptionSummaries(ctx context.Context, captureID uuid.UUID) ([]string, error)
	UpsertTextEmbedding(ctx context.Context, emb *models.TextEmbedding) error
}

// MomentStore reads and refreshes the moments_24h read model.
type MomentStore interface {
	RefreshMoments(ctx context.Context) (time.Time, error)
	ListMoments(ctx context.Context, projectIDs []uuid.UUID) (*models.MomentsSnapshot, error)
	ListProjectIDs(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error)
}

type KeyStore interface {
	UpsertUser(ctx context.Context, email string) (uuid.UUID, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// EnqueueParams describes a new job. A zero MaxAttempts uses the store default.
type EnqueueParams struct {
	Type        string
	Payload     json.RawMessage
	OwnerID     *uuid.UUID
	MaxAttempts int
}

// JobFilter narrows List. Empty fields match everything.
type JobFilter struct {
	Status  string
	Type    string
	OwnerID *uuid.UUID
	Limit   int
	Offset  int
}

// Option configures a PostgresStore.
type Option func(*PostgresStore)

// WithDefaultMaxAttempts sets max_attempts for jobs enqueued without one.
func WithDefaultMaxAttempts(n int) Option {
	return func(s *PostgresStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}
