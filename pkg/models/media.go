package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	MediaKindImage = "image"
	MediaKindVideo = "video"

	AnalysisModeQuick = "quick"
	AnalysisModeDeep  = "deep"
)

// MediaAnalysisJob scopes a job to a single source asset.
type MediaAnalysisJob struct {
	JobID      uuid.UUID  `db:"job_id"      json:"job_id"`
	OwnerID    *uuid.UUID `db:"owner_id"    json:"owner_id,omitempty"`
	CaptureID  *uuid.UUID `db:"capture_id"  json:"capture_id,omitempty"`
	SourcePath string     `db:"source_path" json:"source_path"`
	Kind       string     `db:"kind"        json:"kind"`
	Mode       string     `db:"mode"        json:"mode"`
	Provider   string     `db:"provider"    json:"provider"`
	SizeBytes  int64      `db:"size_bytes"  json:"size_bytes"`
	Hint       string     `db:"hint"        json:"hint,omitempty"`
	DurationMS int64      `db:"duration_ms" json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
}

// MediaAnalysisResult is the provider output attached to a MediaAnalysisJob.
type MediaAnalysisResult struct {
	ID        uuid.UUID      `db:"id"         json:"id"`
	JobID     uuid.UUID      `db:"job_id"     json:"job_id"`
	Summary   string         `db:"summary"    json:"summary"`
	Shots     []ShotSpan     `db:"shots"      json:"shots"`
	Labels    []string       `db:"labels"     json:"labels"`
	OCR       []string       `db:"ocr"        json:"ocr"`
	ASR       []string       `db:"asr"        json:"asr"`
	Meta      map[string]any `db:"meta"       json:"meta"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// ShotSpan is a time range inside a media asset, in milliseconds.
type ShotSpan struct {
	StartMS int64   `json:"start_ms"`
	EndMS   int64   `json:"end_ms"`
	Score   float64 `json:"score"`
}

// Shot is a persisted contiguous segment of a capture's media.
type Shot struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	CaptureID uuid.UUID `db:"capture_id" json:"capture_id"`
	StartMS   int64     `db:"start_ms"   json:"start_ms"`
	EndMS     int64     `db:"end_ms"     json:"end_ms"`
	Score     float64   `db:"score"      json:"score"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Keyframe is a sampled still owned by exactly one shot.
type Keyframe struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	CaptureID   uuid.UUID `db:"capture_id"   json:"capture_id"`
	ShotID      uuid.UUID `db:"shot_id"      json:"shot_id"`
	TsMS        int64     `db:"ts_ms"        json:"ts_ms"`
	StoragePath string    `db:"storage_path" json:"storage_path"`
	BlurScore   float64   `db:"blur_score"   json:"blur_score"`
}

// Caption is a grounded description of one shot. Successive runs append rows.
type Caption struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	CaptureID uuid.UUID       `db:"capture_id" json:"capture_id"`
	ShotID    uuid.UUID       `db:"shot_id"    json:"shot_id"`
	Summary   string          `db:"summary"    json:"summary"`
	Evidence  json.RawMessage `db:"evidence"   json:"evidence"`
	Model     string          `db:"model"      json:"model"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// TextEmbedding is the single current embedding row for a capture.
type TextEmbedding struct {
	CaptureID uuid.UUID `db:"capture_id" json:"capture_id"`
	Model     string    `db:"model"      json:"model"`
	Dim       int       `db:"dim"        json:"dim"`
	Vector    []float64 `db:"embedding"  json:"vector"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Output returns the provider-shaped view of the result, as stored on the job.
func (r *MediaAnalysisResult) Output() AnalysisOutput {
	return AnalysisOutput{
		Summary: r.Summary,
		Shots:   r.Shots,
		Labels:  r.Labels,
		OCR:     r.OCR,
		ASR:     r.ASR,
		Meta:    r.Meta,
	}
}
