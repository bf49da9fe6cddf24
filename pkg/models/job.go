package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// Job types handled by the worker pool.
const (
	JobTypeMediaAnalyze  = "media.analyze"
	JobTypeMediaPipeline = "media.pipeline"
)

// Job is a unit of asynchronous work. Rows are never deleted; the table doubles
// as an audit log. Status only moves queued -> running -> done|failed, or
// running -> queued on retry.
type Job struct {
	ID          uuid.UUID       `db:"id"           json:"id"`
	Type        string          `db:"type"         json:"type"`
	Payload     json.RawMessage `db:"payload"      json:"payload"`
	Status      string          `db:"status"       json:"status"`
	Attempts    int             `db:"attempts"     json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	Result      json.RawMessage `db:"result"       json:"result,omitempty"`
	Error       *string         `db:"error"        json:"error,omitempty"`
	OwnerID     *uuid.UUID      `db:"owner_id"     json:"owner_id,omitempty"`
	AvailableAt time.Time       `db:"available_at" json:"available_at"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
	StartedAt   *time.Time      `db:"started_at"   json:"started_at,omitempty"`
	FinishedAt  *time.Time      `db:"finished_at"  json:"finished_at,omitempty"`
	HeartbeatAt *time.Time      `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
}

// Terminal reports whether the job reached done or failed.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed
}

// ErrorMessage returns the recorded error or an empty string.
func (j *Job) ErrorMessage() string {
	if j.Error == nil {
		return ""
	}
	return *j.Error
}
