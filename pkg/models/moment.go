package models

import (
	"time"

	"github.com/google/uuid"
)

// Moment is one row of the moments_24h read model: capture activity for a
// project within one hour bucket of the trailing 24 hours.
type Moment struct {
	ProjectID      uuid.UUID `db:"project_id"      json:"project_id"`
	Bucket         time.Time `db:"bucket"          json:"bucket"`
	CaptureCount   int       `db:"capture_count"   json:"capture_count"`
	PlatformCount  int       `db:"platform_count"  json:"platform_count"`
	CaptionedCount int       `db:"captioned_count" json:"captioned_count"`
	LastCaptureAt  time.Time `db:"last_capture_at" json:"last_capture_at"`
}

// MomentsSnapshot is the full scoped aggregate pushed to clients.
type MomentsSnapshot struct {
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
	Moments     []Moment   `json:"moments"`
}
