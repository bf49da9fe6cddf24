package models

import (
	"time"

	"github.com/google/uuid"
)

// Capture is a piece of collected content inside a project. Captures are
// managed by the product's CRUD layer; the analysis subsystem only reads them.
type Capture struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	ProjectID  uuid.UUID `db:"project_id"  json:"project_id"`
	Title      string    `db:"title"       json:"title"`
	Platform   string    `db:"platform"    json:"platform"`
	SourcePath string    `db:"source_path" json:"source_path"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
}
