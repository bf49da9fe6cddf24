package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/contentradar/internal/api/response"
	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

const (
	maxJobBodyBytes = 1 << 20
	maxJobAttempts  = 10

	defaultJobPageSize = 20
	maxJobPageSize     = 100
)

// JobEnqueuer creates queued jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (*models.Job, error)
}

// JobGetter reads a job scoped to its owner.
type JobGetter interface {
	GetForOwner(ctx context.Context, id, ownerID uuid.UUID) (*models.Job, error)
}

// JobLister pages through jobs matching a filter, newest first.
type JobLister interface {
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
}

// jobView is the public shape of a job. Status always comes from the store.
type jobView struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

func newJobView(j *models.Job) jobView {
	return jobView{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		FinishedAt:  j.FinishedAt,
	}
}

// NewEnqueueJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewEnqueueJobHandler(jobs JobEnqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req struct {
			Type        string          `json:"type"`
			Payload     json.RawMessage `json:"payload"`
			MaxAttempts int             `json:"max_attempts"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxJobBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if isBodyTooLarge(err) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Type == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "type is required", nil)
			return
		}
		if req.MaxAttempts < 0 || req.MaxAttempts > maxJobAttempts {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"max_attempts must be between 1 and 10, or 0 for the server default", nil)
			return
		}
		if len(req.Payload) > 0 && !json.Valid(req.Payload) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "payload must be JSON", nil)
			return
		}

		job, err := jobs.Enqueue(r.Context(), store.EnqueueParams{
			Type:        req.Type,
			Payload:     req.Payload,
			OwnerID:     &userID,
			MaxAttempts: req.MaxAttempts,
		})
		if err != nil {
			internalError(w)
			return
		}

		response.Accepted(w, map[string]any{
			"id":     job.ID,
			"status": job.Status,
		})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(jobs JobGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		job, err := jobs.GetForOwner(r.Context(), jobID, userID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			internalError(w)
			return
		}

		response.JSON(w, newJobView(job))
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs. Only the
// caller's jobs are listed; status and type narrow the page.
func NewListJobsHandler(jobs JobLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		page, err := intParam(q.Get("page"), 1)
		if err != nil || page < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return
		}
		limit, err := intParam(q.Get("limit"), defaultJobPageSize)
		if err != nil || limit < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		limit = min(limit, maxJobPageSize)

		filter := store.JobFilter{
			OwnerID: &userID,
			Status:  q.Get("status"),
			Type:    q.Get("type"),
			Limit:   limit,
			Offset:  (page - 1) * limit,
		}
		found, err := jobs.List(r.Context(), filter)
		if err != nil {
			internalError(w)
			return
		}

		hasNext := false
		if len(found) == limit {
			filter.Offset += limit
			filter.Limit = 1
			next, err := jobs.List(r.Context(), filter)
			if err != nil {
				internalError(w)
				return
			}
			hasNext = len(next) > 0
		}

		views := make([]jobView, 0, len(found))
		for _, j := range found {
			views = append(views, newJobView(j))
		}
		response.Page(w, views, response.PageMeta{Page: page, Limit: limit, HasNext: hasNext})
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
