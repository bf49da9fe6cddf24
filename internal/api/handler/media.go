package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/contentradar/internal/admission"
	"github.com/kiranshivaraju/contentradar/internal/api/response"
	"github.com/kiranshivaraju/contentradar/internal/pipeline"
	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

// maxMediaBodyBytes bounds analyze request bodies. Inline data above the sync
// threshold is still accepted here and routed to the queue.
const maxMediaBodyBytes = 64 << 20

// Admitter routes analysis submissions.
type Admitter interface {
	Submit(ctx context.Context, req admission.Request) (*admission.Result, error)
	Quick(ctx context.Context, req admission.Request) (*admission.Result, error)
	Deep(ctx context.Context, req admission.Request) (*admission.Result, error)
	EnqueuePipeline(ctx context.Context, ownerID *uuid.UUID, req pipeline.Request) (*models.Job, error)
}

// MediaReader loads the analysis records attached to a job.
type MediaReader interface {
	GetMediaAnalysisJob(ctx context.Context, jobID uuid.UUID) (*models.MediaAnalysisJob, error)
	GetMediaAnalysisResult(ctx context.Context, jobID uuid.UUID) (*models.MediaAnalysisResult, error)
}

// Analysis modes accepted by NewAnalyzeHandler. ModeAuto applies the size
// threshold.
const (
	ModeAuto  = ""
	ModeQuick = models.AnalysisModeQuick
	ModeDeep  = models.AnalysisModeDeep
)

// NewAnalyzeHandler returns an http.HandlerFunc for the media analyze routes.
// Inline results answer 200; queued work answers 202 with the job id.
func NewAnalyzeHandler(a Admitter, mode string) http.HandlerFunc {
	submit := a.Submit
	switch mode {
	case ModeQuick:
		submit = a.Quick
	case ModeDeep:
		submit = a.Deep
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req admission.Request
		r.Body = http.MaxBytesReader(w, r.Body, maxMediaBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if isBodyTooLarge(err) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.OwnerID = &userID

		res, err := submit(r.Context(), req)
		if err != nil {
			writeAnalysisError(w, err)
			return
		}

		if res.Mode == models.AnalysisModeDeep {
			response.Accepted(w, res)
			return
		}
		response.JSON(w, res)
	}
}

// NewEnqueuePipelineHandler returns an http.HandlerFunc for
// POST /api/v1/media/pipeline.
func NewEnqueuePipelineHandler(a Admitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req pipeline.Request
		r.Body = http.MaxBytesReader(w, r.Body, maxJobBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.CaptureID == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "capture_id is required", nil)
			return
		}

		job, err := a.EnqueuePipeline(r.Context(), &userID, req)
		if err != nil {
			writeAnalysisError(w, err)
			return
		}

		response.Accepted(w, map[string]any{
			"id":     job.ID,
			"status": job.Status,
		})
	}
}

// NewMediaJobHandler returns an http.HandlerFunc for
// GET /api/v1/media/jobs/{jobID}.
func NewMediaJobHandler(jobs JobGetter, media MediaReader) http.HandlerFunc {
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

		mj, err := media.GetMediaAnalysisJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job is not a media analysis job", nil)
			return
		}
		if err != nil {
			internalError(w)
			return
		}

		var result *models.MediaAnalysisResult
		if job.Status == models.JobStatusDone {
			result, err = media.GetMediaAnalysisResult(r.Context(), jobID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				internalError(w)
				return
			}
		}

		response.JSON(w, map[string]any{
			"job":    newJobView(job),
			"media":  mj,
			"result": result,
		})
	}
}
