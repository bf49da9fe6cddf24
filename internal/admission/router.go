// Package admission decides whether a media analysis request runs inline or
// is queued, and provides the worker handlers for queued media jobs.
package admission

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/contentradar/internal/pipeline"
	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds the inline analysis limit")
	ErrInvalidRequest  = errors.New("invalid analysis request")
)

const maxLabels = 20

// Store is the persistence admission and its job handlers need.
type Store interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (*models.Job, error)
	EnqueueMediaAnalysis(ctx context.Context, p store.EnqueueParams, media *models.MediaAnalysisJob) (*models.Job, error)
	RecordQuickAnalysis(ctx context.Context, p store.EnqueueParams, media *models.MediaAnalysisJob, result *models.MediaAnalysisResult) (*models.Job, error)
	GetMediaAnalysisJob(ctx context.Context, jobID uuid.UUID) (*models.MediaAnalysisJob, error)
	UpsertMediaAnalysisResult(ctx context.Context, result *models.MediaAnalysisResult) error
	GetCaptureForOwner(ctx context.Context, id, ownerID uuid.UUID) (*models.Capture, error)
	SaveCaptureText(ctx context.Context, jobID, captureID uuid.UUID, transcripts, ocr []string) error
}

// Request is one media analysis submission. InlineData, when set, is the
// base64 encoded asset and takes precedence over SizeBytes for sizing. A
// CaptureID must belong to one of OwnerID's projects.
type Request struct {
	OwnerID    *uuid.UUID `json:"-"`
	CaptureID  *uuid.UUID `json:"capture_id,omitempty"`
	SourcePath string     `json:"source_path,omitempty"`
	InlineData string     `json:"data,omitempty"`
	MimeType   string     `json:"mime_type,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	Hint       string     `json:"hint,omitempty"`
	SizeBytes  int64      `json:"size_bytes,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
}

// Result is what a submission returns. Quick results carry the analysis;
// deep results only the queued job id.
type Result struct {
	JobID  uuid.UUID              `json:"job_id"`
	Mode   string                 `json:"mode"`
	Status string                 `json:"status"`
	Result *models.AnalysisOutput `json:"result,omitempty"`
}

type Options struct {
	MaxSyncBytes  int64
	InlineTimeout time.Duration
	Logger        *slog.Logger
}

// Router applies the size threshold. It holds no per-request state.
type Router struct {
	store    Store
	provider models.AnalysisProvider
	opts     Options
	logger   *slog.Logger
}

func NewRouter(st Store, provider models.AnalysisProvider, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    st,
		provider: provider,
		opts:     opts,
		logger:   logger.With("component", "admission"),
	}
}

// Threshold returns the largest size analyzed inline.
func (r *Router) Threshold() int64 { return r.opts.MaxSyncBytes }

// Submit runs the request inline when it is known to fit under the threshold
// and queues it otherwise. A reference without inline data or a declared
// size counts as unknown and is queued.
func (r *Router) Submit(ctx context.Context, req Request) (*Result, error) {
	a, err := r.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	if !a.sizeKnown {
		r.logger.Info("payload size unknown, queueing", "source_kind", a.Kind)
		return r.enqueue(ctx, a)
	}
	if a.size <= r.opts.MaxSyncBytes {
		return r.runInline(ctx, a)
	}
	r.logger.Info("payload over inline limit, queueing", "size_bytes", a.size, "threshold", r.opts.MaxSyncBytes)
	return r.enqueue(ctx, a)
}

// Quick always runs inline and refuses payloads over the threshold. An
// unknown size is accepted; the provider call is still bounded by the inline
// timeout.
func (r *Router) Quick(ctx context.Context, req Request) (*Result, error) {
	a, err := r.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	if a.size > r.opts.MaxSyncBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, a.size, r.opts.MaxSyncBytes)
	}
	return r.runInline(ctx, a)
}

// Deep always queues.
func (r *Router) Deep(ctx context.Context, req Request) (*Result, error) {
	a, err := r.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.enqueue(ctx, a)
}

// EnqueuePipeline queues a pipeline-only run for an existing capture owned
// by ownerID.
func (r *Router) EnqueuePipeline(ctx context.Context, ownerID *uuid.UUID, req pipeline.Request) (*models.Job, error) {
	if req.CaptureID == uuid.Nil {
		return nil, fmt.Errorf("%w: capture_id is required", ErrInvalidRequest)
	}
	if err := r.checkCapture(ctx, ownerID, req.CaptureID); err != nil {
		return nil, err
	}
	payload, err := marshalPayload(req)
	if err != nil {
		return nil, err
	}
	return r.store.Enqueue(ctx, store.EnqueueParams{
		Type:    models.JobTypeMediaPipeline,
		Payload: payload,
		OwnerID: ownerID,
	})
}

// admitted is a validated request with its effective source and size.
type admitted struct {
	Request
	source    string
	size      int64
	sizeKnown bool
}

func (r *Router) admit(ctx context.Context, req Request) (admitted, error) {
	a, err := prepare(req)
	if err != nil {
		return a, err
	}
	if a.CaptureID != nil {
		if err := r.checkCapture(ctx, a.OwnerID, *a.CaptureID); err != nil {
			return a, err
		}
	}
	return a, nil
}

// checkCapture reports store.ErrNotFound for captures outside the caller's
// projects, the same answer an unknown capture gets.
func (r *Router) checkCapture(ctx context.Context, ownerID *uuid.UUID, captureID uuid.UUID) error {
	if ownerID == nil {
		return fmt.Errorf("%w: capture_id requires an authenticated owner", ErrInvalidRequest)
	}
	if _, err := r.store.GetCaptureForOwner(ctx, captureID, *ownerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("capture not found for owner", "capture_id", captureID, "owner_id", *ownerID)
		}
		return fmt.Errorf("capture %s: %w", captureID, err)
	}
	return nil
}

func prepare(req Request) (admitted, error) {
	a := admitted{
		Request:   req,
		source:    strings.TrimSpace(req.SourcePath),
		size:      req.SizeBytes,
		sizeKnown: req.SizeBytes > 0,
	}

	if req.InlineData != "" {
		raw, err := base64.StdEncoding.DecodeString(req.InlineData)
		if err != nil {
			return a, fmt.Errorf("%w: data is not valid base64", ErrInvalidRequest)
		}
		a.size = int64(len(raw))
		a.sizeKnown = true
		if a.source == "" {
			mime := req.MimeType
			if mime == "" {
				mime = "application/octet-stream"
			}
			a.source = "data:" + mime + ";base64," + req.InlineData
		}
	}
	if a.source == "" {
		return a, fmt.Errorf("%w: source_path or data is required", ErrInvalidRequest)
	}
	if a.size < 0 {
		return a, fmt.Errorf("%w: size_bytes must not be negative", ErrInvalidRequest)
	}

	switch kind := strings.ToLower(strings.TrimSpace(req.Kind)); kind {
	case models.MediaKindImage, models.MediaKindVideo:
		a.Kind = kind
	case "":
		a.Kind = models.MediaKindImage
		if strings.HasPrefix(req.MimeType, "video/") {
			a.Kind = models.MediaKindVideo
		}
	default:
		return a, fmt.Errorf("%w: kind must be image or video", ErrInvalidRequest)
	}
	return a, nil
}

func (a admitted) mediaJob(mode, provider string) *models.MediaAnalysisJob {
	return &models.MediaAnalysisJob{
		OwnerID:    a.OwnerID,
		CaptureID:  a.CaptureID,
		SourcePath: a.source,
		Kind:       a.Kind,
		Mode:       mode,
		Provider:   provider,
		SizeBytes:  a.size,
		Hint:       a.Hint,
		DurationMS: a.DurationMS,
	}
}

type analyzePayload struct {
	CaptureID  *uuid.UUID `json:"capture_id,omitempty"`
	Kind       string     `json:"kind"`
	SizeBytes  int64      `json:"size_bytes"`
	DurationMS int64      `json:"duration_ms,omitempty"`
}

func (r *Router) runInline(ctx context.Context, a admitted) (*Result, error) {
	callCtx := ctx
	if r.opts.InlineTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.opts.InlineTimeout)
		defer cancel()
	}

	started := time.Now()
	out, err := r.provider.Analyze(callCtx, models.AnalysisInput{
		SourcePath: a.source,
		Kind:       a.Kind,
		Mode:       models.AnalysisModeQuick,
		Hint:       a.Hint,
	})
	if err != nil {
		r.logger.Warn("inline analysis failed", "provider", r.provider.Name(), "error", err)
		return nil, err
	}
	out = normalizeOutput(out)

	payload, err := marshalPayload(analyzePayload{CaptureID: a.CaptureID, Kind: a.Kind, SizeBytes: a.size, DurationMS: a.DurationMS})
	if err != nil {
		return nil, err
	}
	result := resultFromOutput(out)
	job, err := r.store.RecordQuickAnalysis(ctx, store.EnqueueParams{
		Type:    models.JobTypeMediaAnalyze,
		Payload: payload,
		OwnerID: a.OwnerID,
	}, a.mediaJob(models.AnalysisModeQuick, r.provider.Name()), result)
	if err != nil {
		return nil, fmt.Errorf("record quick analysis: %w", err)
	}

	if a.CaptureID != nil {
		saveCaptureText(ctx, r.store, r.logger, job.ID, *a.CaptureID, out)
	}

	r.logger.Info("inline analysis complete",
		"job_id", job.ID,
		"size_bytes", a.size,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return &Result{JobID: job.ID, Mode: models.AnalysisModeQuick, Status: job.Status, Result: &out}, nil
}

func (r *Router) enqueue(ctx context.Context, a admitted) (*Result, error) {
	payload, err := marshalPayload(analyzePayload{CaptureID: a.CaptureID, Kind: a.Kind, SizeBytes: a.size, DurationMS: a.DurationMS})
	if err != nil {
		return nil, err
	}
	job, err := r.store.EnqueueMediaAnalysis(ctx, store.EnqueueParams{
		Type:    models.JobTypeMediaAnalyze,
		Payload: payload,
		OwnerID: a.OwnerID,
	}, a.mediaJob(models.AnalysisModeDeep, r.provider.Name()))
	if err != nil {
		return nil, fmt.Errorf("enqueue media analysis: %w", err)
	}

	r.logger.Info("media analysis queued", "job_id", job.ID, "size_bytes", a.size)
	return &Result{JobID: job.ID, Mode: models.AnalysisModeDeep, Status: job.Status}, nil
}

// normalizeOutput lowercases and dedupes labels and replaces nil
// collections with empty ones.
func normalizeOutput(out models.AnalysisOutput) models.AnalysisOutput {
	seen := make(map[string]bool, len(out.Labels))
	labels := make([]string, 0, len(out.Labels))
	for _, l := range out.Labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		labels = append(labels, l)
		if len(labels) == maxLabels {
			break
		}
	}
	out.Labels = labels
	if out.Shots == nil {
		out.Shots = []models.ShotSpan{}
	}
	if out.OCR == nil {
		out.OCR = []string{}
	}
	if out.ASR == nil {
		out.ASR = []string{}
	}
	if out.Meta == nil {
		out.Meta = map[string]any{}
	}
	return out
}

func resultFromOutput(out models.AnalysisOutput) *models.MediaAnalysisResult {
	return &models.MediaAnalysisResult{
		Summary: out.Summary,
		Shots:   out.Shots,
		Labels:  out.Labels,
		OCR:     out.OCR,
		ASR:     out.ASR,
		Meta:    out.Meta,
	}
}

// saveCaptureText records the job's ASR and OCR lines for the capture,
// replacing whatever an earlier attempt of the job wrote.
func saveCaptureText(ctx context.Context, st Store, logger *slog.Logger, jobID, captureID uuid.UUID, out models.AnalysisOutput) {
	if err := st.SaveCaptureText(ctx, jobID, captureID, out.ASR, out.OCR); err != nil {
		logger.Warn("save capture text failed", "job_id", jobID, "capture_id", captureID, "error", err)
	}
}
