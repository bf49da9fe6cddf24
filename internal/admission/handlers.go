package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/contentradar/internal/ai"
	"github.com/kiranshivaraju/contentradar/internal/pipeline"
	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/kiranshivaraju/contentradar/internal/worker"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

// PipelineRunner runs the media pipeline for one capture.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Report, error)
}

// Registrar accepts job handlers; *worker.Pool satisfies it.
type Registrar interface {
	Register(jobType string, h worker.HandlerFunc)
}

// Handlers executes queued media jobs.
type Handlers struct {
	store    Store
	provider models.AnalysisProvider
	pipeline PipelineRunner
	logger   *slog.Logger
}

func NewHandlers(st Store, provider models.AnalysisProvider, runner PipelineRunner, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:    st,
		provider: provider,
		pipeline: runner,
		logger:   logger.With("component", "media_jobs"),
	}
}

// Register binds media.analyze and media.pipeline.
func (h *Handlers) Register(r Registrar) {
	r.Register(models.JobTypeMediaAnalyze, h.AnalyzeMedia)
	r.Register(models.JobTypeMediaPipeline, h.RunPipeline)
}

type analyzeResult struct {
	models.AnalysisOutput
	Pipeline *pipeline.Report `json:"pipeline,omitempty"`
}

// AnalyzeMedia runs a deep provider call for a queued media job and stores
// the result against the job. Videos tied to a capture continue into the
// pipeline.
func (h *Handlers) AnalyzeMedia(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	media, err := h.store.GetMediaAnalysisJob(ctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, worker.Permanent(errors.New("job has no media analysis record"))
	}
	if err != nil {
		return nil, err
	}

	out, err := h.provider.Analyze(ctx, models.AnalysisInput{
		SourcePath: media.SourcePath,
		Kind:       media.Kind,
		Mode:       models.AnalysisModeDeep,
		Hint:       media.Hint,
	})
	if err != nil {
		if ai.Retryable(err) {
			return nil, err
		}
		return nil, worker.Permanent(err)
	}
	out = normalizeOutput(out)

	result := resultFromOutput(out)
	result.JobID = job.ID
	if err := h.store.UpsertMediaAnalysisResult(ctx, result); err != nil {
		return nil, fmt.Errorf("save analysis result: %w", err)
	}

	res := analyzeResult{AnalysisOutput: out}
	if media.CaptureID != nil {
		saveCaptureText(ctx, h.store, h.logger, job.ID, *media.CaptureID, out)

		if media.Kind == models.MediaKindVideo && h.pipeline != nil {
			report, err := h.runPipeline(ctx, pipeline.Request{
				CaptureID:  *media.CaptureID,
				SourcePath: media.SourcePath,
				DurationMS: durationOf(media, out),
			})
			if err != nil {
				return nil, err
			}
			res.Pipeline = &report
		}
	}

	return json.Marshal(res)
}

// RunPipeline executes a media.pipeline job whose payload is a pipeline.Request.
func (h *Handlers) RunPipeline(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	if h.pipeline == nil {
		return nil, worker.Permanent(errors.New("media pipeline is not configured"))
	}
	var req pipeline.Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, worker.Permanent(fmt.Errorf("decode pipeline payload: %w", err))
	}
	report, err := h.runPipeline(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

func (h *Handlers) runPipeline(ctx context.Context, req pipeline.Request) (pipeline.Report, error) {
	report, err := h.pipeline.Run(ctx, req)
	if errors.Is(err, store.ErrNotFound) {
		return report, worker.Permanent(fmt.Errorf("capture %s: %w", req.CaptureID, err))
	}
	return report, err
}

// durationOf prefers the declared duration and falls back to the end of the
// last shot the provider reported.
func durationOf(media *models.MediaAnalysisJob, out models.AnalysisOutput) int64 {
	if media.DurationMS > 0 {
		return media.DurationMS
	}
	var end int64
	for _, s := range out.Shots {
		if s.EndMS > end {
			end = s.EndMS
		}
	}
	return end
}

func marshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return b, nil
}
