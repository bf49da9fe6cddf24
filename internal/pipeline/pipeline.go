// Package pipeline turns one capture's media into shots, keyframes, grounded
// captions and a text embedding. Stages run in order; only a missing capture
// or a failed shot write stops a run.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/contentradar/pkg/models"
)

const (
	defaultMaxEmbedChars = 8000
	unknownShotWindowMS  = 5000
)

// Store is the persistence the pipeline writes through.
type Store interface {
	GetCapture(ctx context.Context, id uuid.UUID) (*models.Capture, error)
	ListCaptureText(ctx context.Context, captureID uuid.UUID) (transcripts, ocr []string, err error)
	InsertShotsWithKeyframes(ctx context.Context, shots []models.Shot, frames []models.Keyframe) ([]models.Shot, []models.Keyframe, error)
	InsertCaption(ctx context.Context, caption *models.Caption) error
	ListCaptionSummaries(ctx context.Context, captureID uuid.UUID) ([]string, error)
	UpsertTextEmbedding(ctx context.Context, emb *models.TextEmbedding) error
}

type Options struct {
	Logger        *slog.Logger
	MaxEmbedChars int
}

type Pipeline struct {
	store      Store
	provider   models.AnalysisProvider
	embedder   models.Embedder
	segmenter  Segmenter
	capability SegmenterCapability
	maxEmbed   int
	logger     *slog.Logger
}

// New builds a pipeline. embedder may be nil, which skips the embedding
// stage. A nil segmenter forces the fallback capability.
func New(st Store, provider models.AnalysisProvider, embedder models.Embedder, seg Segmenter, capability SegmenterCapability, opts Options) *Pipeline {
	if seg == nil {
		capability = SegmenterFallback
	}
	if opts.MaxEmbedChars <= 0 {
		opts.MaxEmbedChars = defaultMaxEmbedChars
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:      st,
		provider:   provider,
		embedder:   embedder,
		segmenter:  seg,
		capability: capability,
		maxEmbed:   opts.MaxEmbedChars,
		logger:     logger.With("component", "pipeline"),
	}
}

type Request struct {
	CaptureID  uuid.UUID `json:"capture_id"`
	SourcePath string    `json:"source_path"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// Report summarizes what one run wrote.
type Report struct {
	Segmentation    string `json:"segmentation"`
	Shots           int    `json:"shots"`
	Keyframes       int    `json:"keyframes"`
	Captions        int    `json:"captions"`
	CaptionFailures int    `json:"caption_failures"`
	Embedded        bool   `json:"embedded"`
}

const (
	SegmentationScene    = "scene"
	SegmentationFallback = "fallback"
)

// Run executes all four stages for one capture. An unknown capture returns
// store.ErrNotFound.
func (p *Pipeline) Run(ctx context.Context, req Request) (Report, error) {
	var report Report
	logger := p.logger.With("capture_id", req.CaptureID)

	if _, err := p.store.GetCapture(ctx, req.CaptureID); err != nil {
		return report, fmt.Errorf("load capture: %w", err)
	}

	spans, method := p.segment(ctx, logger, req)
	report.Segmentation = method

	if err := ctx.Err(); err != nil {
		return report, err
	}
	shots, frames, err := p.saveShots(ctx, req.CaptureID, spans)
	if err != nil {
		return report, err
	}
	report.Shots = len(shots)
	report.Keyframes = len(frames)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	transcripts, ocr, err := p.store.ListCaptureText(ctx, req.CaptureID)
	if err != nil {
		logger.Warn("capture text unavailable, captioning from keyframes only", "error", err)
	}
	report.Captions, report.CaptionFailures = p.captionShots(ctx, logger, req.CaptureID, shots, frames, transcripts, ocr)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	report.Embedded = p.embed(ctx, logger, req.CaptureID, transcripts)

	logger.Info("pipeline finished",
		"segmentation", report.Segmentation,
		"shots", report.Shots,
		"keyframes", report.Keyframes,
		"captions", report.Captions,
		"caption_failures", report.CaptionFailures,
		"embedded", report.Embedded,
	)
	return report, nil
}

func (p *Pipeline) segment(ctx context.Context, logger *slog.Logger, req Request) ([]models.ShotSpan, string) {
	method := SegmentationFallback
	var spans []models.ShotSpan

	if p.capability == SegmenterAvailable {
		found, err := p.segmenter.Segment(ctx, req.SourcePath)
		switch {
		case err != nil:
			logger.Warn("scene detection failed, using single shot", "error", err)
		case len(found) == 0:
			logger.Warn("scene detection returned no shots, using single shot")
		default:
			spans = found
			method = SegmentationScene
		}
	} else {
		logger.Info("segmenter unavailable, using single shot")
	}

	if len(spans) == 0 {
		end := req.DurationMS
		if end < 0 {
			end = 0
		}
		spans = []models.ShotSpan{{StartMS: 0, EndMS: end}}
	}
	return spans, method
}

// keyframeTimes samples a shot at its start and midpoint. Shots without a
// usable end are treated as a fixed window from their start.
func keyframeTimes(s models.Shot) []int64 {
	end := s.EndMS
	if end <= s.StartMS {
		end = s.StartMS + unknownShotWindowMS
	}
	return []int64{s.StartMS, (s.StartMS + end) / 2}
}

func keyframePath(captureID, shotID uuid.UUID, ts int64) string {
	return fmt.Sprintf("captures/%s/frames/%s_%d.jpg", captureID, shotID, ts)
}

// saveShots samples keyframes for every span and stores shots and keyframes
// in a single write.
func (p *Pipeline) saveShots(ctx context.Context, captureID uuid.UUID, spans []models.ShotSpan) ([]models.Shot, []models.Keyframe, error) {
	shots := make([]models.Shot, 0, len(spans))
	frames := make([]models.Keyframe, 0, len(spans)*2)
	for _, sp := range spans {
		s := models.Shot{ID: uuid.New(), CaptureID: captureID, StartMS: sp.StartMS, EndMS: sp.EndMS, Score: sp.Score}
		shots = append(shots, s)
		for _, ts := range keyframeTimes(s) {
			frames = append(frames, models.Keyframe{
				CaptureID:   captureID,
				ShotID:      s.ID,
				TsMS:        ts,
				StoragePath: keyframePath(captureID, s.ID, ts),
			})
		}
	}
	shots, frames, err := p.store.InsertShotsWithKeyframes(ctx, shots, frames)
	if err != nil {
		return nil, nil, fmt.Errorf("save shots: %w", err)
	}
	return shots, frames, nil
}

type frameRef struct {
	TsMS        int64  `json:"ts_ms"`
	StoragePath string `json:"storage_path"`
}

type captionEvidence struct {
	Frames     []frameRef `json:"frames"`
	Transcript string     `json:"transcript,omitempty"`
	OCR        string     `json:"ocr,omitempty"`
}

func captionPrompt(ev captionEvidence) string {
	var b strings.Builder
	b.WriteString("Describe this short video shot using ONLY the evidence below. Do not guess beyond it.\n")
	b.WriteString("Return a JSON object whose summary field holds the description.\n\n")
	b.WriteString("Transcript:\n")
	b.WriteString(orNone(ev.Transcript))
	b.WriteString("\n\nOn-screen text:\n")
	b.WriteString(orNone(ev.OCR))
	b.WriteString("\n\nKeyframes:\n")
	for _, f := range ev.Frames {
		fmt.Fprintf(&b, "- %dms: %s\n", f.TsMS, f.StoragePath)
	}
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

// captionShots writes one caption per shot. A failing shot is logged and
// skipped; its siblings still run.
func (p *Pipeline) captionShots(ctx context.Context, logger *slog.Logger, captureID uuid.UUID, shots []models.Shot, frames []models.Keyframe, transcripts, ocr []string) (int, int) {
	byShot := make(map[uuid.UUID][]frameRef, len(shots))
	for _, f := range frames {
		byShot[f.ShotID] = append(byShot[f.ShotID], frameRef{TsMS: f.TsMS, StoragePath: f.StoragePath})
	}
	transcript := strings.Join(transcripts, " ")
	ocrText := strings.Join(ocr, " ")

	var ok, failed int
	for i, s := range shots {
		if ctx.Err() != nil {
			failed += len(shots) - i
			break
		}
		ev := captionEvidence{Frames: byShot[s.ID], Transcript: transcript, OCR: ocrText}
		if err := p.captionShot(ctx, captureID, s, ev); err != nil {
			logger.Warn("caption failed", "shot_id", s.ID, "error", err)
			failed++
			continue
		}
		ok++
	}
	return ok, failed
}

func (p *Pipeline) captionShot(ctx context.Context, captureID uuid.UUID, s models.Shot, ev captionEvidence) error {
	var source string
	if len(ev.Frames) > 0 {
		source = ev.Frames[0].StoragePath
	}
	out, err := p.provider.Analyze(ctx, models.AnalysisInput{
		SourcePath: source,
		Kind:       models.MediaKindImage,
		Mode:       models.AnalysisModeQuick,
		Hint:       captionPrompt(ev),
	})
	if err != nil {
		return err
	}
	summary := strings.TrimSpace(out.Summary)
	if summary == "" {
		return fmt.Errorf("provider returned an empty summary")
	}

	evidence, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	return p.store.InsertCaption(ctx, &models.Caption{
		CaptureID: captureID,
		ShotID:    s.ID,
		Summary:   summary,
		Evidence:  evidence,
		Model:     p.provider.Name(),
	})
}

// embed replaces the capture's text embedding. It reports whether a vector
// was written.
func (p *Pipeline) embed(ctx context.Context, logger *slog.Logger, captureID uuid.UUID, transcripts []string) bool {
	if p.embedder == nil {
		logger.Debug("embedding not configured, skipping")
		return false
	}

	captions, err := p.store.ListCaptionSummaries(ctx, captureID)
	if err != nil {
		logger.Warn("list captions for embedding failed", "error", err)
		return false
	}

	parts := make([]string, 0, len(transcripts)+len(captions))
	parts = append(parts, transcripts...)
	parts = append(parts, captions...)
	text := truncateChars(strings.Join(parts, "\n"), p.maxEmbed)
	if strings.TrimSpace(text) == "" {
		logger.Debug("no text to embed, skipping")
		return false
	}

	emb, err := p.embedder.Embed(ctx, text)
	if err != nil {
		logger.Warn("embedding failed", "error", err)
		return false
	}
	if err := p.store.UpsertTextEmbedding(ctx, &models.TextEmbedding{
		CaptureID: captureID,
		Model:     emb.Model,
		Vector:    emb.Vector,
	}); err != nil {
		logger.Warn("save embedding failed", "error", err)
		return false
	}
	return true
}

// truncateChars cuts s to at most n characters without splitting a rune.
func truncateChars(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
