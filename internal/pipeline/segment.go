package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/contentradar/pkg/models"
)

// SegmenterCapability records whether scene detection tooling was found at
// construction time.
type SegmenterCapability string

const (
	SegmenterAvailable SegmenterCapability = "available"
	SegmenterFallback  SegmenterCapability = "fallback"
)

// Segmenter splits a media asset into ordered shot spans.
type Segmenter interface {
	Segment(ctx context.Context, sourcePath string) ([]models.ShotSpan, error)
}

// FFmpegSegmenter finds scene cuts with ffmpeg's scene score filter and sizes
// the final shot with ffprobe's container duration.
type FFmpegSegmenter struct {
	FFmpegPath  string
	FFprobePath string
	Threshold   float64
}

// DetectSegmenter resolves both binaries. When either is missing the
// capability is fallback and the returned segmenter is nil.
func DetectSegmenter(ffmpegPath, ffprobePath string, threshold float64) (Segmenter, SegmenterCapability) {
	ffmpeg, err := exec.LookPath(strings.TrimSpace(ffmpegPath))
	if err != nil {
		return nil, SegmenterFallback
	}
	ffprobe, err := exec.LookPath(strings.TrimSpace(ffprobePath))
	if err != nil {
		return nil, SegmenterFallback
	}
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.3
	}
	return &FFmpegSegmenter{FFmpegPath: ffmpeg, FFprobePath: ffprobe, Threshold: threshold}, SegmenterAvailable
}

func (s *FFmpegSegmenter) Segment(ctx context.Context, sourcePath string) ([]models.ShotSpan, error) {
	sourcePath = strings.TrimSpace(sourcePath)
	if sourcePath == "" {
		return nil, errors.New("segment: empty source path")
	}

	durationMS, err := s.probeDuration(ctx, sourcePath)
	if err != nil {
		return nil, err
	}

	filter := fmt.Sprintf("select='gt(scene,%s)',metadata=print", strconv.FormatFloat(s.Threshold, 'f', -1, 64))
	cmd := exec.CommandContext(ctx, s.FFmpegPath, //nolint:gosec
		"-hide_banner",
		"-nostats",
		"-i", sourcePath,
		"-vf", filter,
		"-an",
		"-f", "null",
		"-",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg scene detect: %w: %s", err, tail(output))
	}

	return shotsFromCuts(parseSceneCuts(output), durationMS), nil
}

type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (s *FFmpegSegmenter) probeDuration(ctx context.Context, path string) (int64, error) {
	cmd := exec.CommandContext(ctx, s.FFprobePath, "-v", "error", "-hide_banner", "-show_format", "-of", "json", "--", path) //nolint:gosec
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	var res probeResult
	if err := json.Unmarshal(output, &res); err != nil {
		return 0, fmt.Errorf("ffprobe parse: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(res.Format.Duration), 64)
	if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("ffprobe: unusable duration %q", res.Format.Duration)
	}
	return int64(math.Round(secs * 1000)), nil
}

type sceneCut struct {
	atMS  int64
	score float64
}

// parseSceneCuts reads metadata=print output, where each selected frame logs
// a "pts_time:<secs>" line followed by "lavfi.scene_score=<score>".
func parseSceneCuts(output []byte) []sceneCut {
	var cuts []sceneCut
	pts := -1.0

	sc := bufio.NewScanner(bytes.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "pts_time:"); i >= 0 {
			fields := strings.Fields(line[i+len("pts_time:"):])
			pts = -1
			if len(fields) > 0 {
				if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
					pts = v
				}
			}
			continue
		}
		if i := strings.Index(line, "lavfi.scene_score="); i >= 0 && pts >= 0 {
			score, err := strconv.ParseFloat(strings.TrimSpace(line[i+len("lavfi.scene_score="):]), 64)
			if err != nil {
				continue
			}
			cuts = append(cuts, sceneCut{atMS: int64(math.Round(pts * 1000)), score: score})
			pts = -1
		}
	}
	return cuts
}

// shotsFromCuts turns cut points into contiguous spans covering
// [0, durationMS]. It never returns an empty slice.
func shotsFromCuts(cuts []sceneCut, durationMS int64) []models.ShotSpan {
	sort.Slice(cuts, func(i, j int) bool { return cuts[i].atMS < cuts[j].atMS })

	var spans []models.ShotSpan
	var start int64
	var score float64
	for _, c := range cuts {
		if c.atMS <= start {
			continue
		}
		if durationMS > 0 && c.atMS >= durationMS {
			break
		}
		spans = append(spans, models.ShotSpan{StartMS: start, EndMS: c.atMS, Score: score})
		start, score = c.atMS, c.score
	}

	end := durationMS
	if end < start {
		end = start
	}
	return append(spans, models.ShotSpan{StartMS: start, EndMS: end, Score: score})
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[len(s)-300:]
	}
	return s
}
