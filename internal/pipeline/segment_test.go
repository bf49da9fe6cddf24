package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/kiranshivaraju/contentradar/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSceneLog = `Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'clip.mp4':
[Parsed_metadata_1 @ 0x55d0c] frame:0    pts:96      pts_time:3.2
[Parsed_metadata_1 @ 0x55d0c] lavfi.scene_score=0.612345
[Parsed_metadata_1 @ 0x55d0c] frame:1    pts:231     pts_time:7.7
[Parsed_metadata_1 @ 0x55d0c] lavfi.scene_score=0.401000
[Parsed_metadata_1 @ 0x55d0c] frame:2    pts:bogus   pts_time:nan-ish
[Parsed_metadata_1 @ 0x55d0c] lavfi.scene_score=0.9
`

func TestParseSceneCuts(t *testing.T) {
	cuts := parseSceneCuts([]byte(sampleSceneLog))
	require.Len(t, cuts, 2)
	assert.Equal(t, int64(3200), cuts[0].atMS)
	assert.InDelta(t, 0.612345, cuts[0].score, 1e-9)
	assert.Equal(t, int64(7700), cuts[1].atMS)
}

func TestShotsFromCuts(t *testing.T) {
	spans := shotsFromCuts([]sceneCut{{atMS: 7700, score: 0.4}, {atMS: 3200, score: 0.6}}, 12000)
	assert.Equal(t, []models.ShotSpan{
		{StartMS: 0, EndMS: 3200},
		{StartMS: 3200, EndMS: 7700, Score: 0.6},
		{StartMS: 7700, EndMS: 12000, Score: 0.4},
	}, spans)
}

func TestShotsFromCuts_NoCutsIsOneShot(t *testing.T) {
	assert.Equal(t, []models.ShotSpan{{StartMS: 0, EndMS: 5000}}, shotsFromCuts(nil, 5000))
	assert.Equal(t, []models.ShotSpan{{StartMS: 0, EndMS: 0}}, shotsFromCuts(nil, 0))
}

func TestShotsFromCuts_IgnoresOutOfRangeAndDuplicateCuts(t *testing.T) {
	spans := shotsFromCuts([]sceneCut{{atMS: 0}, {atMS: 2000}, {atMS: 2000}, {atMS: 9000}}, 5000)
	assert.Equal(t, []models.ShotSpan{
		{StartMS: 0, EndMS: 2000},
		{StartMS: 2000, EndMS: 5000},
	}, spans)
}

func TestKeyframeTimes(t *testing.T) {
	assert.Equal(t, []int64{1000, 3000}, keyframeTimes(models.Shot{StartMS: 1000, EndMS: 5000}))
	assert.Equal(t, []int64{4000, 6500}, keyframeTimes(models.Shot{StartMS: 4000, EndMS: 4000}))
}

func TestTruncateChars(t *testing.T) {
	assert.Equal(t, "abc", truncateChars("abc", 5))
	assert.Equal(t, "ab", truncateChars("abc", 2))
	assert.Equal(t, "日本", truncateChars("日本語", 2))
}

func TestDetectSegmenter_MissingBinary(t *testing.T) {
	seg, capability := DetectSegmenter("/nonexistent/ffmpeg", "/nonexistent/ffprobe", 0.3)
	assert.Nil(t, seg)
	assert.Equal(t, SegmenterFallback, capability)
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestFFmpegSegmenter_WithFakeBinaries(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	dir := t.TempDir()
	ffprobe := writeScript(t, dir, "ffprobe", `echo '{"format":{"duration":"10.000000"}}'`+"\n")
	ffmpeg := writeScript(t, dir, "ffmpeg", "cat >&2 <<'LOG'\n"+sampleSceneLog+"LOG\n")

	seg, capability := DetectSegmenter(ffmpeg, ffprobe, 0.3)
	require.Equal(t, SegmenterAvailable, capability)

	spans, err := seg.Segment(context.Background(), "clip.mp4")
	require.NoError(t, err)
	require.Len(t, spans, 3)
	assert.Equal(t, int64(10000), spans[2].EndMS)
}

func TestFFmpegSegmenter_ToolFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	dir := t.TempDir()
	ffprobe := writeScript(t, dir, "ffprobe", `echo '{"format":{"duration":"4.0"}}'`+"\n")
	ffmpeg := writeScript(t, dir, "ffmpeg", "echo 'Invalid data found when processing input' >&2\nexit 1\n")

	seg, _ := DetectSegmenter(ffmpeg, ffprobe, 0.3)
	_, err := seg.Segment(context.Background(), "broken.mp4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid data")
}
