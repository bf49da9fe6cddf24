package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/contentradar/internal/admission"
	"github.com/kiranshivaraju/contentradar/internal/ai"
	"github.com/kiranshivaraju/contentradar/internal/ai/mock"
	"github.com/kiranshivaraju/contentradar/internal/api"
	"github.com/kiranshivaraju/contentradar/internal/api/handler"
	mw "github.com/kiranshivaraju/contentradar/internal/api/middleware"
	"github.com/kiranshivaraju/contentradar/internal/feed"
	"github.com/kiranshivaraju/contentradar/internal/readmodel"
	"github.com/kiranshivaraju/contentradar/internal/store"
	"github.com/kiranshivaraju/contentradar/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	testUserID    = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	testProjectID = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	testCaptureID = uuid.MustParse("cccccccc-cccc-cccc-cccc-cccccccccccc")
	testRawKey    = "cr_test_contract_key_1234567890"
	testPrefix    = testRawKey[:mw.KeyPrefixLen]
	discard       = slog.New(slog.DiscardHandler)
)

func testKeyHash(raw string) string {
	h, _ := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	return string(h)
}

// ─── mock store ──────────────────────────────────────────────────────────────

type mockStore struct {
	mu       sync.Mutex
	keys     []*models.APIKey
	jobs     map[uuid.UUID]*models.Job
	media    map[uuid.UUID]*models.MediaAnalysisJob
	results  map[uuid.UUID]*models.MediaAnalysisResult
	projects map[uuid.UUID][]uuid.UUID
	captures map[uuid.UUID]uuid.UUID
	text     map[uuid.UUID][]string
	moments  []models.Moment
	pingErr  error

	refreshErr error
	refreshes  int
}

func newMockStore() *mockStore {
	return &mockStore{
		keys: []*models.APIKey{{
			ID:        uuid.New(),
			UserID:    testUserID,
			Name:      "test-key",
			KeyHash:   testKeyHash(testRawKey),
			KeyPrefix: testPrefix,
			Scopes:    []string{mw.ScopeRead, mw.ScopeWrite, mw.ScopeAdmin},
		}},
		jobs:     make(map[uuid.UUID]*models.Job),
		media:    make(map[uuid.UUID]*models.MediaAnalysisJob),
		results:  make(map[uuid.UUID]*models.MediaAnalysisResult),
		projects: map[uuid.UUID][]uuid.UUID{testUserID: {testProjectID}},
		captures: map[uuid.UUID]uuid.UUID{testCaptureID: testUserID},
		text:     make(map[uuid.UUID][]string),
		moments: []models.Moment{{
			ProjectID:     testProjectID,
			Bucket:        time.Now().Truncate(time.Hour),
			CaptureCount:  3,
			PlatformCount: 2,
		}},
	}
}

func (s *mockStore) Ping(_ context.Context) error { return s.pingErr }

func (s *mockStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *mockStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (s *mockStore) newJob(p store.EnqueueParams, status string) *models.Job {
	max := p.MaxAttempts
	if max == 0 {
		max = 3
	}
	job := &models.Job{
		ID:          uuid.New(),
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      status,
		MaxAttempts: max,
		OwnerID:     p.OwnerID,
		CreatedAt:   time.Now(),
	}
	s.jobs[job.ID] = job
	return job
}

func (s *mockStore) Enqueue(_ context.Context, p store.EnqueueParams) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newJob(p, models.JobStatusQueued), nil
}

func (s *mockStore) EnqueueMediaAnalysis(_ context.Context, p store.EnqueueParams, m *models.MediaAnalysisJob) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.newJob(p, models.JobStatusQueued)
	m.JobID = job.ID
	s.media[job.ID] = m
	return job, nil
}

func (s *mockStore) RecordQuickAnalysis(_ context.Context, p store.EnqueueParams, m *models.MediaAnalysisJob, r *models.MediaAnalysisResult) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.newJob(p, models.JobStatusDone)
	job.Attempts = 1
	m.JobID = job.ID
	r.JobID = job.ID
	s.media[job.ID] = m
	s.results[job.ID] = r
	return job, nil
}

func (s *mockStore) GetMediaAnalysisJob(_ context.Context, jobID uuid.UUID) (*models.MediaAnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.media[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (s *mockStore) GetMediaAnalysisResult(_ context.Context, jobID uuid.UUID) (*models.MediaAnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (s *mockStore) UpsertMediaAnalysisResult(_ context.Context, r *models.MediaAnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.JobID] = r
	return nil
}

func (s *mockStore) GetCaptureForOwner(_ context.Context, id, ownerID uuid.UUID) (*models.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.captures[id]
	if !ok || owner != ownerID {
		return nil, store.ErrNotFound
	}
	return &models.Capture{ID: id, ProjectID: testProjectID}, nil
}

func (s *mockStore) SaveCaptureText(_ context.Context, jobID, _ uuid.UUID, transcripts, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text[jobID] = transcripts
	return nil
}

func (s *mockStore) GetForOwner(_ context.Context, id, ownerID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.OwnerID == nil || *j.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (s *mockStore) List(_ context.Context, f store.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if f.OwnerID != nil && (j.OwnerID == nil || *j.OwnerID != *f.OwnerID) {
			continue
		}
		if (f.Status != "" && j.Status != f.Status) || (f.Type != "" && j.Type != f.Type) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *mockStore) ListProjectIDs(_ context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	return s.projects[ownerID], nil
}

func (s *mockStore) ListMoments(_ context.Context, ids []uuid.UUID) (*models.MomentsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Moment{}
	for _, m := range s.moments {
		for _, id := range ids {
			if m.ProjectID == id {
				out = append(out, m)
			}
		}
	}
	return &models.MomentsSnapshot{Moments: out}, nil
}

func (s *mockStore) RefreshMoments(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshErr != nil {
		return time.Time{}, s.refreshErr
	}
	s.refreshes++
	return time.Now(), nil
}

// ─── mock cache ──────────────────────────────────────────────────────────────

type mockCache struct {
	mu       sync.Mutex
	counters map[string]int64
	pingErr  error
}

func newMockCache() *mockCache {
	return &mockCache{counters: make(map[string]int64)}
}

func (c *mockCache) Ping(_ context.Context) error { return c.pingErr }

func (c *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

func (c *mockCache) Bump(_ context.Context, key string) (int64, error) {
	return c.IncrWithExpiry(context.Background(), key, 0)
}

// ─── test server ─────────────────────────────────────────────────────────────

type testServer struct {
	server *httptest.Server
	store  *mockStore
	cache  *mockCache
}

type serverOption func(*serverConfig)

type serverConfig struct {
	provider     models.AnalysisProvider
	maxSyncBytes int64
}

func withProvider(p models.AnalysisProvider) serverOption {
	return func(c *serverConfig) { c.provider = p }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	cfg := serverConfig{provider: mock.NewMockProvider(), maxSyncBytes: 1024}
	for _, o := range opts {
		o(&cfg)
	}

	s := newMockStore()
	c := newMockCache()

	router := admission.NewRouter(s, cfg.provider, admission.Options{
		MaxSyncBytes:  cfg.maxSyncBytes,
		InlineTimeout: time.Second,
		Logger:        discard,
	})
	pub := feed.NewPublisher(s, nil, feed.Options{
		PollInterval:      20 * time.Millisecond,
		KeepaliveInterval: time.Minute,
		Logger:            discard,
	})
	agg := readmodel.NewAggregator(s, c, time.Hour, discard)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(s),
		RateLimit: mw.NewRateLimit(c, 10),

		HealthHandler:          handler.NewHealthHandler(s, c),
		EnqueueJobHandler:      handler.NewEnqueueJobHandler(s),
		ListJobsHandler:        handler.NewListJobsHandler(s),
		GetJobHandler:          handler.NewGetJobHandler(s),
		AnalyzeHandler:         handler.NewAnalyzeHandler(router, handler.ModeAuto),
		QuickAnalyzeHandler:    handler.NewAnalyzeHandler(router, handler.ModeQuick),
		DeepAnalyzeHandler:     handler.NewAnalyzeHandler(router, handler.ModeDeep),
		EnqueuePipelineHandler: handler.NewEnqueuePipelineHandler(router),
		MediaJobHandler:        handler.NewMediaJobHandler(s, s),
		MomentsHandler:         handler.NewMomentsHandler(pub),
		FeedHandler:            handler.NewFeedHandler(pub),
		RefreshHandler:         handler.NewRefreshHandler(agg),
	}

	ts := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(ts.Close)

	return &testServer{server: ts, store: s, cache: c}
}

func (ts *testServer) request(method, path, key string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, ts.server.URL+path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (ts *testServer) authRequest(method, path string, body any) *http.Request {
	return ts.request(method, path, testRawKey, body)
}

func (ts *testServer) unauthRequest(method, path string) *http.Request {
	return ts.request(method, path, "", nil)
}

func (ts *testServer) addKey(raw string, userID uuid.UUID, scopes ...string) {
	ts.store.mu.Lock()
	defer ts.store.mu.Unlock()
	ts.store.keys = append(ts.store.keys, &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      raw,
		KeyHash:   testKeyHash(raw),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
	})
}

func do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseBody(t, resp)
	errObj := body["error"].(map[string]any)
	return errObj["code"].(string)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTRACT TESTS
// ═══════════════════════════════════════════════════════════════════════════════

// ─── GET /api/v1/health ──────────────────────────────────────────────────────

func TestHealth_200_AllOK(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.unauthRequest("GET", "/api/v1/health"))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
}

func TestHealth_503_CacheDegraded(t *testing.T) {
	ts := newTestServer(t)
	ts.cache.pingErr = errors.New("connection refused")

	resp := do(t, ts.unauthRequest("GET", "/api/v1/health"))

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := parseBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, "ok", details["database"])
	assert.Equal(t, "degraded", details["cache"])
}

// ─── POST /api/v1/jobs, GET /api/v1/jobs/{jobID} ─────────────────────────────

func TestEnqueueJob_202_ThenPoll(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/jobs", map[string]any{
		"type":    "thumbnail.render",
		"payload": map[string]any{"capture_id": uuid.NewString()},
	}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, models.JobStatusQueued, data["status"])
	jobID := data["id"].(string)

	resp = do(t, ts.authRequest("GET", "/api/v1/jobs/"+jobID, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, jobID, data["id"])
	assert.Equal(t, "thumbnail.render", data["type"])
	assert.Equal(t, models.JobStatusQueued, data["status"])
	assert.EqualValues(t, 3, data["max_attempts"])
	assert.NotContains(t, data, "error")
}

func TestEnqueueJob_400_Validation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		body any
	}{
		{"missing type", map[string]any{"payload": map[string]any{}}},
		{"max attempts too high", map[string]any{"type": "x", "max_attempts": 11}},
		{"negative max attempts", map[string]any{"type": "x", "max_attempts": -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := do(t, ts.authRequest("POST", "/api/v1/jobs", tc.body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
		})
	}
}

func TestEnqueueJob_202_ZeroMaxAttemptsUsesDefault(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/jobs", map[string]any{"type": "x", "max_attempts": 0}))

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := uuid.MustParse(parseBody(t, resp)["data"].(map[string]any)["id"].(string))
	assert.Equal(t, 3, ts.store.jobs[id].MaxAttempts)
}

func TestEnqueueJob_400_MaxAttemptsMessageNamesDefault(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/jobs", map[string]any{"type": "x", "max_attempts": 11}))

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	msg := parseBody(t, resp)["error"].(map[string]any)["message"].(string)
	assert.Contains(t, msg, "0 for the server default")
}

func TestEnqueueJob_400_InvalidJSON(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/jobs", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	resp := do(t, req)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ─── GET /api/v1/jobs ────────────────────────────────────────────────────────

func seedJobs(t *testing.T, ts *testServer, owner uuid.UUID, n int, typ string) {
	t.Helper()
	ts.store.mu.Lock()
	defer ts.store.mu.Unlock()
	base := time.Now().Add(-time.Hour)
	for i := range n {
		job := ts.store.newJob(store.EnqueueParams{Type: typ, OwnerID: &owner}, models.JobStatusQueued)
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
	}
}

func TestListJobs_200_OwnerScopedDefaultPage(t *testing.T) {
	ts := newTestServer(t)
	seedJobs(t, ts, testUserID, 25, "render")
	seedJobs(t, ts, uuid.New(), 5, "render")

	resp := do(t, ts.authRequest("GET", "/api/v1/jobs", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].([]any)
	assert.Len(t, data, 20)
	meta := body["meta"].(map[string]any)
	assert.EqualValues(t, 1, meta["page"])
	assert.EqualValues(t, 20, meta["limit"])
	assert.Equal(t, true, meta["has_next"])
	first := data[0].(map[string]any)["created_at"].(string)
	second := data[1].(map[string]any)["created_at"].(string)
	assert.Greater(t, first, second)
}

func TestListJobs_200_LastPage(t *testing.T) {
	ts := newTestServer(t)
	seedJobs(t, ts, testUserID, 25, "render")

	resp := do(t, ts.authRequest("GET", "/api/v1/jobs?page=2&limit=20", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	assert.Len(t, body["data"].([]any), 5)
	assert.Equal(t, false, body["meta"].(map[string]any)["has_next"])
}

func TestListJobs_200_ExactPageHasNoNext(t *testing.T) {
	ts := newTestServer(t)
	seedJobs(t, ts, testUserID, 4, "render")

	resp := do(t, ts.authRequest("GET", "/api/v1/jobs?limit=4", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	assert.Len(t, body["data"].([]any), 4)
	assert.Equal(t, false, body["meta"].(map[string]any)["has_next"])
}

func TestListJobs_200_LimitCappedAndFiltered(t *testing.T) {
	ts := newTestServer(t)
	seedJobs(t, ts, testUserID, 3, "render")
	seedJobs(t, ts, testUserID, 2, "transcode")

	resp := do(t, ts.authRequest("GET", "/api/v1/jobs?limit=500&type=transcode", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].([]any)
	require.Len(t, data, 2)
	for _, d := range data {
		assert.Equal(t, "transcode", d.(map[string]any)["type"])
	}
	assert.EqualValues(t, 100, body["meta"].(map[string]any)["limit"])
}

func TestListJobs_200_EmptyIsArray(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("GET", "/api/v1/jobs", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, ok := parseBody(t, resp)["data"].([]any)
	require.True(t, ok)
	assert.Empty(t, data)
}

func TestListJobs_400_BadParams(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{"page=0", "page=x", "limit=0", "limit=-3"} {
		t.Run(q, func(t *testing.T) {
			resp := do(t, ts.authRequest("GET", "/api/v1/jobs?"+q, nil))

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
		})
	}
}

func TestGetJob_400_InvalidID(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("GET", "/api/v1/jobs/not-a-uuid", nil))

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJob_404_OtherOwner(t *testing.T) {
	ts := newTestServer(t)
	other := uuid.New()
	job, err := ts.store.Enqueue(context.Background(), store.EnqueueParams{Type: "x", OwnerID: &other})
	require.NoError(t, err)

	resp := do(t, ts.authRequest("GET", "/api/v1/jobs/"+job.ID.String(), nil))

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errorCode(t, resp))
}

func TestGetJob_200_FailedCarriesError(t *testing.T) {
	ts := newTestServer(t)
	job, err := ts.store.Enqueue(context.Background(), store.EnqueueParams{Type: "x", OwnerID: &testUserID})
	require.NoError(t, err)
	msg := "handler panic: boom"
	job.Status = models.JobStatusFailed
	job.Error = &msg

	resp := do(t, ts.authRequest("GET", "/api/v1/jobs/"+job.ID.String(), nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, models.JobStatusFailed, data["status"])
	assert.Equal(t, msg, data["error"])
}

// ─── POST /api/v1/media/analyze ──────────────────────────────────────────────

func TestAnalyze_200_InlineUnderThreshold(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/media/analyze", map[string]any{
		"source_path": "s3://bucket/clip.jpg",
		"size_bytes":  1024,
	}))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, models.AnalysisModeQuick, data["mode"])
	assert.Equal(t, models.JobStatusDone, data["status"])
	result := data["result"].(map[string]any)
	assert.Contains(t, result["summary"], "clip.jpg")
}

func TestAnalyze_202_QueuedOverThreshold(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/media/analyze", map[string]any{
		"source_path": "s3://bucket/clip.mp4",
		"mime_type":   "video/mp4",
		"size_bytes":  1025,
	}))

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, models.AnalysisModeDeep, data["mode"])
	assert.Equal(t, models.JobStatusQueued, data["status"])
	assert.NotContains(t, data, "result")
	_, err := uuid.Parse(data["job_id"].(string))
	assert.NoError(t, err)
}

func TestAnalyze_InlineDataSizeWins(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/media/analyze", map[string]any{
		"data":       base64.StdEncoding.EncodeToString(make([]byte, 2048)),
		"mime_type":  "image/png",
		"size_bytes": 10,
	}))

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestAnalyze_400_MissingSource(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/media/analyze", map[string]any{"size_bytes": 1}))

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
}

func TestQuickAnalyze_413_OverThreshold(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/media/analyze/quick", map[string]any{
		"source_path": "s3://bucket/big.mp4",
		"size_bytes":  4096,
	}))

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errorCode(t, resp))
}

func TestDeepAnalyze_202_EvenWhenSmall(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/media/analyze/deep", map[string]any{
		"source_path": "s3://bucket/small.jpg",
		"size_bytes":  1,
	}))

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestAnalyze_ProviderErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unavailable", ai.ErrProviderUnavailable, http.StatusBadGateway, "AI_PROVIDER_UNAVAILABLE"},
		{"timeout", ai.ErrInferenceTimeout, http.StatusGatewayTimeout, "AI_INFERENCE_TIMEOUT"},
		{"invalid response", ai.ErrInvalidResponse, http.StatusBadGateway, "AI_INVALID_RESPONSE"},
		{"rejected", ai.ErrRequestRejected, http.StatusBadGateway, "AI_REQUEST_REJECTED"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, withProvider(mock.NewFailingProvider(tc.err)))

			resp := do(t, ts.authRequest("POST", "/api/v1/media/analyze/quick", map[string]any{
				"source_path": "s3://bucket/a.jpg",
				"size_bytes":  1,
			}))

			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, errorCode(t, resp))
		})
	}
}

// ─── POST /api/v1/media/pipeline ─────────────────────────────────────────────

func TestEnqueuePipeline_202(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/media/pipeline", map[string]any{
		"capture_id":  testCaptureID.String(),
		"source_path": "/data/clip.mp4",
	}))

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	id := uuid.MustParse(data["id"].(string))
	assert.Equal(t, models.JobTypeMediaPipeline, ts.store.jobs[id].Type)
}

func TestEnqueuePipeline_400_MissingCapture(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/media/pipeline", map[string]any{
		"source_path": "/data/clip.mp4",
	}))

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMedia_404_CaptureOfAnotherOwner(t *testing.T) {
	ts := newTestServer(t)
	foreign := uuid.New()
	ts.store.captures[foreign] = uuid.New()

	cases := []struct {
		path string
		body map[string]any
	}{
		{"/api/v1/media/analyze", map[string]any{"capture_id": foreign.String(), "source_path": "s3://b/a.jpg", "size_bytes": 1}},
		{"/api/v1/media/analyze/quick", map[string]any{"capture_id": foreign.String(), "source_path": "s3://b/a.jpg", "size_bytes": 1}},
		{"/api/v1/media/analyze/deep", map[string]any{"capture_id": foreign.String(), "source_path": "s3://b/a.mp4", "size_bytes": 1}},
		{"/api/v1/media/pipeline", map[string]any{"capture_id": foreign.String(), "source_path": "/data/clip.mp4"}},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			resp := do(t, ts.authRequest("POST", tc.path, tc.body))

			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, "CAPTURE_NOT_FOUND", errorCode(t, resp))
		})
	}

	ts.store.mu.Lock()
	defer ts.store.mu.Unlock()
	assert.Empty(t, ts.store.jobs)
	assert.Empty(t, ts.store.text)
}

func TestAnalyze_200_OwnedCaptureStoresText(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/media/analyze/quick", map[string]any{
		"capture_id":  testCaptureID.String(),
		"source_path": "s3://bucket/a.jpg",
		"size_bytes":  1,
	}))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobID := uuid.MustParse(parseBody(t, resp)["data"].(map[string]any)["job_id"].(string))
	ts.store.mu.Lock()
	defer ts.store.mu.Unlock()
	assert.Contains(t, ts.store.text, jobID)
}

// ─── GET /api/v1/media/jobs/{jobID} ──────────────────────────────────────────

func TestMediaJob_200_QuickWithResult(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/media/analyze/quick", map[string]any{
		"source_path": "s3://bucket/a.jpg",
		"size_bytes":  1,
	}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobID := parseBody(t, resp)["data"].(map[string]any)["job_id"].(string)

	resp = do(t, ts.authRequest("GET", "/api/v1/media/jobs/"+jobID, nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, models.JobStatusDone, data["job"].(map[string]any)["status"])
	assert.Equal(t, "s3://bucket/a.jpg", data["media"].(map[string]any)["source_path"])
	assert.NotNil(t, data["result"])
}

func TestMediaJob_200_QueuedHasNoResult(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/media/analyze/deep", map[string]any{
		"source_path": "s3://bucket/a.mp4",
		"size_bytes":  1,
	}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := parseBody(t, resp)["data"].(map[string]any)["job_id"].(string)

	resp = do(t, ts.authRequest("GET", "/api/v1/media/jobs/"+jobID, nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, models.JobStatusQueued, data["job"].(map[string]any)["status"])
	assert.Nil(t, data["result"])
}

func TestMediaJob_404_NotMediaJob(t *testing.T) {
	ts := newTestServer(t)
	job, err := ts.store.Enqueue(context.Background(), store.EnqueueParams{Type: "x", OwnerID: &testUserID})
	require.NoError(t, err)

	resp := do(t, ts.authRequest("GET", "/api/v1/media/jobs/"+job.ID.String(), nil))

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ─── GET /api/v1/moments, GET /api/v1/feed/moments ───────────────────────────

func TestMoments_200_ScopedSnapshot(t *testing.T) {
	ts := newTestServer(t)
	ts.store.moments = append(ts.store.moments, models.Moment{ProjectID: uuid.New(), CaptureCount: 9})

	resp := do(t, ts.authRequest("GET", "/api/v1/moments", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	moments := data["moments"].([]any)
	require.Len(t, moments, 1)
	assert.Equal(t, testProjectID.String(), moments[0].(map[string]any)["project_id"])
}

func TestMoments_200_EmptyWithoutProjects(t *testing.T) {
	ts := newTestServer(t)
	loner := "cr_lone_0123456789abcdef"
	ts.addKey(loner, uuid.New(), mw.ScopeRead)

	resp := do(t, ts.request("GET", "/api/v1/moments", loner, nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Empty(t, data["moments"])
}

func TestFeed_204_WithoutProjects(t *testing.T) {
	ts := newTestServer(t)
	loner := "cr_lone_0123456789abcdef"
	ts.addKey(loner, uuid.New(), mw.ScopeRead)

	resp := do(t, ts.request("GET", "/api/v1/feed/moments", loner, nil))

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestFeed_StreamsHelloAndSnapshots(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := ts.authRequest("GET", "/api/v1/feed/moments", nil).WithContext(ctx)
	resp := do(t, req)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(events) < 3 {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
		}
	}
	cancel()

	assert.Equal(t, []string{"hello", feed.EventMoments, feed.EventMoments}, events)
}

// ─── POST /api/v1/read-models/moments/refresh ────────────────────────────────

func TestRefresh_200_BumpsVersion(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("POST", "/api/v1/read-models/moments/refresh", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, data["ok"])
	assert.Equal(t, 1, ts.store.refreshes)
	assert.Len(t, ts.cache.counters, 2) // rate limit window + moments version
}

func TestRefresh_500_Failure(t *testing.T) {
	ts := newTestServer(t)
	ts.store.refreshErr = errors.New("lock timeout")

	resp := do(t, ts.authRequest("POST", "/api/v1/read-models/moments/refresh", nil))

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "REFRESH_FAILED", errorCode(t, resp))
}

// ─── Auth middleware contract ────────────────────────────────────────────────

func TestAuth_AllProtectedEndpoints_Reject401(t *testing.T) {
	ts := newTestServer(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/jobs"},
		{"GET", "/api/v1/jobs/" + uuid.NewString()},
		{"POST", "/api/v1/media/analyze"},
		{"POST", "/api/v1/media/analyze/quick"},
		{"POST", "/api/v1/media/analyze/deep"},
		{"GET", "/api/v1/media/jobs/" + uuid.NewString()},
		{"GET", "/api/v1/moments"},
		{"GET", "/api/v1/feed/moments"},
		{"POST", "/api/v1/read-models/moments/refresh"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			resp := do(t, ts.unauthRequest(ep.method, ep.path))

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "INVALID_TOKEN", errorCode(t, resp))
		})
	}
}

func TestAuth_InvalidBearerToken(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.request("GET", "/api/v1/moments", "cr_test_wrong_key_that_does_not_match", nil))

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ─── Rate limiting contract ─────────────────────────────────────────────────

func TestRateLimit_Headers_Present(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.authRequest("GET", "/api/v1/moments", nil))

	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
}

func TestRateLimit_429_Exceeded(t *testing.T) {
	ts := newTestServer(t)

	// The rate limit is set to 10 in newTestServer
	for i := 0; i < 10; i++ {
		resp := do(t, ts.authRequest("GET", "/api/v1/moments", nil))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := do(t, ts.authRequest("GET", "/api/v1/moments", nil))

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, resp))
}

// ─── Scope contract ─────────────────────────────────────────────────────────

func TestScopes_ReadOnlyKey(t *testing.T) {
	ts := newTestServer(t)
	readOnly := "cr_read_1234567890abcdef"
	ts.addKey(readOnly, testUserID, mw.ScopeRead)

	resp := do(t, ts.request("GET", "/api/v1/moments", readOnly, nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, path := range []string{"/api/v1/jobs", "/api/v1/media/analyze", "/api/v1/read-models/moments/refresh"} {
		t.Run(path, func(t *testing.T) {
			resp := do(t, ts.request("POST", path, readOnly, map[string]any{}))

			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			assert.Equal(t, "FORBIDDEN", errorCode(t, resp))
		})
	}
}

// ─── Response format contract ───────────────────────────────────────────────

func TestResponseFormat_SuccessEnvelope(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.unauthRequest("GET", "/api/v1/health"))

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, parseBody(t, resp), "data")
}

func TestResponseFormat_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts.unauthRequest("POST", "/api/v1/media/analyze"))

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body := parseBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.NotEmpty(t, errObj["code"])
	assert.NotEmpty(t, errObj["message"])
}
