package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/manuscript/internal/metrics"
	"github.com/raphaelgruber/manuscript/internal/models"
	"github.com/raphaelgruber/manuscript/internal/server"
	"github.com/raphaelgruber/manuscript/internal/service"
)

type fakeController struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	startErr  error
	startID   string
	lastSpec  models.JobSpec
	resumeErr error
	deleteErr error
	logLimit  int
	// statuses are handed out one per Get call; the last one sticks.
	statuses []models.JobStatus
	// running is how many more Running calls report a live run.
	running int
}

func newFakeController() *fakeController {
	return &fakeController{jobs: map[string]*models.Job{}}
}

func (f *fakeController) add(id string, status models.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id] = &models.Job{
		ID:              surrealmodels.NewRecordID("job", id),
		Title:           "Title " + id,
		Premise:         "premise",
		UnitCount:       2,
		SubUnitsPerUnit: 2,
		Status:          status,
	}
}

func (f *fakeController) Start(_ context.Context, spec models.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSpec = spec
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", service.ErrValidation, err)
	}
	return f.startID, f.startErr
}

func (f *fakeController) Resume(_ context.Context, jobID string) (*service.ResumeResult, error) {
	if _, err := f.Get(context.Background(), jobID); err != nil {
		return nil, err
	}
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	return &service.ResumeResult{
		ResumedFromStep: models.StepContentGeneration,
		DriftDetected:   true,
		Analysis:        &service.Analysis{TrueStep: models.StepContentGeneration},
	}, nil
}

func (f *fakeController) Pause(ctx context.Context, jobID string) error {
	_, err := f.Get(ctx, jobID)
	return err
}

func (f *fakeController) Delete(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.jobs[jobID]; !ok {
		return service.ErrJobNotFound
	}
	delete(f.jobs, jobID)
	return nil
}

func (f *fakeController) Get(_ context.Context, jobID string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("get job: %w", service.ErrJobNotFound)
	}
	if len(f.statuses) > 0 {
		job.Status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	cp := *job
	return &cp, nil
}

func (f *fakeController) List(context.Context) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.jobs {
		out = append(out, *j)
	}
	return out, nil
}

func (f *fakeController) Progress(ctx context.Context, jobID string) ([]models.ProgressRecord, error) {
	if _, err := f.Get(ctx, jobID); err != nil {
		return nil, err
	}
	done := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	return []models.ProgressRecord{
		{ID: surrealmodels.NewRecordID("progress", "p1"), JobID: jobID, Step: models.StepInputValidation, Status: models.StepSucceeded, CompletedAt: &done},
		{ID: surrealmodels.NewRecordID("progress", "p2"), JobID: jobID, Step: models.StepStorageSetup, Status: models.StepStarted},
	}, nil
}

func (f *fakeController) Latest(_ context.Context, jobID string) (*models.ProgressRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[jobID]
	if job == nil {
		return nil, nil
	}
	step := models.StepOutline
	if job.Status == models.JobGenerating {
		step = models.StepContentGeneration
	}
	return &models.ProgressRecord{ID: surrealmodels.NewRecordID("progress", string(step)), JobID: jobID, Step: step, Status: models.StepStarted}, nil
}

func (f *fakeController) Analyze(ctx context.Context, jobID string) (*service.Analysis, error) {
	if _, err := f.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return &service.Analysis{TrueStep: models.StepCompilation, Rationale: "all sub-units present"}, nil
}

func (f *fakeController) Logs(ctx context.Context, jobID string, limit int) ([]models.LogEntry, error) {
	if _, err := f.Get(ctx, jobID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.logLimit = limit
	f.mu.Unlock()
	step := models.StepOutline
	return []models.LogEntry{{Level: models.LogInfo, Message: "outline written", Step: &step}}, nil
}

func (f *fakeController) Running(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running > 0 {
		f.running--
		return true
	}
	return false
}

func (f *fakeController) limit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logLimit
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, ctrl server.Controller, opts server.Options) *httptest.Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	ts := httptest.NewServer(server.New(ctrl, opts).Routes())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestStartReturnsAccepted(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startID = "job-1"
	ts := newTestServer(t, ctrl, server.Options{})

	resp, body := do(t, http.MethodPost, ts.URL+"/jobs",
		`{"title":"Harbor","premise":"A lighthouse keeper","unitCount":3,"subUnitsPerUnit":2,"genre":"mystery"}`)

	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"jobId":"job-1","status":"started"}`, string(body))
	assert.Equal(t, models.JobSpec{Title: "Harbor", Premise: "A lighthouse keeper", Genre: "mystery", UnitCount: 3, SubUnitsPerUnit: 2}, ctrl.lastSpec)
}

func TestStartValidationIsBadRequest(t *testing.T) {
	ts := newTestServer(t, newFakeController(), server.Options{})

	resp, body := do(t, http.MethodPost, ts.URL+"/jobs", `{"title":"","unitCount":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "title is required")

	resp, _ = do(t, http.MethodPost, ts.URL+"/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartSetupFailureKeepsJobID(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startID = "job-9"
	ctrl.startErr = &service.StepError{Step: models.StepRepositorySetup, Err: errors.New("remote unavailable")}
	ts := newTestServer(t, ctrl, server.Options{})

	resp, body := do(t, http.MethodPost, ts.URL+"/jobs", `{"title":"T","premise":"P","unitCount":1,"subUnitsPerUnit":1}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var got map[string]string
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "job-9", got["jobId"])
	assert.Contains(t, got["error"], "repository_setup")
}

func TestGetAndList(t *testing.T) {
	ctrl := newFakeController()
	ctrl.add("a", models.JobProcessing)
	ts := newTestServer(t, ctrl, server.Options{})

	resp, body := do(t, http.MethodGet, ts.URL+"/jobs/a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job server.JobView
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "a", job.ID)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Equal(t, 2, job.UnitCount)

	resp, body = do(t, http.MethodGet, ts.URL+"/jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []server.JobView
	require.NoError(t, json.Unmarshal(body, &jobs))
	assert.Len(t, jobs, 1)
}

func TestErrorStatusMapping(t *testing.T) {
	ctrl := newFakeController()
	ctrl.add("busy", models.JobGenerating)
	ctrl.resumeErr = fmt.Errorf("%w: job busy is generating", service.ErrInvalidState)
	ts := newTestServer(t, ctrl, server.Options{})

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"get unknown", http.MethodGet, "/jobs/missing", http.StatusNotFound},
		{"resume unknown", http.MethodPost, "/jobs/missing/resume", http.StatusNotFound},
		{"resume running", http.MethodPost, "/jobs/busy/resume", http.StatusConflict},
		{"pause unknown", http.MethodPost, "/jobs/missing/pause", http.StatusNotFound},
		{"progress unknown", http.MethodGet, "/jobs/missing/progress", http.StatusNotFound},
		{"analysis unknown", http.MethodGet, "/jobs/missing/analysis", http.StatusNotFound},
		{"logs unknown", http.MethodGet, "/jobs/missing/logs", http.StatusNotFound},
		{"delete unknown", http.MethodDelete, "/jobs/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, ts.URL+tt.path, "")
			assert.Equal(t, tt.want, resp.StatusCode, string(body))
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestResumeReturnsResult(t *testing.T) {
	ctrl := newFakeController()
	ctrl.add("a", models.JobError)
	ts := newTestServer(t, ctrl, server.Options{})

	resp, body := do(t, http.MethodPost, ts.URL+"/jobs/a/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got service.ResumeResult
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.StepContentGeneration, got.ResumedFromStep)
	assert.True(t, got.DriftDetected)
	require.NotNil(t, got.Analysis)
}

func TestPauseReturnsOK(t *testing.T) {
	ctrl := newFakeController()
	ctrl.add("a", models.JobGenerating)
	ts := newTestServer(t, ctrl, server.Options{})

	resp, body := do(t, http.MethodPost, ts.URL+"/jobs/a/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestDelete(t *testing.T) {
	ctrl := newFakeController()
	ctrl.add("a", models.JobError)
	ts := newTestServer(t, ctrl, server.Options{})

	resp, _ := do(t, http.MethodDelete, ts.URL+"/jobs/a", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	ctrl.add("b", models.JobGenerating)
	ctrl.deleteErr = fmt.Errorf("%w: job b is running", service.ErrInvalidState)
	resp, _ = do(t, http.MethodDelete, ts.URL+"/jobs/b", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestProgressAndAnalysis(t *testing.T) {
	ctrl := newFakeController()
	ctrl.add("a", models.JobProcessing)
	ts := newTestServer(t, ctrl, server.Options{})

	resp, body := do(t, http.MethodGet, ts.URL+"/jobs/a/progress", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records []server.ProgressView
	require.NoError(t, json.Unmarshal(body, &records))
	require.Len(t, records, 2)
	assert.Equal(t, models.StepInputValidation, records[0].Step)
	assert.Equal(t, "p1", records[0].ID)
	assert.NotNil(t, records[0].CompletedAt)
	assert.Equal(t, models.StepStarted, records[1].Status)

	resp, body = do(t, http.MethodGet, ts.URL+"/jobs/a/analysis", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var analysis service.Analysis
	require.NoError(t, json.Unmarshal(body, &analysis))
	assert.Equal(t, models.StepCompilation, analysis.TrueStep)
}

func TestLogsLimit(t *testing.T) {
	ctrl := newFakeController()
	ctrl.add("a", models.JobProcessing)
	ts := newTestServer(t, ctrl, server.Options{})

	resp, body := do(t, http.MethodGet, ts.URL+"/jobs/a/logs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 100, ctrl.limit())
	var entries []server.LogView
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, models.StepOutline, entries[0].Step)

	resp, _ = do(t, http.MethodGet, ts.URL+"/jobs/a/logs?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, ctrl.limit())

	resp, _ = do(t, http.MethodGet, ts.URL+"/jobs/a/logs?limit=999999", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1000, ctrl.limit())

	resp, _ = do(t, http.MethodGet, ts.URL+"/jobs/a/logs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, newFakeController(), server.Options{Health: stubPinger{}})
	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	ts = newTestServer(t, newFakeController(), server.Options{Health: stubPinger{err: errors.New("connection refused")}})
	resp, body = do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "connection refused")
}

func TestMetrics(t *testing.T) {
	collector := metrics.NewCollector()
	collector.RecordAttempt("generate_draft", 20*time.Millisecond, errors.New("503"), true)
	collector.RecordAttempt("generate_draft", 10*time.Millisecond, nil, false)
	ts := newTestServer(t, newFakeController(), server.Options{Metrics: collector})

	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Contains(t, snap.Invocations, "generate_draft")
	assert.Equal(t, int64(2), snap.Invocations["generate_draft"].Count)
	assert.Equal(t, int64(1), snap.Invocations["generate_draft"].Retries)
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestWatchStreamsUntilSettled(t *testing.T) {
	ctrl := newFakeController()
	ctrl.add("a", models.JobProcessing)
	ctrl.statuses = []models.JobStatus{
		models.JobProcessing, // pre-upgrade lookup
		models.JobProcessing,
		models.JobProcessing,
		models.JobGenerating,
		models.JobCompleted,
	}
	ts := newTestServer(t, ctrl, server.Options{WatchInterval: 5 * time.Millisecond})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/jobs/a/watch"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var seen []models.JobStatus
	for {
		var snap server.Snapshot
		err := conn.ReadJSON(&snap)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		seen = append(seen, snap.Job.Status)
		require.NotNil(t, snap.Latest)
	}

	// Unchanged snapshots are not repeated.
	assert.Equal(t, []models.JobStatus{models.JobProcessing, models.JobGenerating, models.JobCompleted}, seen)
}

func TestWatchKeepsStreamingWhileRunLive(t *testing.T) {
	ctrl := newFakeController()
	ctrl.add("a", models.JobError)
	ctrl.statuses = []models.JobStatus{
		models.JobError, // pre-upgrade lookup
		models.JobError,
		models.JobError,
		models.JobProcessing,
		models.JobCompleted,
	}
	ctrl.running = 2
	ts := newTestServer(t, ctrl, server.Options{WatchInterval: 5 * time.Millisecond})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/jobs/a/watch"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var seen []models.JobStatus
	for {
		var snap server.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		seen = append(seen, snap.Job.Status)
	}

	// A stale error status does not end the stream while a resumed run is live.
	assert.Equal(t, []models.JobStatus{models.JobError, models.JobProcessing, models.JobCompleted}, seen)
}

func TestWatchUnknownJob(t *testing.T) {
	ts := newTestServer(t, newFakeController(), server.Options{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/jobs/missing/watch"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
