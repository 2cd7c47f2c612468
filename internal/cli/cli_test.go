package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/manuscript/internal/client"
	"github.com/raphaelgruber/manuscript/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// run executes the root command against url and returns its output.
func run(t *testing.T, url, stdin string, args ...string) (string, error) {
	t.Helper()
	deleteForce, startWatch, resumeWatch, noTUI, usageDetailed = false, false, false, false, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--server", url}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func jobJSON(id string, status models.JobStatus) map[string]any {
	return map[string]any{
		"id":              id,
		"title":           "Harbor Lights",
		"status":          status,
		"unitCount":       4,
		"subUnitsPerUnit": 3,
		"repoOwner":       "manuscript",
		"repoName":        "harbor-lights-abcd1234",
		"createdAt":       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		"updatedAt":       time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
	}
}

func TestStepFraction(t *testing.T) {
	tests := []struct {
		name   string
		latest *client.ProgressRecord
		want   int
	}{
		{"no ledger", nil, 0},
		{"first step running", &client.ProgressRecord{Step: models.StepInputValidation, Status: models.StepStarted}, 0},
		{"outline done", &client.ProgressRecord{Step: models.StepOutline, Status: models.StepSucceeded}, 4},
		{"content failed", &client.ProgressRecord{Step: models.StepContentGeneration, Status: models.StepFailed}, 4},
		{"completed", &client.ProgressRecord{Step: models.StepCompleted, Status: models.StepSucceeded}, 7},
		{"unknown", &client.ProgressRecord{Step: "bogus", Status: models.StepStarted}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, total := stepFraction(tt.latest)
			assert.Equal(t, tt.want, done)
			assert.Equal(t, len(models.Steps), total)
		})
	}
}

func TestJobsListAndShow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{jobJSON("job-1", models.JobGenerating)})
	})
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "job-1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		writeJSON(w, http.StatusOK, jobJSON("job-1", models.JobGenerating))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := run(t, ts.URL, "", "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "4x3")
	assert.Contains(t, out, "Harbor Lights")

	out, err = run(t, ts.URL, "", "jobs", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Repository: manuscript/harbor-lights-abcd1234")

	_, err = run(t, ts.URL, "", "jobs", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found: nope")
}

func TestStartReportsSetupFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "step repository_setup: quota", "jobId": "job-7"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	_, err := run(t, ts.URL, "", "start", "--title", "T", "--premise", "P", "--units", "1", "--subunits", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manuscript resume job-7")
}

func TestDeleteAsksForConfirmation(t *testing.T) {
	var deletes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, jobJSON(r.PathValue("id"), models.JobError))
	})
	mux.HandleFunc("DELETE /jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		deletes.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := run(t, ts.URL, "n\n", "delete", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled.")
	assert.Equal(t, int32(0), deletes.Load())

	out, err = run(t, ts.URL, "yes\n", "delete", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted: Harbor Lights")
	assert.Equal(t, int32(1), deletes.Load())

	_, err = run(t, ts.URL, "", "delete", "job-1", "--force")
	require.NoError(t, err)
	assert.Equal(t, int32(2), deletes.Load())
}

func TestAnalyzeAndLogsOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}/analysis", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"trueStep":     "content_generation",
			"nextArtifact": "section_02_02_draft.md",
			"rationale":    "3 of 4 sub-units complete",
			"presence":     map[string]any{"repositoryExists": true, "outline": true, "drafts": 3, "summaries": 3, "expectedSubUnits": 4},
			"missing":      []map[string]int{{"unit": 2, "sub_unit": 2}},
		})
	})
	mux.HandleFunc("GET /jobs/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, []map[string]any{{
			"level": "warn", "message": "ledger drift repaired", "step": "content_generation",
			"details":   map[string]any{"ledger_step": "compilation"},
			"timestamp": time.Now(),
		}})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := run(t, ts.URL, "", "analyze", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "True step: content_generation")
	assert.Contains(t, out, "Drafts:     3/4")
	assert.Contains(t, out, "Missing sub-units (1): (2,2)")

	out, err = run(t, ts.URL, "", "logs", "job-1", "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "WARN  [content_generation] ledger drift repaired ledger_step=compilation")
}

func watchServer(t *testing.T, statuses ...models.JobStatus) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jobs/{id}/watch", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, status := range statuses {
			job := jobJSON("job-1", status)
			if status == models.JobError {
				job["error"] = "sub-units incomplete: (2,2)"
			}
			_ = conn.WriteJSON(map[string]any{
				"job":    job,
				"latest": map[string]any{"id": "p", "step": "content_generation", "status": "started"},
			})
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "settled")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestWatchPlainOutput(t *testing.T) {
	ts := watchServer(t, models.JobProcessing, models.JobGenerating, models.JobCompleted)

	out, err := run(t, ts.URL, "", "watch", "job-1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "generating")
	assert.Contains(t, lines[1], "4/7 content_generation started")
}

func TestWatchReportsJobError(t *testing.T) {
	ts := watchServer(t, models.JobGenerating, models.JobError)

	_, err := run(t, ts.URL, "", "watch", "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-units incomplete")
}

func TestProgressModelSettles(t *testing.T) {
	m := newProgressModel("job-1")

	next, cmd := m.Update(snapshotMsg{Job: client.Job{ID: "job-1", Status: models.JobGenerating}})
	m = next.(progressModel)
	assert.Nil(t, cmd)
	assert.False(t, m.done)
	assert.Contains(t, m.renderContent(), "[generating]")

	next, cmd = m.Update(snapshotMsg{Job: client.Job{ID: "job-1", Status: models.JobError, Error: "boom"}})
	m = next.(progressModel)
	assert.NotNil(t, cmd)
	assert.True(t, m.done)
	require.Error(t, m.err)
	assert.Contains(t, m.renderContent(), "manuscript resume job-1")
}

func TestProgressModelPaused(t *testing.T) {
	m := newProgressModel("job-1")
	next, _ := m.Update(snapshotMsg{
		Job:    client.Job{ID: "job-1", Status: models.JobPaused},
		Latest: &client.ProgressRecord{Step: models.StepCompilation, Status: models.StepFailed},
	})
	m = next.(progressModel)
	assert.True(t, m.done)
	assert.NoError(t, m.err)
	assert.Contains(t, m.renderContent(), "paused at compilation")
}

func TestUsageOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"uptime_seconds": 90,
			"generation": map[string]any{
				"count": 4, "avg_time_ms": 250,
				"input_tokens": map[string]any{"total": 4000, "avg": 1000},
			},
			"invocations": map[string]any{
				"generate_draft": map[string]any{"count": 3, "failures": 1, "retries": 1, "avg_time_ms": 10},
			},
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	out, err := run(t, ts.URL, "", "usage", "--detailed")
	require.NoError(t, err)
	assert.Contains(t, out, "Server:  ok, up 1m30s")
	assert.Contains(t, out, "Generation: 4 calls, avg 250ms")
	assert.Contains(t, out, "input tokens:  4000 (avg 1000)")
	assert.Contains(t, out, "Invocations: 3 attempts, 1 failed, 1 retried")
	assert.Contains(t, out, "generate_draft")
}
