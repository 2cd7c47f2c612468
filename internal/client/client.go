// Package client provides an HTTP client for the manuscript control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/manuscript/internal/metrics"
	"github.com/raphaelgruber/manuscript/internal/models"
)

// Client talks to a manuscript server.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a new client.
// If endpoint is empty, uses MANUSCRIPT_SERVER_URL env var or defaults to localhost:8585.
// Timeout can be configured via MANUSCRIPT_CLIENT_TIMEOUT env var (default 2m).
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("MANUSCRIPT_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8585"
	}

	// Start runs the setup steps before answering, which may include remote
	// repository creation.
	timeout := 2 * time.Minute
	if t := os.Getenv("MANUSCRIPT_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// =============================================================================
// TYPES (matching the server's JSON)
// =============================================================================

// StartInput describes a new job.
type StartInput struct {
	Title           string `json:"title"`
	Premise         string `json:"premise"`
	Genre           string `json:"genre,omitempty"`
	Audience        string `json:"audience,omitempty"`
	UnitCount       int    `json:"unitCount"`
	SubUnitsPerUnit int    `json:"subUnitsPerUnit"`
	RepoOwner       string `json:"repoOwner,omitempty"`
}

// Job is a generation run.
type Job struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Premise         string           `json:"premise"`
	Genre           string           `json:"genre,omitempty"`
	Audience        string           `json:"audience,omitempty"`
	UnitCount       int              `json:"unitCount"`
	SubUnitsPerUnit int              `json:"subUnitsPerUnit"`
	Status          models.JobStatus `json:"status"`
	RepoOwner       string           `json:"repoOwner,omitempty"`
	RepoName        string           `json:"repoName,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// ProgressRecord is one ledger entry.
type ProgressRecord struct {
	ID          string            `json:"id"`
	Step        models.Step       `json:"step"`
	Status      models.StepStatus `json:"status"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// LogEntry is a job log line.
type LogEntry struct {
	Level     models.LogLevel `json:"level"`
	Message   string          `json:"message"`
	Step      models.Step     `json:"step,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Presence lists which defining artifacts exist.
type Presence struct {
	SpecValid          bool `json:"specValid"`
	RepositoryRecorded bool `json:"repositoryRecorded"`
	RepositoryExists   bool `json:"repositoryExists"`
	Outline            bool `json:"outline"`
	Drafts             int  `json:"drafts"`
	Summaries          int  `json:"summaries"`
	ExpectedSubUnits   int  `json:"expectedSubUnits"`
	Compiled           bool `json:"compiled"`
	FrontMatter        bool `json:"frontMatter"`
}

// Analysis is the server's reading of a job's artifacts.
type Analysis struct {
	TrueStep     models.Step       `json:"trueStep"`
	Presence     Presence          `json:"presence"`
	NextArtifact string            `json:"nextArtifact,omitempty"`
	Missing      []models.Position `json:"missing,omitempty"`
	Rationale    string            `json:"rationale"`
}

// ResumeResult describes where a resumed job re-entered the pipeline.
type ResumeResult struct {
	ResumedFromStep models.Step `json:"resumedFromStep"`
	DriftDetected   bool        `json:"driftDetected"`
	Analysis        *Analysis   `json:"analysis,omitempty"`
}

// Snapshot is one message of a watch stream.
type Snapshot struct {
	Job    Job             `json:"job"`
	Latest *ProgressRecord `json:"latest,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// JobID is set when a job was created before the request failed.
	JobID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, resp.Status, data)
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func decodeError(code int, status string, body []byte) error {
	var payload struct {
		Error string `json:"error"`
		JobID string `json:"jobId"`
	}
	apiErr := &APIError{StatusCode: code, Message: status}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.JobID = payload.JobID
	} else if s := strings.TrimSpace(string(body)); s != "" {
		apiErr.Message = s
	}
	return apiErr
}

func jobPath(id string, suffix string) string {
	return "/jobs/" + url.PathEscape(id) + suffix
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Start creates a job. The setup steps have run when it returns.
func (c *Client) Start(ctx context.Context, input StartInput) (string, error) {
	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs", input, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// ListJobs returns every job.
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJob returns one job.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, jobPath(id, ""), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Resume continues a job from the step its artifacts show it has reached.
func (c *Client) Resume(ctx context.Context, id string) (*ResumeResult, error) {
	var result ResumeResult
	if err := c.do(ctx, http.MethodPost, jobPath(id, "/resume"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Pause asks a job to stop at its next step boundary.
func (c *Client) Pause(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, jobPath(id, "/pause"), nil, nil)
}

// Delete removes a job and its records.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, jobPath(id, ""), nil, nil)
}

// Progress returns a job's ledger in start order.
func (c *Client) Progress(ctx context.Context, id string) ([]ProgressRecord, error) {
	var records []ProgressRecord
	if err := c.do(ctx, http.MethodGet, jobPath(id, "/progress"), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Analyze returns the server's reading of a job's artifacts.
func (c *Client) Analyze(ctx context.Context, id string) (*Analysis, error) {
	var analysis Analysis
	if err := c.do(ctx, http.MethodGet, jobPath(id, "/analysis"), nil, &analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}

// Logs returns up to limit log lines of a job. A limit of 0 uses the server default.
func (c *Client) Logs(ctx context.Context, id string, limit int) ([]LogEntry, error) {
	path := jobPath(id, "/logs")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []LogEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Health checks the server and its database.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Metrics returns the server's runtime statistics.
func (c *Client) Metrics(ctx context.Context) (*metrics.Snapshot, error) {
	var snap metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/metrics", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Watch streams job snapshots to onSnapshot until the job settles, ctx is
// cancelled, or onSnapshot returns an error.
func (c *Client) Watch(ctx context.Context, id string, onSnapshot func(Snapshot) error) error {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + jobPath(id, "/watch"))
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return decodeError(resp.StatusCode, resp.Status, body)
		}
		return fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var snap Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read snapshot: %w", err)
		}
		if err := onSnapshot(snap); err != nil {
			return err
		}
	}
}
