// Package server exposes the job control operations over HTTP and streams
// job progress over WebSocket.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/manuscript/internal/metrics"
	"github.com/raphaelgruber/manuscript/internal/models"
	"github.com/raphaelgruber/manuscript/internal/service"
)

// Controller is the set of job operations the server exposes.
// *service.Orchestrator implements it.
type Controller interface {
	Start(ctx context.Context, spec models.JobSpec) (string, error)
	Resume(ctx context.Context, jobID string) (*service.ResumeResult, error)
	Pause(ctx context.Context, jobID string) error
	Delete(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context) ([]models.Job, error)
	Progress(ctx context.Context, jobID string) ([]models.ProgressRecord, error)
	Latest(ctx context.Context, jobID string) (*models.ProgressRecord, error)
	Analyze(ctx context.Context, jobID string) (*service.Analysis, error)
	Logs(ctx context.Context, jobID string, limit int) ([]models.LogEntry, error)
	Running(jobID string) bool
}

var _ Controller = (*service.Orchestrator)(nil)

// Pinger checks a backing dependency. *db.Client implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// Health is pinged by GET /health. Nil reports healthy.
	Health Pinger
	// WatchInterval is how often a watch stream polls the job. Default 1s.
	WatchInterval time.Duration
}

// Server serves the control API.
type Server struct {
	ctrl          Controller
	health        Pinger
	metrics       *metrics.Collector
	logger        *slog.Logger
	upgrader      websocket.Upgrader
	watchInterval time.Duration
}

// New creates a Server for ctrl.
func New(ctrl Controller, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.WatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Server{
		ctrl:    ctrl,
		health:  opts.Health,
		metrics: opts.Metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		watchInterval: interval,
	}
}

// Routes returns the HTTP handler for the API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Post("/resume", s.handleResume)
			r.Post("/pause", s.handlePause)
			r.Get("/progress", s.handleProgress)
			r.Get("/analysis", s.handleAnalysis)
			r.Get("/logs", s.handleLogs)
			r.Get("/watch", s.handleWatch)
		})
	})

	return r
}
