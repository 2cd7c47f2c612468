package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raphaelgruber/manuscript/internal/metrics"
	"github.com/raphaelgruber/manuscript/internal/models"
	"github.com/raphaelgruber/manuscript/internal/service"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
	maxBodyBytes    = 1 << 20
	healthTimeout   = 2 * time.Second
)

type startRequest struct {
	Title           string `json:"title"`
	Premise         string `json:"premise"`
	Genre           string `json:"genre,omitempty"`
	Audience        string `json:"audience,omitempty"`
	UnitCount       int    `json:"unitCount"`
	SubUnitsPerUnit int    `json:"subUnitsPerUnit"`
	RepoOwner       string `json:"repoOwner,omitempty"`
}

func (r startRequest) spec() models.JobSpec {
	return models.JobSpec{
		Title:           r.Title,
		Premise:         r.Premise,
		Genre:           r.Genre,
		Audience:        r.Audience,
		UnitCount:       r.UnitCount,
		SubUnitsPerUnit: r.SubUnitsPerUnit,
		RepoOwner:       r.RepoOwner,
	}
}

type startResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
	JobID string `json:"jobId,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	jobID, err := s.ctrl.Start(r.Context(), req.spec())
	if err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("start job failed", "job_id", jobID, "error", err)
		}
		writeJSON(w, status, errorResponse{Error: err.Error(), JobID: jobID})
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{JobID: jobID, Status: "started"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.ctrl.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobViews(jobs))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.ctrl.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctrl.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	records, err := s.ctrl.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgressViews(records))
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	analysis, err := s.ctrl.Analyze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLogLimit)
	}

	entries, err := s.ctrl.Logs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLogViews(entries))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusOK, metrics.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// errorStatus maps orchestrator errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
