package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/manuscript/internal/service"
)

const writeWait = 10 * time.Second

// handleWatch streams {job, latest} snapshots whenever they change and
// closes the stream once the job settles with no run left in flight.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.ctrl.Get(r.Context(), jobID); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so close messages are seen.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	var last []byte
	for {
		snap, err := s.snapshot(ctx, jobID)
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			closeStream(conn, websocket.CloseNormalClosure, "job deleted")
			return
		case err != nil:
			if ctx.Err() == nil {
				s.logger.Error("watch snapshot failed", "job_id", jobID, "error", err)
				closeStream(conn, websocket.CloseInternalServerErr, "snapshot failed")
			}
			return
		}

		payload, err := json.Marshal(snap)
		if err != nil {
			closeStream(conn, websocket.CloseInternalServerErr, "encode failed")
			return
		}
		if !bytes.Equal(payload, last) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("watch client gone", "job_id", jobID, "error", err)
				return
			}
			last = payload
		}

		if snap.Job.Status.Settled() && !s.ctrl.Running(jobID) {
			closeStream(conn, websocket.CloseNormalClosure, string(snap.Job.Status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) snapshot(ctx context.Context, jobID string) (*Snapshot, error) {
	job, err := s.ctrl.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	latest, err := s.ctrl.Latest(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Job: toJobView(job), Latest: toProgressView(latest)}, nil
}

func closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
