package service

import (
	"context"
	"log/slog"

	"github.com/raphaelgruber/manuscript/internal/db"
	"github.com/raphaelgruber/manuscript/internal/models"
)

// JobLogger writes each line to slog and persists it as a job log entry.
// Persistence failures are logged and otherwise ignored.
type JobLogger struct {
	logger *slog.Logger
	store  LogStore
}

// NewJobLogger creates a JobLogger.
func NewJobLogger(logger *slog.Logger, store LogStore) *JobLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobLogger{logger: logger, store: store}
}

// Log records one line for jobID. step may be empty.
func (l *JobLogger) Log(ctx context.Context, level models.LogLevel, msg, jobID string, step models.Step, details map[string]any) {
	attrs := make([]any, 0, 4+2*len(details))
	attrs = append(attrs, "job_id", jobID)
	if step != "" {
		attrs = append(attrs, "step", step)
	}
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	l.logger.Log(ctx, slogLevel(level), msg, attrs...)

	if l.store == nil {
		return
	}
	in := db.LogInput{Level: level, Message: msg, Details: details}
	if jobID != "" {
		in.JobID = &jobID
	}
	if step != "" {
		in.Step = &step
	}
	if err := l.store.QueryAppendLog(context.WithoutCancel(ctx), in); err != nil {
		l.logger.Warn("failed to persist job log", "job_id", jobID, "error", err)
	}
}

func (l *JobLogger) Info(ctx context.Context, jobID string, step models.Step, msg string, details map[string]any) {
	l.Log(ctx, models.LogInfo, msg, jobID, step, details)
}

func (l *JobLogger) Warn(ctx context.Context, jobID string, step models.Step, msg string, details map[string]any) {
	l.Log(ctx, models.LogWarn, msg, jobID, step, details)
}

func (l *JobLogger) Error(ctx context.Context, jobID string, step models.Step, msg string, details map[string]any) {
	l.Log(ctx, models.LogError, msg, jobID, step, details)
}

// Entries returns the job's persisted log lines, the last limit of them when
// limit is positive.
func (l *JobLogger) Entries(ctx context.Context, jobID string, limit int) ([]models.LogEntry, error) {
	if l.store == nil {
		return nil, nil
	}
	return l.store.QueryListLogs(ctx, jobID, limit)
}

func slogLevel(level models.LogLevel) slog.Level {
	switch level {
	case models.LogDebug:
		return slog.LevelDebug
	case models.LogWarn:
		return slog.LevelWarn
	case models.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
