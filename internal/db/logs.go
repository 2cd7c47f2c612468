package db

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/manuscript/internal/models"
)

// LogInput is a job log line to persist.
type LogInput struct {
	JobID   *string
	Level   models.LogLevel
	Message string
	Step    *models.Step
	Details map[string]any
}

// QueryAppendLog persists a log line.
func (c *Client) QueryAppendLog(ctx context.Context, in LogInput) error {
	content := map[string]any{
		"level":   string(in.Level),
		"message": in.Message,
	}
	if in.JobID != nil {
		content["job_id"] = *in.JobID
	}
	if in.Step != nil {
		content["step"] = string(*in.Step)
	}
	if len(in.Details) > 0 {
		content["details"] = in.Details
	}

	if _, err := surrealdb.Query[any](ctx, c.db, `
		CREATE job_log CONTENT $content
	`, map[string]any{"content": content}); err != nil {
		return fmt.Errorf("append log: %w", wrapQueryError(err))
	}
	return nil
}

// QueryListLogs returns the most recent log lines of a job in chronological
// order. limit <= 0 returns everything.
func (c *Client) QueryListLogs(ctx context.Context, jobID string, limit int) ([]models.LogEntry, error) {
	sql := `SELECT * FROM job_log WHERE job_id = $job_id ORDER BY timestamp ASC`
	vars := map[string]any{"job_id": jobID}
	if limit > 0 {
		sql = `SELECT * FROM (
			SELECT * FROM job_log WHERE job_id = $job_id ORDER BY timestamp DESC LIMIT $limit
		) ORDER BY timestamp ASC`
		vars["limit"] = limit
	}

	results, err := surrealdb.Query[[]models.LogEntry](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}

	entries := rows(results, 0)
	if entries == nil {
		return []models.LogEntry{}, nil
	}
	return entries, nil
}
