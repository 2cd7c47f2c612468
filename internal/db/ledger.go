package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/manuscript/internal/models"
)

// SupersededMessage is the error recorded on a started entry that was left
// open when a newer entry for the same job began.
const SupersededMessage = "superseded"

// ProgressInput describes a ledger entry to insert.
type ProgressInput struct {
	ID          string
	JobID       string
	Step        models.Step
	Status      models.StepStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       *string
	Metadata    map[string]any
}

func (in ProgressInput) content() map[string]any {
	content := map[string]any{
		"job_id":     in.JobID,
		"step":       string(in.Step),
		"status":     string(in.Status),
		"started_at": in.StartedAt,
	}
	if in.CompletedAt != nil {
		content["completed_at"] = *in.CompletedAt
	}
	if in.Error != nil {
		content["error"] = *in.Error
	}
	if len(in.Metadata) > 0 {
		content["metadata"] = in.Metadata
	}
	return content
}

// QueryStartStep inserts a started entry. Any entry of the job still in
// started state is closed as failed in the same transaction, so a job never
// has more than one open entry.
func (c *Client) QueryStartStep(ctx context.Context, in ProgressInput) (*models.ProgressRecord, error) {
	in.Status = models.StepStarted
	in.CompletedAt = nil
	in.Error = nil

	_, err := surrealdb.Query[any](ctx, c.db, `
		BEGIN TRANSACTION;
		UPDATE progress SET
			status = "failed",
			completed_at = $now,
			error = $superseded
		WHERE job_id = $job_id AND status = "started";
		CREATE type::record("progress", $id) CONTENT $content;
		COMMIT TRANSACTION;
	`, map[string]any{
		"id":         in.ID,
		"job_id":     in.JobID,
		"now":        in.StartedAt,
		"superseded": SupersededMessage,
		"content":    in.content(),
	})
	if err != nil {
		return nil, fmt.Errorf("start step: %w", wrapQueryError(err))
	}

	return c.queryGetProgress(ctx, in.ID)
}

// QueryInsertProgress inserts an entry as given, without touching other entries.
func (c *Client) QueryInsertProgress(ctx context.Context, in ProgressInput) (*models.ProgressRecord, error) {
	results, err := surrealdb.Query[[]models.ProgressRecord](ctx, c.db, `
		CREATE type::record("progress", $id) CONTENT $content
	`, map[string]any{"id": in.ID, "content": in.content()})
	if err != nil {
		return nil, fmt.Errorf("insert progress: %w", wrapQueryError(err))
	}

	created := rows(results, 0)
	if len(created) == 0 {
		return nil, fmt.Errorf("insert progress: no record returned")
	}
	return &created[0], nil
}

// QueryFinishStep closes the open entry of step for a job with a terminal
// status. Metadata, when non-empty, replaces the entry's metadata.
// Returns ErrNotFound if no open entry exists.
func (c *Client) QueryFinishStep(
	ctx context.Context,
	jobID string,
	step models.Step,
	status models.StepStatus,
	completedAt time.Time,
	errMsg *string,
	metadata map[string]any,
) (*models.ProgressRecord, error) {
	set := "status = $status, completed_at = $completed_at"
	vars := map[string]any{
		"job_id":       jobID,
		"step":         string(step),
		"status":       string(status),
		"completed_at": completedAt,
	}
	if errMsg != nil {
		set += ", error = $error"
		vars["error"] = *errMsg
	}
	if len(metadata) > 0 {
		set += ", metadata = $metadata"
		vars["metadata"] = metadata
	}

	sql := fmt.Sprintf(`
		UPDATE progress SET %s
		WHERE job_id = $job_id AND step = $step AND status = "started"
		RETURN AFTER
	`, set)

	results, err := surrealdb.Query[[]models.ProgressRecord](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("finish step: %w", wrapQueryError(err))
	}

	updated := rows(results, 0)
	if len(updated) == 0 {
		return nil, fmt.Errorf("finish step %s for job %s: %w", step, jobID, ErrNotFound)
	}
	return &updated[0], nil
}

// QueryProgressHistory returns every ledger entry of a job in start order.
func (c *Client) QueryProgressHistory(ctx context.Context, jobID string) ([]models.ProgressRecord, error) {
	results, err := surrealdb.Query[[]models.ProgressRecord](ctx, c.db, `
		SELECT * FROM progress WHERE job_id = $job_id ORDER BY started_at ASC
	`, map[string]any{"job_id": jobID})
	if err != nil {
		return nil, fmt.Errorf("progress history: %w", err)
	}

	history := rows(results, 0)
	if history == nil {
		return []models.ProgressRecord{}, nil
	}
	return history, nil
}

// QueryLatestProgress returns the most recently started entry of a job.
// Returns nil if the job has no entries.
func (c *Client) QueryLatestProgress(ctx context.Context, jobID string) (*models.ProgressRecord, error) {
	results, err := surrealdb.Query[[]models.ProgressRecord](ctx, c.db, `
		SELECT * FROM progress WHERE job_id = $job_id ORDER BY started_at DESC LIMIT 1
	`, map[string]any{"job_id": jobID})
	if err != nil {
		return nil, fmt.Errorf("latest progress: %w", err)
	}

	latest := rows(results, 0)
	if len(latest) == 0 {
		return nil, nil
	}
	return &latest[0], nil
}

// QueryDeleteProgressForSteps deletes every entry of a job whose step is in
// steps, atomically. Returns the number of deleted entries.
func (c *Client) QueryDeleteProgressForSteps(ctx context.Context, jobID string, steps []models.Step) (int, error) {
	if len(steps) == 0 {
		return 0, nil
	}
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = string(s)
	}
	vars := map[string]any{"job_id": jobID, "steps": names}

	count, err := surrealdb.Query[[]struct{ C int }](ctx, c.db, `
		SELECT count() AS c FROM progress WHERE job_id = $job_id AND step IN $steps GROUP ALL
	`, vars)
	if err != nil {
		return 0, fmt.Errorf("count progress: %w", err)
	}

	_, err = surrealdb.Query[any](ctx, c.db, `
		BEGIN TRANSACTION;
		DELETE progress WHERE job_id = $job_id AND step IN $steps;
		COMMIT TRANSACTION;
	`, vars)
	if err != nil {
		return 0, fmt.Errorf("delete progress: %w", wrapQueryError(err))
	}

	if c := rows(count, 0); len(c) > 0 {
		return c[0].C, nil
	}
	return 0, nil
}

func (c *Client) queryGetProgress(ctx context.Context, id string) (*models.ProgressRecord, error) {
	results, err := surrealdb.Query[[]models.ProgressRecord](ctx, c.db, `
		SELECT * FROM type::record("progress", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}

	found := rows(results, 0)
	if len(found) == 0 {
		return nil, fmt.Errorf("get progress %s: %w", id, ErrNotFound)
	}
	return &found[0], nil
}
