// Package db provides SurrealDB query functions for jobs and their records.
package db

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/manuscript/internal/models"
)

// rows returns the rows of the statement at index i, or nil.
func rows[T any](results *[]surrealdb.QueryResult[[]T], i int) []T {
	if results == nil || i < 0 || i >= len(*results) {
		return nil
	}
	return (*results)[i].Result
}

// QueryCreateJob inserts a job in status created under the given id.
func (c *Client) QueryCreateJob(ctx context.Context, id string, spec models.JobSpec) (*models.Job, error) {
	content := map[string]any{
		"title":              spec.Title,
		"premise":            spec.Premise,
		"unit_count":         spec.UnitCount,
		"sub_units_per_unit": spec.SubUnitsPerUnit,
		"status":             string(models.JobCreated),
	}
	if spec.Genre != "" {
		content["genre"] = spec.Genre
	}
	if spec.Audience != "" {
		content["audience"] = spec.Audience
	}
	if spec.RepoOwner != "" {
		content["repo_owner"] = spec.RepoOwner
	}

	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		CREATE type::record("job", $id) CONTENT $content
	`, map[string]any{"id": id, "content": content})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", wrapQueryError(err))
	}

	created := rows(results, 0)
	if len(created) == 0 {
		return nil, fmt.Errorf("create job: no record returned")
	}
	return &created[0], nil
}

// QueryGetJob retrieves a job by ID.
// Returns nil if not found.
func (c *Client) QueryGetJob(ctx context.Context, id string) (*models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		SELECT * FROM type::record("job", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	found := rows(results, 0)
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// QueryListJobs returns every job, newest first.
func (c *Client) QueryListJobs(ctx context.Context) ([]models.Job, error) {
	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		SELECT * FROM job ORDER BY created_at DESC
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := rows(results, 0)
	if jobs == nil {
		return []models.Job{}, nil
	}
	return jobs, nil
}

// QueryListJobsByStatus returns jobs whose status is one of statuses, oldest first.
func (c *Client) QueryListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.Job, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		SELECT * FROM job WHERE status IN $statuses ORDER BY created_at ASC
	`, map[string]any{"statuses": values})
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}

	jobs := rows(results, 0)
	if jobs == nil {
		return []models.Job{}, nil
	}
	return jobs, nil
}

// QueryUpdateJobStatus sets a job's status. A nil errMsg clears the error.
// Returns ErrNotFound if the job does not exist.
func (c *Client) QueryUpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errMsg *string) (*models.Job, error) {
	sql := `
		UPDATE type::record("job", $id) SET
			status = $status,
			error = NONE,
			updated_at = time::now()
		RETURN AFTER
	`
	vars := map[string]any{"id": id, "status": string(status)}
	if errMsg != nil {
		sql = `
		UPDATE type::record("job", $id) SET
			status = $status,
			error = $error,
			updated_at = time::now()
		RETURN AFTER
	`
		vars["error"] = *errMsg
	}

	results, err := surrealdb.Query[[]models.Job](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", wrapQueryError(err))
	}

	updated := rows(results, 0)
	if len(updated) == 0 {
		return nil, fmt.Errorf("update job status %s: %w", id, ErrNotFound)
	}
	return &updated[0], nil
}

// QuerySetJobRepository records the artifact repository coordinates of a job.
func (c *Client) QuerySetJobRepository(ctx context.Context, id, owner, name string) error {
	results, err := surrealdb.Query[[]models.Job](ctx, c.db, `
		UPDATE type::record("job", $id) SET
			repo_owner = $owner,
			repo_name = $name,
			updated_at = time::now()
		RETURN AFTER
	`, map[string]any{"id": id, "owner": owner, "name": name})
	if err != nil {
		return fmt.Errorf("set job repository: %w", wrapQueryError(err))
	}
	if len(rows(results, 0)) == 0 {
		return fmt.Errorf("set job repository %s: %w", id, ErrNotFound)
	}
	return nil
}

// QueryDeleteJob removes a job and every record that belongs to it in one
// transaction. Returns false if the job did not exist.
func (c *Client) QueryDeleteJob(ctx context.Context, id string) (bool, error) {
	existing, err := c.QueryGetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	_, err = surrealdb.Query[any](ctx, c.db, `
		BEGIN TRANSACTION;
		DELETE entity_mention WHERE job_id = $id;
		DELETE sub_unit WHERE job_id = $id;
		DELETE unit WHERE job_id = $id;
		DELETE progress WHERE job_id = $id;
		DELETE job_log WHERE job_id = $id;
		DELETE type::record("job", $id);
		COMMIT TRANSACTION;
	`, map[string]any{"id": id})
	if err != nil {
		return false, fmt.Errorf("delete job: %w", wrapQueryError(err))
	}
	return true, nil
}
