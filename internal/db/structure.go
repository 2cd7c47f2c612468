package db

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/manuscript/internal/models"
)

// QueryUpsertUnit creates or retitles a unit. Keys are derived from the job
// and ordinal, so repeated calls converge on one record.
func (c *Client) QueryUpsertUnit(ctx context.Context, jobID string, ordinal int, title string) (*models.Unit, error) {
	results, err := surrealdb.Query[[]models.Unit](ctx, c.db, `
		UPSERT type::record("unit", $id) SET
			job_id = $job_id,
			ordinal = $ordinal,
			title = $title
	`, map[string]any{
		"id":      models.UnitKey(jobID, ordinal),
		"job_id":  jobID,
		"ordinal": ordinal,
		"title":   title,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert unit: %w", wrapQueryError(err))
	}

	upserted := rows(results, 0)
	if len(upserted) == 0 {
		return nil, fmt.Errorf("upsert unit: no record returned")
	}
	return &upserted[0], nil
}

// QueryUpsertSubUnit creates or retitles a sub-unit. Artifact paths already
// recorded are kept.
func (c *Client) QueryUpsertSubUnit(ctx context.Context, jobID string, pos models.Position, title string) (*models.SubUnit, error) {
	results, err := surrealdb.Query[[]models.SubUnit](ctx, c.db, `
		UPSERT type::record("sub_unit", $id) SET
			job_id = $job_id,
			unit_ordinal = $unit,
			ordinal = $sub_unit,
			title = $title
	`, map[string]any{
		"id":       models.SubUnitKey(jobID, pos),
		"job_id":   jobID,
		"unit":     pos.Unit,
		"sub_unit": pos.SubUnit,
		"title":    title,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert sub-unit: %w", wrapQueryError(err))
	}

	upserted := rows(results, 0)
	if len(upserted) == 0 {
		return nil, fmt.Errorf("upsert sub-unit: no record returned")
	}
	return &upserted[0], nil
}

// QuerySetSubUnitArtifacts records where a sub-unit's draft and summary live.
// Nil paths leave the stored value unchanged.
func (c *Client) QuerySetSubUnitArtifacts(ctx context.Context, jobID string, pos models.Position, draftPath, summaryPath *string) error {
	set := "job_id = $job_id, unit_ordinal = $unit, ordinal = $sub_unit"
	vars := map[string]any{
		"id":       models.SubUnitKey(jobID, pos),
		"job_id":   jobID,
		"unit":     pos.Unit,
		"sub_unit": pos.SubUnit,
	}
	if draftPath != nil {
		set += ", draft_path = $draft"
		vars["draft"] = *draftPath
	}
	if summaryPath != nil {
		set += ", summary_path = $summary"
		vars["summary"] = *summaryPath
	}

	sql := fmt.Sprintf(`
		UPSERT type::record("sub_unit", $id) SET %s, title = title ?? ""
	`, set)
	if _, err := surrealdb.Query[any](ctx, c.db, sql, vars); err != nil {
		return fmt.Errorf("set sub-unit artifacts: %w", wrapQueryError(err))
	}
	return nil
}

// QueryListUnits returns a job's units in ordinal order.
func (c *Client) QueryListUnits(ctx context.Context, jobID string) ([]models.Unit, error) {
	results, err := surrealdb.Query[[]models.Unit](ctx, c.db, `
		SELECT * FROM unit WHERE job_id = $job_id ORDER BY ordinal ASC
	`, map[string]any{"job_id": jobID})
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}

	units := rows(results, 0)
	if units == nil {
		return []models.Unit{}, nil
	}
	return units, nil
}

// QueryListSubUnits returns a job's sub-units in (unit, sub-unit) order.
func (c *Client) QueryListSubUnits(ctx context.Context, jobID string) ([]models.SubUnit, error) {
	results, err := surrealdb.Query[[]models.SubUnit](ctx, c.db, `
		SELECT * FROM sub_unit WHERE job_id = $job_id ORDER BY unit_ordinal ASC, ordinal ASC
	`, map[string]any{"job_id": jobID})
	if err != nil {
		return nil, fmt.Errorf("list sub-units: %w", err)
	}

	subUnits := rows(results, 0)
	if subUnits == nil {
		return []models.SubUnit{}, nil
	}
	return subUnits, nil
}

// MentionInput is one entity to record against a sub-unit.
type MentionInput struct {
	Category models.EntityCategory
	Value    string
}

// QueryReplaceEntityMentions swaps a sub-unit's mention set for mentions in
// one transaction.
func (c *Client) QueryReplaceEntityMentions(ctx context.Context, jobID, subUnitID string, mentions []MentionInput) error {
	records := make([]map[string]any, len(mentions))
	for i, m := range mentions {
		records[i] = map[string]any{
			"job_id":      jobID,
			"sub_unit_id": subUnitID,
			"category":    string(m.Category),
			"value":       m.Value,
		}
	}

	_, err := surrealdb.Query[any](ctx, c.db, `
		BEGIN TRANSACTION;
		DELETE entity_mention WHERE sub_unit_id = $sub_unit_id;
		FOR $m IN $mentions {
			CREATE entity_mention CONTENT $m;
		};
		COMMIT TRANSACTION;
	`, map[string]any{
		"sub_unit_id": subUnitID,
		"mentions":    records,
	})
	if err != nil {
		return fmt.Errorf("replace entity mentions: %w", wrapQueryError(err))
	}
	return nil
}

// QueryListEntityMentions returns every mention recorded for a job.
func (c *Client) QueryListEntityMentions(ctx context.Context, jobID string) ([]models.EntityMention, error) {
	results, err := surrealdb.Query[[]models.EntityMention](ctx, c.db, `
		SELECT * FROM entity_mention WHERE job_id = $job_id ORDER BY created_at ASC
	`, map[string]any{"job_id": jobID})
	if err != nil {
		return nil, fmt.Errorf("list entity mentions: %w", err)
	}

	mentions := rows(results, 0)
	if mentions == nil {
		return []models.EntityMention{}, nil
	}
	return mentions, nil
}
