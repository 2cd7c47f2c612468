package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/raphaelgruber/manuscript/internal/db"
	"github.com/raphaelgruber/manuscript/internal/llm"
	"github.com/raphaelgruber/manuscript/internal/models"
	"github.com/raphaelgruber/manuscript/internal/retry"
)

// EntityExtractor finds named entities in generated content.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, content string) ([]llm.Entity, error)
}

// EntityTracker records the named entities each sub-unit introduces and
// turns them into avoidance lists for later generation calls.
type EntityTracker struct {
	store     MentionStore
	extractor EntityExtractor
	invoker   *retry.Invoker
	logger    *slog.Logger
}

// NewEntityTracker creates a tracker.
func NewEntityTracker(store MentionStore, extractor EntityExtractor, invoker *retry.Invoker, logger *slog.Logger) *EntityTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityTracker{store: store, extractor: extractor, invoker: invoker, logger: logger}
}

// Extract finds the entities in content and makes them the sub-unit's
// complete mention set, replacing whatever was recorded before.
func (t *EntityTracker) Extract(ctx context.Context, jobID, subUnitID, content string) ([]models.EntityMention, error) {
	entities, err := retry.Invoke(ctx, t.invoker, "extract_entities", func(ctx context.Context) ([]llm.Entity, error) {
		return t.extractor.ExtractEntities(ctx, content)
	})
	if err != nil {
		return nil, err
	}

	inputs := make([]db.MentionInput, 0, len(entities))
	mentions := make([]models.EntityMention, 0, len(entities))
	seen := make(map[string]bool)
	for _, e := range entities {
		value := strings.Join(strings.Fields(e.Name), " ")
		key := string(e.Category) + "|" + strings.ToLower(value)
		if value == "" || seen[key] {
			continue
		}
		seen[key] = true
		inputs = append(inputs, db.MentionInput{Category: e.Category, Value: value})
		mentions = append(mentions, models.EntityMention{
			JobID:     jobID,
			SubUnitID: subUnitID,
			Category:  e.Category,
			Value:     value,
		})
	}

	if err := t.store.QueryReplaceEntityMentions(ctx, jobID, subUnitID, inputs); err != nil {
		return nil, fmt.Errorf("store mentions for %s: %w", subUnitID, err)
	}
	t.logger.Debug("entities recorded", "job_id", jobID, "sub_unit", subUnitID, "count", len(mentions))
	return mentions, nil
}

// HasMentions reports whether any mention is recorded for the sub-unit.
func (t *EntityTracker) HasMentions(ctx context.Context, jobID, subUnitID string) (bool, error) {
	mentions, err := t.store.QueryListEntityMentions(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("list mentions: %w", err)
	}
	return slices.ContainsFunc(mentions, func(m models.EntityMention) bool {
		return m.SubUnitID == subUnitID
	}), nil
}

// AvoidanceLists returns the distinct values recorded for the job, grouped
// by category and sorted. Values differing only in case count once; the
// first recorded spelling wins.
func (t *EntityTracker) AvoidanceLists(ctx context.Context, jobID string) (models.AvoidanceLists, error) {
	mentions, err := t.store.QueryListEntityMentions(ctx, jobID)
	if err != nil {
		return models.AvoidanceLists{}, fmt.Errorf("list mentions: %w", err)
	}
	return BuildAvoidanceLists(mentions), nil
}

// BuildAvoidanceLists groups mentions into sorted, de-duplicated lists.
// Domain-type mentions are not proper nouns and are left out.
func BuildAvoidanceLists(mentions []models.EntityMention) models.AvoidanceLists {
	buckets := map[models.EntityCategory]map[string]string{
		models.CategoryPerson:       {},
		models.CategoryRole:         {},
		models.CategoryPlace:        {},
		models.CategoryOrganization: {},
	}
	for _, m := range mentions {
		bucket, ok := buckets[m.Category]
		if !ok {
			continue
		}
		value := strings.TrimSpace(m.Value)
		if value == "" {
			continue
		}
		key := strings.ToLower(value)
		if _, dup := bucket[key]; !dup {
			bucket[key] = value
		}
	}

	return models.AvoidanceLists{
		People:        sortedValues(buckets[models.CategoryPerson]),
		Roles:         sortedValues(buckets[models.CategoryRole]),
		Places:        sortedValues(buckets[models.CategoryPlace]),
		Organizations: sortedValues(buckets[models.CategoryOrganization]),
	}
}

func sortedValues(bucket map[string]string) []string {
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = bucket[k]
	}
	return out
}
