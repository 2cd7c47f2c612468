package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/manuscript/internal/artifact"
	"github.com/raphaelgruber/manuscript/internal/models"
	"github.com/raphaelgruber/manuscript/internal/parser"
)

func TestContextAccumulatorLoadExisting(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	repo := artifact.Repository{Owner: "tests", Name: "acc"}
	require.NoError(t, store.EnsureRepository(ctx, repo, ""))

	positions := models.Layout{2, 2}.Positions()
	for _, pos := range positions {
		content, err := parser.RenderArtifact(parser.Envelope{Job: "j", Kind: "summary"}, summaryText(pos))
		require.NoError(t, err)
		require.NoError(t, store.Write(ctx, repo, artifact.SummaryName(pos), content, "seed"))
	}

	acc := NewContextAccumulator()
	acc.Append("stale")
	got, err := acc.LoadExisting(ctx, store, repo, positions[:3])
	require.NoError(t, err)
	want := []string{"Summary of 1.1", "Summary of 1.2", "Summary of 2.1"}
	assert.Equal(t, want, got)
	assert.Equal(t, want, acc.Snapshot(), "loading replaces earlier contents")

	acc.Append("Summary of 2.2")
	assert.Equal(t, 4, acc.Len())
}

func TestContextAccumulatorMissingSummary(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	repo := artifact.Repository{Owner: "tests", Name: "acc"}
	require.NoError(t, store.EnsureRepository(ctx, repo, ""))

	acc := NewContextAccumulator()
	acc.Append("kept")
	_, err := acc.LoadExisting(ctx, store, repo, []models.Position{{Unit: 1, SubUnit: 1}})
	require.ErrorIs(t, err, artifact.ErrNotFound)
	assert.Equal(t, []string{"kept"}, acc.Snapshot(), "a failed load changes nothing")
}

func TestContextAccumulatorSnapshotIsCopy(t *testing.T) {
	acc := NewContextAccumulator()
	acc.Append("one")
	snap := acc.Snapshot()
	snap[0] = "changed"
	acc.Append("two")
	assert.Equal(t, []string{"one", "two"}, acc.Snapshot())
}
