package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/manuscript/internal/db"
	"github.com/raphaelgruber/manuscript/internal/models"
)

func newTestLedger() (*Ledger, *memStore) {
	store := newMemStore()
	l := NewLedger(store)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	return l, store
}

func TestLedgerStampsIncrease(t *testing.T) {
	l, _ := newTestLedger()
	a := l.stamp()
	b := l.stamp()
	c := l.stamp()
	assert.True(t, b.After(a))
	assert.True(t, c.After(b))
}

func TestLedgerStartSupersedesOpenEntry(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.StartStep(ctx, "job1", models.StepOutline, nil)
	require.NoError(t, err)
	_, err = l.StartStep(ctx, "job1", models.StepContentGeneration, map[string]any{"k": "v"})
	require.NoError(t, err)

	history, err := l.History(ctx, "job1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.StepFailed, history[0].Status)
	require.NotNil(t, history[0].Error)
	assert.Equal(t, db.SupersededMessage, *history[0].Error)
	assert.Equal(t, models.StepStarted, history[1].Status)
	assert.Equal(t, "v", history[1].Metadata["k"])

	open := 0
	for _, rec := range history {
		if rec.Open() {
			open++
		}
	}
	assert.Equal(t, 1, open)
}

func TestLedgerCompleteAndFail(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.StartStep(ctx, "job1", models.StepOutline, nil)
	require.NoError(t, err)
	require.NoError(t, l.CompleteStep(ctx, "job1", models.StepOutline, nil))

	err = l.CompleteStep(ctx, "job1", models.StepOutline, nil)
	assert.ErrorIs(t, err, db.ErrNotFound, "nothing left open")

	_, err = l.StartStep(ctx, "job1", models.StepContentGeneration, nil)
	require.NoError(t, err)
	require.NoError(t, l.FailStep(ctx, "job1", models.StepContentGeneration, "boom", nil))

	rec, err := l.CurrentStep(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, models.StepContentGeneration, rec.Step)
	assert.Equal(t, models.StepFailed, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, "boom", *rec.Error)
}

func TestLedgerFailWithoutOpenEntryAppends(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.FailStep(ctx, "job1", models.StepCompilation, "lost", nil))

	history, err := l.History(ctx, "job1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StepFailed, history[0].Status)
	assert.Equal(t, "lost", *history[0].Error)
}

func TestLedgerNoteIsInformational(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.StartStep(ctx, "job1", models.StepOutline, nil)
	require.NoError(t, err)
	require.NoError(t, l.Note(ctx, "job1", models.StepOutline, ReasonManualPause, nil))

	history, err := l.History(ctx, "job1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Open(), "a note leaves the open entry alone")
	assert.True(t, IsInformational(history[1]))
	assert.Equal(t, models.StepOutline, LedgerPosition(history))
}

func TestLedgerTruncateAfter(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	for _, step := range models.Steps {
		_, err := l.StartStep(ctx, "job1", step, nil)
		require.NoError(t, err)
		require.NoError(t, l.CompleteStep(ctx, "job1", step, nil))
	}
	_, err := l.StartStep(ctx, "job2", models.StepCompilation, nil)
	require.NoError(t, err)

	n, err := l.TruncateAfter(ctx, "job1", models.StepContentGeneration)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	history, err := l.History(ctx, "job1")
	require.NoError(t, err)
	for _, rec := range history {
		assert.False(t, models.StepContentGeneration.Before(rec.Step), "entry for %s survived", rec.Step)
	}
	assert.Equal(t, models.StepCompilation, LedgerPosition(history))

	other, err := store.QueryProgressHistory(ctx, "job2")
	require.NoError(t, err)
	assert.Len(t, other, 1, "other jobs are untouched")
}

func TestLedgerPosition(t *testing.T) {
	rec := func(step models.Step, status models.StepStatus) models.ProgressRecord {
		return models.ProgressRecord{Step: step, Status: status}
	}
	note := rec(models.StepOutline, models.StepFailed)
	note.Metadata = map[string]any{MetaInformational: true}

	tests := []struct {
		name    string
		history []models.ProgressRecord
		want    models.Step
	}{
		{"empty", nil, models.StepInputValidation},
		{"completed maps to next", []models.ProgressRecord{rec(models.StepOutline, models.StepSucceeded)}, models.StepContentGeneration},
		{"started", []models.ProgressRecord{rec(models.StepCompilation, models.StepStarted)}, models.StepCompilation},
		{"failed", []models.ProgressRecord{rec(models.StepFrontMatter, models.StepFailed)}, models.StepFrontMatter},
		{"last executable step", []models.ProgressRecord{rec(models.StepFrontMatter, models.StepSucceeded)}, models.StepCompleted},
		{"terminal", []models.ProgressRecord{rec(models.StepCompleted, models.StepSucceeded)}, models.StepCompleted},
		{"notes skipped", []models.ProgressRecord{rec(models.StepStorageSetup, models.StepSucceeded), note}, models.StepRepositorySetup},
		{"unknown skipped", []models.ProgressRecord{rec(models.StepOutline, models.StepSucceeded), rec("mystery", models.StepStarted)}, models.StepContentGeneration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LedgerPosition(tt.history))
		})
	}
}
