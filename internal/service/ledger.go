package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/manuscript/internal/db"
	"github.com/raphaelgruber/manuscript/internal/models"
)

// Metadata keys written to ledger entries.
const (
	MetaLedgerSynced  = "ledger_synced"
	MetaInformational = "informational"
	MetaReason        = "reason"
	MetaPreviousStep  = "previous_step"
	MetaDriftDetected = "drift_detected"

	ReasonManualPause = "manual_pause"
	ReasonInterrupted = "interrupted"
)

// Ledger is the per-job history of step attempts. It is advisory: the
// artifact store decides where a job really is.
type Ledger struct {
	store ProgressStore
	now   func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewLedger creates a Ledger over store.
func NewLedger(store ProgressStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// stamp returns a strictly increasing UTC timestamp so entries sort by
// insertion even when the clock is coarse.
func (l *Ledger) stamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.now().UTC()
	if !t.After(l.last) {
		t = l.last.Add(time.Microsecond)
	}
	l.last = t
	return t
}

// StartStep opens an entry for step. Any entry of the job still open is
// closed as failed first.
func (l *Ledger) StartStep(ctx context.Context, jobID string, step models.Step, metadata map[string]any) (*models.ProgressRecord, error) {
	rec, err := l.store.QueryStartStep(ctx, db.ProgressInput{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Step:      step,
		StartedAt: l.stamp(),
		Metadata:  metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", step, err)
	}
	return rec, nil
}

// CompleteStep closes the open entry for step as completed.
func (l *Ledger) CompleteStep(ctx context.Context, jobID string, step models.Step, metadata map[string]any) error {
	if _, err := l.store.QueryFinishStep(ctx, jobID, step, models.StepSucceeded, l.stamp(), nil, metadata); err != nil {
		return fmt.Errorf("complete %s: %w", step, err)
	}
	return nil
}

// FailStep closes the open entry for step as failed. When no entry is open
// a closed failed entry is appended instead, so the failure is never lost.
func (l *Ledger) FailStep(ctx context.Context, jobID string, step models.Step, errMsg string, metadata map[string]any) error {
	at := l.stamp()
	_, err := l.store.QueryFinishStep(ctx, jobID, step, models.StepFailed, at, &errMsg, metadata)
	if err == nil {
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("fail %s: %w", step, err)
	}

	if _, err := l.store.QueryInsertProgress(ctx, db.ProgressInput{
		ID:          uuid.NewString(),
		JobID:       jobID,
		Step:        step,
		Status:      models.StepFailed,
		StartedAt:   at,
		CompletedAt: &at,
		Error:       &errMsg,
		Metadata:    metadata,
	}); err != nil {
		return fmt.Errorf("fail %s: %w", step, err)
	}
	return nil
}

// Note appends a closed, informational entry. It does not touch open
// entries and is skipped when working out the position the ledger claims.
func (l *Ledger) Note(ctx context.Context, jobID string, step models.Step, reason string, metadata map[string]any) error {
	meta := map[string]any{MetaInformational: true, MetaReason: reason}
	for k, v := range metadata {
		meta[k] = v
	}
	at := l.stamp()
	if _, err := l.store.QueryInsertProgress(ctx, db.ProgressInput{
		ID:          uuid.NewString(),
		JobID:       jobID,
		Step:        step,
		Status:      models.StepFailed,
		StartedAt:   at,
		CompletedAt: &at,
		Error:       &reason,
		Metadata:    meta,
	}); err != nil {
		return fmt.Errorf("note %s: %w", reason, err)
	}
	return nil
}

// History returns every entry of the job in start order.
func (l *Ledger) History(ctx context.Context, jobID string) ([]models.ProgressRecord, error) {
	return l.store.QueryProgressHistory(ctx, jobID)
}

// CurrentStep returns the latest entry, or nil for a job with no history.
func (l *Ledger) CurrentStep(ctx context.Context, jobID string) (*models.ProgressRecord, error) {
	return l.store.QueryLatestProgress(ctx, jobID)
}

// TruncateAfter deletes every entry for steps strictly later than step.
// The deletion is atomic.
func (l *Ledger) TruncateAfter(ctx context.Context, jobID string, step models.Step) (int, error) {
	n, err := l.store.QueryDeleteProgressForSteps(ctx, jobID, models.StepsAfter(step))
	if err != nil {
		return 0, fmt.Errorf("truncate after %s: %w", step, err)
	}
	return n, nil
}

// IsInformational reports whether rec was written by Note.
func IsInformational(rec models.ProgressRecord) bool {
	v, _ := rec.Metadata[MetaInformational].(bool)
	return v
}

// LedgerPosition returns the step the ledger claims a job should run next:
// the step after the latest completed entry, or the step of the latest
// started or failed entry. Informational entries are ignored. An empty
// history claims the first step.
func LedgerPosition(history []models.ProgressRecord) models.Step {
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		if IsInformational(rec) || !rec.Step.Valid() {
			continue
		}
		if rec.Status == models.StepSucceeded {
			return rec.Step.Next()
		}
		return rec.Step
	}
	return models.Steps[0]
}
