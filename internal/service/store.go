package service

import (
	"context"
	"time"

	"github.com/raphaelgruber/manuscript/internal/db"
	"github.com/raphaelgruber/manuscript/internal/models"
)

// JobStore persists jobs.
type JobStore interface {
	QueryCreateJob(ctx context.Context, id string, spec models.JobSpec) (*models.Job, error)
	QueryGetJob(ctx context.Context, id string) (*models.Job, error)
	QueryListJobs(ctx context.Context) ([]models.Job, error)
	QueryListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.Job, error)
	QueryUpdateJobStatus(ctx context.Context, id string, status models.JobStatus, errMsg *string) (*models.Job, error)
	QuerySetJobRepository(ctx context.Context, id, owner, name string) error
	QueryDeleteJob(ctx context.Context, id string) (bool, error)
}

// ProgressStore persists ledger entries.
type ProgressStore interface {
	QueryStartStep(ctx context.Context, in db.ProgressInput) (*models.ProgressRecord, error)
	QueryInsertProgress(ctx context.Context, in db.ProgressInput) (*models.ProgressRecord, error)
	QueryFinishStep(ctx context.Context, jobID string, step models.Step, status models.StepStatus, completedAt time.Time, errMsg *string, metadata map[string]any) (*models.ProgressRecord, error)
	QueryProgressHistory(ctx context.Context, jobID string) ([]models.ProgressRecord, error)
	QueryLatestProgress(ctx context.Context, jobID string) (*models.ProgressRecord, error)
	QueryDeleteProgressForSteps(ctx context.Context, jobID string, steps []models.Step) (int, error)
}

// StructureStore persists units, sub-units and their entity mentions.
type StructureStore interface {
	QueryUpsertUnit(ctx context.Context, jobID string, ordinal int, title string) (*models.Unit, error)
	QueryUpsertSubUnit(ctx context.Context, jobID string, pos models.Position, title string) (*models.SubUnit, error)
	QuerySetSubUnitArtifacts(ctx context.Context, jobID string, pos models.Position, draftPath, summaryPath *string) error
	QueryListSubUnits(ctx context.Context, jobID string) ([]models.SubUnit, error)
	MentionStore
}

// MentionStore persists entity mentions.
type MentionStore interface {
	QueryReplaceEntityMentions(ctx context.Context, jobID, subUnitID string, mentions []db.MentionInput) error
	QueryListEntityMentions(ctx context.Context, jobID string) ([]models.EntityMention, error)
}

// LogStore persists job log lines.
type LogStore interface {
	QueryAppendLog(ctx context.Context, in db.LogInput) error
	QueryListLogs(ctx context.Context, jobID string, limit int) ([]models.LogEntry, error)
}

// Store is everything the orchestrator persists. *db.Client implements it.
type Store interface {
	JobStore
	ProgressStore
	StructureStore
	LogStore
}

var _ Store = (*db.Client)(nil)
