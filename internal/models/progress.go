package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// ProgressRecord is one ledger entry: an attempt at a step of a job.
type ProgressRecord struct {
	ID          surrealmodels.RecordID `json:"id"`
	JobID       string                 `json:"job_id"`
	Step        Step                   `json:"step"`
	Status      StepStatus             `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Error       *string                `json:"error,omitempty"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
}

// Open reports whether the record is still awaiting an outcome.
func (r *ProgressRecord) Open() bool {
	return r.Status == StepStarted
}

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is a persisted per-job log line.
type LogEntry struct {
	ID        surrealmodels.RecordID `json:"id"`
	JobID     *string                `json:"job_id,omitempty"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Step      *Step                  `json:"step,omitempty"`
	Details   map[string]any         `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
