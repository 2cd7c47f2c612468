package server

import (
	"fmt"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/manuscript/internal/models"
)

// JobView is the wire form of a job.
type JobView struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Premise         string           `json:"premise"`
	Genre           string           `json:"genre,omitempty"`
	Audience        string           `json:"audience,omitempty"`
	UnitCount       int              `json:"unitCount"`
	SubUnitsPerUnit int              `json:"subUnitsPerUnit"`
	Status          models.JobStatus `json:"status"`
	RepoOwner       string           `json:"repoOwner,omitempty"`
	RepoName        string           `json:"repoName,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// ProgressView is the wire form of a ledger entry.
type ProgressView struct {
	ID          string            `json:"id"`
	Step        models.Step       `json:"step"`
	Status      models.StepStatus `json:"status"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// LogView is the wire form of a job log line.
type LogView struct {
	Level     models.LogLevel `json:"level"`
	Message   string          `json:"message"`
	Step      models.Step     `json:"step,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Snapshot is one message of a watch stream.
type Snapshot struct {
	Job    JobView       `json:"job"`
	Latest *ProgressView `json:"latest,omitempty"`
}

func recordKey(id surrealmodels.RecordID) string {
	if s, err := models.RecordIDString(id); err == nil {
		return s
	}
	return fmt.Sprint(id.ID)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toJobView(j *models.Job) JobView {
	return JobView{
		ID:              recordKey(j.ID),
		Title:           j.Title,
		Premise:         j.Premise,
		Genre:           deref(j.Genre),
		Audience:        deref(j.Audience),
		UnitCount:       j.UnitCount,
		SubUnitsPerUnit: j.SubUnitsPerUnit,
		Status:          j.Status,
		RepoOwner:       deref(j.RepoOwner),
		RepoName:        deref(j.RepoName),
		Error:           deref(j.Error),
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

func toJobViews(jobs []models.Job) []JobView {
	out := make([]JobView, 0, len(jobs))
	for i := range jobs {
		out = append(out, toJobView(&jobs[i]))
	}
	return out
}

func toProgressView(r *models.ProgressRecord) *ProgressView {
	if r == nil {
		return nil
	}
	return &ProgressView{
		ID:          recordKey(r.ID),
		Step:        r.Step,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       deref(r.Error),
		Metadata:    r.Metadata,
	}
}

func toProgressViews(records []models.ProgressRecord) []ProgressView {
	out := make([]ProgressView, 0, len(records))
	for i := range records {
		out = append(out, *toProgressView(&records[i]))
	}
	return out
}

func toLogViews(entries []models.LogEntry) []LogView {
	out := make([]LogView, 0, len(entries))
	for _, e := range entries {
		v := LogView{
			Level:     e.Level,
			Message:   e.Message,
			Details:   e.Details,
			Timestamp: e.Timestamp,
		}
		if e.Step != nil {
			v.Step = *e.Step
		}
		out = append(out, v)
	}
	return out
}
