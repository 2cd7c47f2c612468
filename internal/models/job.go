// Package models defines data structures for the manuscript generation pipeline.
package models

import (
	"fmt"
	"strings"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// JobStatus is the coarse state of a Job.
type JobStatus string

const (
	JobCreated    JobStatus = "created"
	JobProcessing JobStatus = "processing"
	JobGenerating JobStatus = "generating"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
	JobPaused     JobStatus = "paused"
)

// allowedTransitions lists the statuses reachable from each status.
// Re-entering the same status is always allowed.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobCreated:    {JobProcessing, JobError, JobPaused},
	JobProcessing: {JobGenerating, JobCompleted, JobError, JobPaused},
	JobGenerating: {JobProcessing, JobCompleted, JobError, JobPaused},
	JobError:      {JobProcessing, JobGenerating, JobCompleted},
	JobPaused:     {JobProcessing, JobGenerating, JobCompleted, JobError},
	JobCompleted:  {},
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Settled reports whether no pipeline run is expected to change the job
// without an explicit resume.
func (s JobStatus) Settled() bool {
	return s == JobCompleted || s == JobError || s == JobPaused
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusForStep returns the job status shown while step executes.
func StatusForStep(step Step) (JobStatus, error) {
	switch step {
	case StepInputValidation, StepStorageSetup, StepRepositorySetup, StepOutline:
		return JobProcessing, nil
	case StepContentGeneration:
		return JobGenerating, nil
	case StepCompilation, StepFrontMatter:
		return JobProcessing, nil
	case StepCompleted:
		return JobCompleted, nil
	default:
		return "", fmt.Errorf("unknown step %q", step)
	}
}

// Limits on structural parameters.
const (
	MaxUnits           = 100
	MaxSubUnitsPerUnit = 50
)

// JobSpec is the user-supplied description of a generation run.
type JobSpec struct {
	Title           string `json:"title"`
	Premise         string `json:"premise"`
	Genre           string `json:"genre,omitempty"`
	Audience        string `json:"audience,omitempty"`
	UnitCount       int    `json:"unit_count"`
	SubUnitsPerUnit int    `json:"sub_units_per_unit"`
	RepoOwner       string `json:"repo_owner,omitempty"`
}

// ValidationError lists every problem found in a JobSpec.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid job: " + strings.Join(e.Problems, "; ")
}

// Validate checks the spec's shape. It returns a *ValidationError or nil.
func (s JobSpec) Validate() error {
	var problems []string
	if strings.TrimSpace(s.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(s.Premise) == "" {
		problems = append(problems, "premise is required")
	}
	if s.UnitCount < 1 || s.UnitCount > MaxUnits {
		problems = append(problems, fmt.Sprintf("unit count must be between 1 and %d", MaxUnits))
	}
	if s.SubUnitsPerUnit < 1 || s.SubUnitsPerUnit > MaxSubUnitsPerUnit {
		problems = append(problems, fmt.Sprintf("sub-units per unit must be between 1 and %d", MaxSubUnitsPerUnit))
	}
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// Job is a persisted generation run.
type Job struct {
	ID              surrealmodels.RecordID `json:"id"`
	Title           string                 `json:"title"`
	Premise         string                 `json:"premise"`
	Genre           *string                `json:"genre,omitempty"`
	Audience        *string                `json:"audience,omitempty"`
	UnitCount       int                    `json:"unit_count"`
	SubUnitsPerUnit int                    `json:"sub_units_per_unit"`
	Status          JobStatus              `json:"status"`
	RepoOwner       *string                `json:"repo_owner,omitempty"`
	RepoName        *string                `json:"repo_name,omitempty"`
	Error           *string                `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// JobID returns the job's string identifier.
func (j *Job) JobID() string {
	return MustRecordIDString(j.ID)
}

// Spec reconstructs the JobSpec the job was created from.
func (j *Job) Spec() JobSpec {
	spec := JobSpec{
		Title:           j.Title,
		Premise:         j.Premise,
		UnitCount:       j.UnitCount,
		SubUnitsPerUnit: j.SubUnitsPerUnit,
	}
	if j.Genre != nil {
		spec.Genre = *j.Genre
	}
	if j.Audience != nil {
		spec.Audience = *j.Audience
	}
	if j.RepoOwner != nil {
		spec.RepoOwner = *j.RepoOwner
	}
	return spec
}

// HasRepository reports whether storage coordinates have been assigned.
func (j *Job) HasRepository() bool {
	return j.RepoOwner != nil && *j.RepoOwner != "" && j.RepoName != nil && *j.RepoName != ""
}

// Layout returns the number of sub-units in each unit, indexed from unit 1.
func (j *Job) Layout() Layout {
	layout := make(Layout, j.UnitCount)
	for i := range layout {
		layout[i] = j.SubUnitsPerUnit
	}
	return layout
}

// Layout holds the sub-unit count of each unit. Layout[0] is unit 1.
type Layout []int

// Positions enumerates every (unit, sub-unit) pair in generation order.
func (l Layout) Positions() []Position {
	var out []Position
	for u, count := range l {
		for s := 1; s <= count; s++ {
			out = append(out, Position{Unit: u + 1, SubUnit: s})
		}
	}
	return out
}

// Total returns the number of sub-units across all units.
func (l Layout) Total() int {
	n := 0
	for _, c := range l {
		n += c
	}
	return n
}

// Position addresses one sub-unit. Both ordinals start at 1.
type Position struct {
	Unit    int `json:"unit"`
	SubUnit int `json:"sub_unit"`
}

// Less orders positions unit-major.
func (p Position) Less(o Position) bool {
	if p.Unit != o.Unit {
		return p.Unit < o.Unit
	}
	return p.SubUnit < o.SubUnit
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.Unit, p.SubUnit)
}
