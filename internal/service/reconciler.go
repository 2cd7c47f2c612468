package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphaelgruber/manuscript/internal/artifact"
	"github.com/raphaelgruber/manuscript/internal/models"
)

// Presence records which of a job's defining artifacts exist.
type Presence struct {
	SpecValid          bool `json:"specValid"`
	RepositoryRecorded bool `json:"repositoryRecorded"`
	RepositoryExists   bool `json:"repositoryExists"`
	Outline            bool `json:"outline"`
	Drafts             int  `json:"drafts"`
	Summaries          int  `json:"summaries"`
	ExpectedSubUnits   int  `json:"expectedSubUnits"`
	Compiled           bool `json:"compiled"`
	FrontMatter        bool `json:"frontMatter"`
}

// Analysis is the reconciler's verdict on where a job really is.
type Analysis struct {
	TrueStep     models.Step       `json:"trueStep"`
	Presence     Presence          `json:"presence"`
	NextArtifact string            `json:"nextArtifact,omitempty"`
	Missing      []models.Position `json:"missing,omitempty"`
	Rationale    string            `json:"rationale"`
}

// Reconciler derives a job's true step from the artifact store.
type Reconciler struct {
	artifacts artifact.Store
}

// NewReconciler creates a Reconciler reading from artifacts.
func NewReconciler(artifacts artifact.Store) *Reconciler {
	return &Reconciler{artifacts: artifacts}
}

// Analyze inspects the job's repository and returns its true step.
func (r *Reconciler) Analyze(ctx context.Context, job *models.Job) (*Analysis, error) {
	var repoExists bool
	var files []string

	if job.HasRepository() {
		repo := repositoryOf(job)
		exists, err := r.artifacts.RepositoryExists(ctx, repo)
		if err != nil {
			return nil, fmt.Errorf("check repository %s: %w", repo, err)
		}
		repoExists = exists
		if exists {
			files, err = r.artifacts.List(ctx, repo)
			if err != nil {
				return nil, fmt.Errorf("list repository %s: %w", repo, err)
			}
		}
	}

	analysis := Derive(job, repoExists, files)
	return &analysis, nil
}

// Derive computes the true step from what exists. It scans the steps in
// order and stops at the first one whose defining artifacts are not all
// present. Sub-units are checked pair by pair.
func Derive(job *models.Job, repoExists bool, files []string) Analysis {
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}

	positions := job.Layout().Positions()
	p := Presence{
		SpecValid:          job.Spec().Validate() == nil,
		RepositoryRecorded: job.HasRepository(),
		RepositoryExists:   repoExists,
		Outline:            present[artifact.OutlineName],
		ExpectedSubUnits:   len(positions),
		Compiled:           present[artifact.CompiledName],
		FrontMatter:        present[artifact.FrontMatterName],
	}

	var missing []models.Position
	next := ""
	for _, pos := range positions {
		hasDraft := present[artifact.DraftName(pos)]
		hasSummary := present[artifact.SummaryName(pos)]
		if hasDraft {
			p.Drafts++
		}
		if hasSummary {
			p.Summaries++
		}
		if hasDraft && hasSummary {
			continue
		}
		missing = append(missing, pos)
		if next == "" {
			if hasDraft {
				next = artifact.SummaryName(pos)
			} else {
				next = artifact.DraftName(pos)
			}
		}
	}

	a := Analysis{Presence: p}
	for _, step := range models.Steps {
		done, rationale, artifactName := stepSatisfied(step, p, missing, next)
		if !done {
			a.TrueStep = step
			a.Rationale = rationale
			a.NextArtifact = artifactName
			if step == models.StepContentGeneration {
				a.Missing = missing
			}
			return a
		}
	}
	a.TrueStep = models.StepCompleted
	a.Rationale = "every step's artifacts are present"
	return a
}

// stepSatisfied reports whether step's defining artifacts exist. When they
// do not it also returns why and which artifact to produce next.
func stepSatisfied(step models.Step, p Presence, missing []models.Position, next string) (bool, string, string) {
	switch step {
	case models.StepInputValidation:
		return p.SpecValid, "job spec does not validate", ""
	case models.StepStorageSetup:
		return p.RepositoryRecorded, "no repository recorded for job", ""
	case models.StepRepositorySetup:
		return p.RepositoryExists, "recorded repository does not exist", ""
	case models.StepOutline:
		return p.Outline, "outline missing", artifact.OutlineName
	case models.StepContentGeneration:
		if len(missing) == 0 {
			return true, "", ""
		}
		return false, fmt.Sprintf("%d of %d sub-units incomplete (drafts %d/%d, summaries %d/%d), first gap %s",
			len(missing), p.ExpectedSubUnits, p.Drafts, p.ExpectedSubUnits, p.Summaries, p.ExpectedSubUnits,
			missing[0]), next
	case models.StepCompilation:
		return p.Compiled, "compiled draft missing", artifact.CompiledName
	case models.StepFrontMatter:
		return p.FrontMatter, "front matter missing", artifact.FrontMatterName
	default:
		// Unknown steps never count as done.
		return false, fmt.Sprintf("unhandled step %q", step), ""
	}
}

func repositoryOf(job *models.Job) artifact.Repository {
	var r artifact.Repository
	if job.RepoOwner != nil {
		r.Owner = *job.RepoOwner
	}
	if job.RepoName != nil {
		r.Name = *job.RepoName
	}
	return r
}

// FormatMissing renders positions as "(1,2), (2,1)".
func FormatMissing(positions []models.Position) string {
	parts := make([]string, len(positions))
	for i, p := range positions {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}
