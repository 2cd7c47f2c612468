package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/manuscript/internal/artifact"
	"github.com/raphaelgruber/manuscript/internal/llm"
	"github.com/raphaelgruber/manuscript/internal/models"
	"github.com/raphaelgruber/manuscript/internal/parser"
	"github.com/raphaelgruber/manuscript/internal/retry"
)

// repositoryName derives the job's repository name from its title and ID.
func repositoryName(title, jobID string) string {
	slug := models.Slugify(title)
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	if slug == "" {
		return "manuscript-" + short
	}
	return slug + "-" + short
}

func (o *Orchestrator) validateInput(job *models.Job) error {
	if err := job.Spec().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

func (o *Orchestrator) setupStorage(ctx context.Context, job *models.Job) error {
	if job.HasRepository() {
		return nil
	}
	owner := o.repoOwner
	if job.RepoOwner != nil && *job.RepoOwner != "" {
		owner = *job.RepoOwner
	}
	jobID := job.JobID()
	name := repositoryName(job.Title, jobID)
	if err := o.store.QuerySetJobRepository(ctx, jobID, owner, name); err != nil {
		return fmt.Errorf("record repository: %w", err)
	}
	job.RepoOwner, job.RepoName = &owner, &name
	o.log.Info(ctx, jobID, models.StepStorageSetup, "repository assigned", map[string]any{
		"repository": owner + "/" + name,
	})
	return nil
}

func (o *Orchestrator) setupRepository(ctx context.Context, job *models.Job) error {
	if !job.HasRepository() {
		return errors.New("no repository recorded for job")
	}
	repo := repositoryOf(job)
	if err := o.artifacts.EnsureRepository(ctx, repo, job.Title); err != nil {
		return fmt.Errorf("ensure repository %s: %w", repo, err)
	}
	return nil
}

func (o *Orchestrator) generateOutline(ctx context.Context, job *models.Job) error {
	jobID := job.JobID()
	repo := repositoryOf(job)

	exists, err := o.artifacts.Exists(ctx, repo, artifact.OutlineName)
	if err != nil {
		return fmt.Errorf("check outline: %w", err)
	}
	if !exists {
		brief := llm.BriefFromSpec(job.Spec())
		text, err := retry.InvokeText(ctx, o.invoker, "generate_outline", func(ctx context.Context) (string, error) {
			return o.gen.Outline(ctx, brief, job.Layout())
		})
		if err != nil {
			return fmt.Errorf("generate outline: %w", err)
		}
		if err := o.writeArtifact(ctx, job, artifact.OutlineName, parser.Envelope{
			Kind:  string(artifact.KindOutline),
			Title: job.Title,
		}, text, "Add outline"); err != nil {
			return err
		}
	} else {
		o.log.Info(ctx, jobID, models.StepOutline, "outline already present", nil)
	}

	outline, _, err := o.loadOutline(ctx, job)
	if err != nil {
		return err
	}
	_, err = o.ensureStructure(ctx, job, outline)
	return err
}

// generateContent produces the draft and summary of every sub-unit still
// missing one, in order. Pairs already complete are not regenerated; their
// summaries feed the context of later pairs. A pair that fails with a
// non-fatal error is skipped and reported once the loop ends.
func (o *Orchestrator) generateContent(ctx context.Context, job *models.Job) error {
	jobID := job.JobID()
	repo := repositoryOf(job)
	brief := llm.BriefFromSpec(job.Spec())

	outline, outlineBody, err := o.loadOutline(ctx, job)
	if err != nil {
		return err
	}
	subUnits, err := o.ensureStructure(ctx, job, outline)
	if err != nil {
		return err
	}

	files, err := o.artifacts.List(ctx, repo)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}
	complete := func(pos models.Position) bool {
		return present[artifact.DraftName(pos)] && present[artifact.SummaryName(pos)]
	}

	positions := job.Layout().Positions()
	first := len(positions)
	for i, pos := range positions {
		if !complete(pos) {
			first = i
			break
		}
	}

	acc := NewContextAccumulator()
	if _, err := acc.LoadExisting(ctx, o.artifacts, repo, positions[:first]); err != nil {
		return fmt.Errorf("rehydrate context: %w", err)
	}
	if first > 0 {
		o.log.Info(ctx, jobID, models.StepContentGeneration, "context rehydrated", map[string]any{
			"summaries": acc.Len(),
		})
	}

	var gaps []models.Position
	generated := 0
	for _, pos := range positions[first:] {
		if complete(pos) {
			summary, err := o.readBody(ctx, repo, artifact.SummaryName(pos))
			if err != nil {
				return fmt.Errorf("load summary %s: %w", pos, err)
			}
			acc.Append(summary)
			continue
		}

		su, ok := subUnits[pos]
		if !ok {
			return fmt.Errorf("outline has no entry for sub-unit %s", pos)
		}
		var perr error
		if present[artifact.DraftName(pos)] {
			perr = o.summarizeExisting(ctx, job, brief, su, acc)
		} else {
			perr = o.generatePair(ctx, job, brief, outline, outlineBody, su, acc)
		}
		if perr == nil {
			generated++
			continue
		}
		if retry.IsFatal(perr) || ctx.Err() != nil {
			return fmt.Errorf("sub-unit %s: %w", pos, perr)
		}
		gaps = append(gaps, pos)
		o.log.Warn(ctx, jobID, models.StepContentGeneration, "sub-unit failed, skipping", map[string]any{
			"position": pos.String(),
			"error":    perr.Error(),
		})
	}

	o.log.Info(ctx, jobID, models.StepContentGeneration, "content pass finished", map[string]any{
		"generated": generated,
		"gaps":      len(gaps),
	})
	if len(gaps) > 0 {
		return fmt.Errorf("%d sub-units incomplete: %s", len(gaps), FormatMissing(gaps))
	}
	return nil
}

// generatePair writes a new draft and summary for one sub-unit.
func (o *Orchestrator) generatePair(ctx context.Context, job *models.Job, brief llm.Brief, outline *parser.Outline, outlineBody string, su *models.SubUnit, acc *ContextAccumulator) error {
	jobID := job.JobID()
	pos := su.Position()

	avoid, err := o.tracker.AvoidanceLists(ctx, jobID)
	if err != nil {
		return err
	}
	req := llm.DraftRequest{
		Brief:          brief,
		Outline:        outlineBody,
		Position:       pos,
		SubUnitTitle:   su.Title,
		PriorSummaries: acc.Snapshot(),
		Avoid:          avoid,
	}
	if unit := outlineUnit(outline, pos.Unit); unit != nil {
		req.UnitTitle = unit.Title
	}
	if plan, ok := outline.SubUnit(pos); ok {
		req.Synopsis = plan.Synopsis
	}

	draft, err := retry.InvokeText(ctx, o.invoker, "generate_draft", func(ctx context.Context) (string, error) {
		return o.gen.Draft(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("generate draft: %w", err)
	}
	draftName := artifact.DraftName(pos)
	if err := o.writeArtifact(ctx, job, draftName, parser.Envelope{
		Kind:    string(artifact.KindDraft),
		Title:   su.Title,
		Unit:    pos.Unit,
		SubUnit: pos.SubUnit,
	}, draft, fmt.Sprintf("Add draft %d.%d", pos.Unit, pos.SubUnit)); err != nil {
		return err
	}

	summaryName, summary, err := o.summarize(ctx, job, brief, su, draft)
	if err != nil {
		return err
	}
	acc.Append(summary)

	if err := o.store.QuerySetSubUnitArtifacts(ctx, jobID, pos, &draftName, &summaryName); err != nil {
		o.logger.Warn("failed to record sub-unit artifacts", "job_id", jobID, "position", pos.String(), "error", err)
	}
	if _, err := o.tracker.Extract(ctx, jobID, models.SubUnitKey(jobID, pos), draft); err != nil {
		o.log.Warn(ctx, jobID, models.StepContentGeneration, "entity extraction failed", map[string]any{
			"position": pos.String(),
			"error":    err.Error(),
		})
	}
	o.log.Info(ctx, jobID, models.StepContentGeneration, "sub-unit generated", map[string]any{
		"position":      pos.String(),
		"prior_context": len(req.PriorSummaries),
	})
	return nil
}

// summarizeExisting completes a sub-unit whose draft exists but whose
// summary does not. Entities are only extracted when none were recorded.
func (o *Orchestrator) summarizeExisting(ctx context.Context, job *models.Job, brief llm.Brief, su *models.SubUnit, acc *ContextAccumulator) error {
	jobID := job.JobID()
	pos := su.Position()
	repo := repositoryOf(job)

	draftName := artifact.DraftName(pos)
	draft, err := o.readBody(ctx, repo, draftName)
	if err != nil {
		return fmt.Errorf("read draft: %w", err)
	}
	summaryName, summary, err := o.summarize(ctx, job, brief, su, draft)
	if err != nil {
		return err
	}
	acc.Append(summary)

	if err := o.store.QuerySetSubUnitArtifacts(ctx, jobID, pos, &draftName, &summaryName); err != nil {
		o.logger.Warn("failed to record sub-unit artifacts", "job_id", jobID, "position", pos.String(), "error", err)
	}

	subUnitID := models.SubUnitKey(jobID, pos)
	has, err := o.tracker.HasMentions(ctx, jobID, subUnitID)
	if err == nil && !has {
		_, err = o.tracker.Extract(ctx, jobID, subUnitID, draft)
	}
	if err != nil {
		o.log.Warn(ctx, jobID, models.StepContentGeneration, "entity extraction failed", map[string]any{
			"position": pos.String(),
			"error":    err.Error(),
		})
	}
	o.log.Info(ctx, jobID, models.StepContentGeneration, "sub-unit summarized from existing draft", map[string]any{
		"position": pos.String(),
	})
	return nil
}

func (o *Orchestrator) summarize(ctx context.Context, job *models.Job, brief llm.Brief, su *models.SubUnit, draft string) (string, string, error) {
	pos := su.Position()
	summary, err := retry.InvokeText(ctx, o.invoker, "summarize", func(ctx context.Context) (string, error) {
		return o.gen.Summarize(ctx, brief, pos, su.Title, draft)
	})
	if err != nil {
		return "", "", fmt.Errorf("summarize: %w", err)
	}
	name := artifact.SummaryName(pos)
	if err := o.writeArtifact(ctx, job, name, parser.Envelope{
		Kind:    string(artifact.KindSummary),
		Title:   su.Title,
		Unit:    pos.Unit,
		SubUnit: pos.SubUnit,
	}, summary, fmt.Sprintf("Add summary %d.%d", pos.Unit, pos.SubUnit)); err != nil {
		return "", "", err
	}
	return name, strings.TrimSpace(summary), nil
}

// compile concatenates every draft in order under its outline headings.
func (o *Orchestrator) compile(ctx context.Context, job *models.Job) error {
	repo := repositoryOf(job)
	outline, _, err := o.loadOutline(ctx, job)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("# ")
	sb.WriteString(outline.Title)
	sb.WriteString("\n")
	for _, unit := range outline.Units {
		fmt.Fprintf(&sb, "\n## Chapter %d: %s\n", unit.Ordinal, unit.Title)
		for _, sub := range unit.SubUnits {
			body, err := o.readBody(ctx, repo, artifact.DraftName(sub.Position))
			if err != nil {
				return fmt.Errorf("read draft %s: %w", sub.Position, err)
			}
			fmt.Fprintf(&sb, "\n### %s\n\n%s\n", sub.Title, body)
		}
	}

	return o.writeArtifact(ctx, job, artifact.CompiledName, parser.Envelope{
		Kind:  string(artifact.KindCompiled),
		Title: outline.Title,
	}, sb.String(), "Compile draft")
}

func (o *Orchestrator) generateFrontMatter(ctx context.Context, job *models.Job) error {
	repo := repositoryOf(job)
	_, outlineBody, err := o.loadOutline(ctx, job)
	if err != nil {
		return err
	}

	acc := NewContextAccumulator()
	summaries, err := acc.LoadExisting(ctx, o.artifacts, repo, job.Layout().Positions())
	if err != nil {
		return fmt.Errorf("load summaries: %w", err)
	}

	brief := llm.BriefFromSpec(job.Spec())
	text, err := retry.InvokeText(ctx, o.invoker, "generate_front_matter", func(ctx context.Context) (string, error) {
		return o.gen.FrontMatter(ctx, brief, outlineBody, summaries)
	})
	if err != nil {
		return fmt.Errorf("generate front matter: %w", err)
	}
	return o.writeArtifact(ctx, job, artifact.FrontMatterName, parser.Envelope{
		Kind:  string(artifact.KindFrontMatter),
		Title: job.Title,
	}, text, "Add front matter")
}

// ensureStructure creates the unit and sub-unit records named by the
// outline. Records that already exist are updated in place.
func (o *Orchestrator) ensureStructure(ctx context.Context, job *models.Job, outline *parser.Outline) (map[models.Position]*models.SubUnit, error) {
	jobID := job.JobID()
	out := make(map[models.Position]*models.SubUnit)
	for _, unit := range outline.Units {
		if _, err := o.store.QueryUpsertUnit(ctx, jobID, unit.Ordinal, unit.Title); err != nil {
			return nil, fmt.Errorf("upsert unit %d: %w", unit.Ordinal, err)
		}
		for _, sub := range unit.SubUnits {
			su, err := o.store.QueryUpsertSubUnit(ctx, jobID, sub.Position, sub.Title)
			if err != nil {
				return nil, fmt.Errorf("upsert sub-unit %s: %w", sub.Position, err)
			}
			out[sub.Position] = su
		}
	}
	return out, nil
}

func (o *Orchestrator) loadOutline(ctx context.Context, job *models.Job) (*parser.Outline, string, error) {
	body, err := o.readBody(ctx, repositoryOf(job), artifact.OutlineName)
	if err != nil {
		return nil, "", fmt.Errorf("read outline: %w", err)
	}
	outline, err := parser.ParseOutline(body, job.Layout())
	if err != nil {
		return nil, "", fmt.Errorf("parse outline: %w", err)
	}
	if outline.Title == "" {
		outline.Title = job.Title
	}
	return outline, body, nil
}

func (o *Orchestrator) readBody(ctx context.Context, repo artifact.Repository, name string) (string, error) {
	raw, err := o.artifacts.Read(ctx, repo, name)
	if err != nil {
		return "", err
	}
	_, body, err := parser.ParseArtifact(raw)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", name, err)
	}
	return body, nil
}

func (o *Orchestrator) writeArtifact(ctx context.Context, job *models.Job, name string, env parser.Envelope, body, message string) error {
	env.Job = job.JobID()
	env.GeneratedAt = o.now().UTC()
	content, err := parser.RenderArtifact(env, body)
	if err != nil {
		return err
	}
	if err := o.artifacts.Write(ctx, repositoryOf(job), name, content, message); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func outlineUnit(outline *parser.Outline, ordinal int) *parser.OutlineUnit {
	for i := range outline.Units {
		if outline.Units[i].Ordinal == ordinal {
			return &outline.Units[i]
		}
	}
	return nil
}
