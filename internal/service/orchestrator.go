package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/manuscript/internal/artifact"
	"github.com/raphaelgruber/manuscript/internal/llm"
	"github.com/raphaelgruber/manuscript/internal/models"
	"github.com/raphaelgruber/manuscript/internal/retry"
)

// Generator produces every piece of generated content the pipeline needs.
// *llm.Model implements it.
type Generator interface {
	Outline(ctx context.Context, brief llm.Brief, layout models.Layout) (string, error)
	Draft(ctx context.Context, req llm.DraftRequest) (string, error)
	Summarize(ctx context.Context, brief llm.Brief, pos models.Position, title, draft string) (string, error)
	FrontMatter(ctx context.Context, brief llm.Brief, outline string, summaries []string) (string, error)
	EntityExtractor
}

var _ Generator = (*llm.Model)(nil)

// Options configures an Orchestrator.
type Options struct {
	// RepoOwner is used when a job spec names no owner.
	RepoOwner string
	Logger    *slog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// ResumeResult describes where a resumed job re-entered the pipeline.
type ResumeResult struct {
	ResumedFromStep models.Step `json:"resumedFromStep"`
	DriftDetected   bool        `json:"driftDetected"`
	Analysis        *Analysis   `json:"analysis,omitempty"`
}

// Orchestrator sequences the pipeline steps of every job.
type Orchestrator struct {
	store      Store
	artifacts  artifact.Store
	gen        Generator
	invoker    *retry.Invoker
	ledger     *Ledger
	reconciler *Reconciler
	tracker    *EntityTracker
	tasks      *TaskManager
	log        *JobLogger
	logger     *slog.Logger
	repoOwner  string
	now        func() time.Time
}

// NewOrchestrator wires an Orchestrator. artifacts should already be
// wrapped by artifact.NewResilientStore when it talks to a remote backend.
func NewOrchestrator(store Store, artifacts artifact.Store, gen Generator, invoker *retry.Invoker, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	owner := opts.RepoOwner
	if owner == "" {
		owner = "manuscript"
	}

	ledger := NewLedger(store)
	ledger.now = now

	return &Orchestrator{
		store:      store,
		artifacts:  artifacts,
		gen:        gen,
		invoker:    invoker,
		ledger:     ledger,
		reconciler: NewReconciler(artifacts),
		tracker:    NewEntityTracker(store, gen, invoker, logger),
		tasks:      NewTaskManager(logger),
		log:        NewJobLogger(logger, store),
		logger:     logger,
		repoOwner:  owner,
		now:        now,
	}
}

// Start validates spec, creates the job and runs the setup steps before
// returning. The remaining steps continue in the background; use Wait to
// await them. When a setup step fails the job ID is returned with the error.
func (o *Orchestrator) Start(ctx context.Context, spec models.JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	jobID := uuid.NewString()
	if _, err := o.store.QueryCreateJob(ctx, jobID, spec); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	o.log.Info(ctx, jobID, "", "job created", map[string]any{
		"title":    spec.Title,
		"units":    spec.UnitCount,
		"subunits": spec.SubUnitsPerUnit,
	})

	for _, step := range models.Steps[:models.StepOutline.Index()] {
		err := o.runStep(ctx, jobID, step, nil)
		if errors.Is(err, errJobPaused) {
			o.log.Info(ctx, jobID, step, "job paused during setup", nil)
			return jobID, nil
		}
		if err != nil {
			o.fail(ctx, jobID, err)
			return jobID, err
		}
	}

	if _, err := o.launch(ctx, jobID, models.StepOutline, nil); err != nil {
		return jobID, err
	}
	return jobID, nil
}

// Resume reconciles the job against its artifacts and continues it from the
// step the artifacts say it has reached. The ledger is repaired first when
// it disagrees.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (*ResumeResult, error) {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if o.tasks.Live(jobID) != nil {
		return nil, fmt.Errorf("%w: job %s is already running", ErrInvalidState, jobID)
	}
	switch job.Status {
	case models.JobCompleted, models.JobGenerating:
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.Status)
	}

	analysis, err := o.reconciler.Analyze(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("analyze job: %w", err)
	}
	history, err := o.ledger.History(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	claimed := LedgerPosition(history)

	if analysis.TrueStep == models.StepCompleted {
		ok, err := o.artifacts.Exists(ctx, repositoryOf(job), artifact.FrontMatterName)
		if err != nil {
			return nil, fmt.Errorf("confirm %s: %w", artifact.FrontMatterName, err)
		}
		if !ok {
			analysis.TrueStep = models.StepFrontMatter
			analysis.NextArtifact = artifact.FrontMatterName
			analysis.Rationale = "front matter not confirmed by the store"
		}
	}

	trueStep := analysis.TrueStep
	status, err := models.StatusForStep(trueStep)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(job.Status, status) {
		return nil, fmt.Errorf("%w: cannot move job from %s to %s", ErrInvalidState, job.Status, status)
	}
	drift := claimed != trueStep
	if drift {
		removed, err := o.ledger.TruncateAfter(ctx, jobID, trueStep)
		if err != nil {
			return nil, err
		}
		o.log.Warn(ctx, jobID, trueStep, "ledger drift repaired", map[string]any{
			"ledger_step":     string(claimed),
			"true_step":       string(trueStep),
			"removed_records": removed,
			"rationale":       analysis.Rationale,
		})
	}

	meta := map[string]any{
		MetaDriftDetected: drift,
		MetaPreviousStep:  string(claimed),
	}
	if drift {
		meta[MetaLedgerSynced] = true
	}
	result := &ResumeResult{ResumedFromStep: trueStep, DriftDetected: drift, Analysis: analysis}

	if trueStep == models.StepCompleted {
		if err := o.complete(ctx, jobID, meta); err != nil {
			return nil, err
		}
		o.log.Info(ctx, jobID, models.StepCompleted, "job already complete", nil)
		return result, nil
	}

	// Leave paused/error before returning so watchers never see the run as
	// settled.
	if _, err := o.store.QueryUpdateJobStatus(ctx, jobID, status, nil); err != nil {
		return nil, fmt.Errorf("set status %s: %w", status, err)
	}

	if _, err := o.launch(ctx, jobID, trueStep, meta); err != nil {
		return nil, err
	}
	o.log.Info(ctx, jobID, trueStep, "job resumed", map[string]any{
		"drift_detected": drift,
		"next_artifact":  analysis.NextArtifact,
	})
	return result, nil
}

// Pause marks the job paused and records an informational ledger entry. A
// running pipeline stops at its next step boundary; in-flight calls finish.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) error {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobCompleted {
		return fmt.Errorf("%w: job %s is completed", ErrInvalidState, jobID)
	}

	if task := o.tasks.Live(jobID); task != nil {
		task.RequestPause()
	}
	if _, err := o.store.QueryUpdateJobStatus(ctx, jobID, models.JobPaused, nil); err != nil {
		return fmt.Errorf("pause job: %w", err)
	}

	history, err := o.ledger.History(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	step := LedgerPosition(history)
	if err := o.ledger.Note(ctx, jobID, step, ReasonManualPause, nil); err != nil {
		return err
	}
	o.log.Info(ctx, jobID, step, "pause requested", nil)
	return nil
}

// Delete removes the job and all of its records. Artifacts are kept.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	if o.tasks.Live(jobID) != nil {
		return fmt.Errorf("%w: job %s is running", ErrInvalidState, jobID)
	}
	deleted, err := o.store.QueryDeleteJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	o.tasks.Forget(jobID)
	o.logger.Info("job deleted", "job_id", jobID)
	return nil
}

// Get returns a job.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return o.getJob(ctx, jobID)
}

// List returns every job, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]models.Job, error) {
	return o.store.QueryListJobs(ctx)
}

// Progress returns the job's ledger in start order.
func (o *Orchestrator) Progress(ctx context.Context, jobID string) ([]models.ProgressRecord, error) {
	if _, err := o.getJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.ledger.History(ctx, jobID)
}

// Latest returns the job's most recent ledger entry, or nil.
func (o *Orchestrator) Latest(ctx context.Context, jobID string) (*models.ProgressRecord, error) {
	return o.ledger.CurrentStep(ctx, jobID)
}

// Analyze returns the reconciler's view of the job without changing it.
func (o *Orchestrator) Analyze(ctx context.Context, jobID string) (*Analysis, error) {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return o.reconciler.Analyze(ctx, job)
}

// Logs returns the job's persisted log lines.
func (o *Orchestrator) Logs(ctx context.Context, jobID string, limit int) ([]models.LogEntry, error) {
	if _, err := o.getJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.log.Entries(ctx, jobID, limit)
}

// Running reports whether the job has a live pipeline run.
func (o *Orchestrator) Running(jobID string) bool {
	return o.tasks.Live(jobID) != nil
}

// Wait blocks until the job's latest run returns and yields its result.
// It returns nil immediately when the job has never run in this process.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) error {
	task := o.tasks.Get(jobID)
	if task == nil {
		return nil
	}
	return task.Wait(ctx)
}

// RecoverInterrupted marks jobs left processing or generating by a previous
// process as failed. With autoResume they are resumed right away. It returns
// the IDs of the jobs it touched.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context, autoResume bool) ([]string, error) {
	jobs, err := o.store.QueryListJobsByStatus(ctx, models.JobProcessing, models.JobGenerating)
	if err != nil {
		return nil, fmt.Errorf("list interrupted jobs: %w", err)
	}

	var recovered []string
	for i := range jobs {
		jobID := jobs[i].JobID()
		if o.tasks.Live(jobID) != nil {
			continue
		}
		msg := ReasonInterrupted
		if _, err := o.store.QueryUpdateJobStatus(ctx, jobID, models.JobError, &msg); err != nil {
			o.logger.Warn("failed to mark job interrupted", "job_id", jobID, "error", err)
			continue
		}
		if rec, err := o.ledger.CurrentStep(ctx, jobID); err == nil && rec != nil && rec.Open() {
			if err := o.ledger.FailStep(ctx, jobID, rec.Step, ReasonInterrupted, nil); err != nil {
				o.logger.Warn("failed to close interrupted step", "job_id", jobID, "error", err)
			}
		}
		o.log.Warn(ctx, jobID, "", "job interrupted by restart", nil)
		recovered = append(recovered, jobID)

		if autoResume {
			if _, err := o.Resume(ctx, jobID); err != nil {
				o.logger.Warn("auto-resume failed", "job_id", jobID, "error", err)
			}
		}
	}
	if len(recovered) > 0 {
		o.logger.Info("recovered interrupted jobs", "count", len(recovered), "auto_resume", autoResume)
	}
	return recovered, nil
}

// Shutdown waits for every live run to return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	running := o.tasks.Running()
	if len(running) > 0 {
		o.logger.Info("waiting for running jobs", "count", len(running))
	}
	return o.tasks.WaitAll(ctx)
}

func (o *Orchestrator) getJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.store.QueryGetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

// launch runs the pipeline from step in a background task. The task is
// detached from ctx's cancellation but keeps its values.
func (o *Orchestrator) launch(ctx context.Context, jobID string, from models.Step, meta map[string]any) (*Task, error) {
	bg := context.WithoutCancel(ctx)
	return o.tasks.Launch(jobID, func(t *Task) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r}
			}
			if err != nil {
				o.fail(bg, jobID, err)
			}
		}()
		return o.runPipeline(bg, t, jobID, from, meta)
	})
}

// runPipeline executes from and every later step. A pause request is
// honoured between steps.
func (o *Orchestrator) runPipeline(ctx context.Context, task *Task, jobID string, from models.Step, meta map[string]any) error {
	for _, step := range models.StepsFrom(from) {
		if task.PauseRequested() {
			return o.stopPaused(ctx, jobID, step)
		}
		var stepMeta map[string]any
		if step == from {
			stepMeta = meta
		}
		err := o.runStep(ctx, jobID, step, stepMeta)
		if errors.Is(err, errJobPaused) {
			return o.stopPaused(ctx, jobID, step)
		}
		if err != nil {
			return err
		}
	}
	if task.PauseRequested() {
		o.logger.Info("pause requested after final step, completing", "job_id", jobID)
	}
	return o.complete(ctx, jobID, nil)
}

func (o *Orchestrator) stopPaused(ctx context.Context, jobID string, next models.Step) error {
	if _, err := o.store.QueryUpdateJobStatus(ctx, jobID, models.JobPaused, nil); err != nil {
		return fmt.Errorf("pause job: %w", err)
	}
	o.log.Info(ctx, jobID, next, "job paused at step boundary", nil)
	return nil
}

// runStep records the step in the ledger and executes it. Failures come
// back as *StepError; recording them is left to fail.
func (o *Orchestrator) runStep(ctx context.Context, jobID string, step models.Step, meta map[string]any) error {
	status, err := models.StatusForStep(step)
	if err != nil {
		return &StepError{Step: step, Err: err}
	}
	job, err := o.setStatus(ctx, jobID, status)
	if errors.Is(err, errJobPaused) {
		return err
	}
	if err != nil {
		return &StepError{Step: step, Err: err}
	}
	if _, err := o.ledger.StartStep(ctx, jobID, step, meta); err != nil {
		return &StepError{Step: step, Err: err}
	}
	o.log.Info(ctx, jobID, step, "step started", nil)

	started := o.now()
	if err := o.execStep(ctx, job, step); err != nil {
		return &StepError{Step: step, Err: err}
	}

	if err := o.ledger.CompleteStep(ctx, jobID, step, nil); err != nil {
		return &StepError{Step: step, Err: err}
	}
	o.log.Info(ctx, jobID, step, "step completed", map[string]any{
		"duration_ms": o.now().Sub(started).Milliseconds(),
	})
	return nil
}

// execStep dispatches to the step's implementation. A panic in step code
// is returned as a *PanicError.
func (o *Orchestrator) execStep(ctx context.Context, job *models.Job, step models.Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("step panicked", "job_id", job.JobID(), "step", step, "panic", r)
			err = &PanicError{Value: r}
		}
	}()

	switch step {
	case models.StepInputValidation:
		return o.validateInput(job)
	case models.StepStorageSetup:
		return o.setupStorage(ctx, job)
	case models.StepRepositorySetup:
		return o.setupRepository(ctx, job)
	case models.StepOutline:
		return o.generateOutline(ctx, job)
	case models.StepContentGeneration:
		return o.generateContent(ctx, job)
	case models.StepCompilation:
		return o.compile(ctx, job)
	case models.StepFrontMatter:
		return o.generateFrontMatter(ctx, job)
	case models.StepCompleted:
		return fmt.Errorf("%q is not executable", step)
	default:
		return fmt.Errorf("unknown step %q", step)
	}
}

// errJobPaused is returned by setStatus when a pause landed before the
// next step could claim the job.
var errJobPaused = errors.New("job paused")

// setStatus moves the job to status if the transition is allowed and
// returns the updated job. A paused job is only left through Resume.
func (o *Orchestrator) setStatus(ctx context.Context, jobID string, status models.JobStatus) (*models.Job, error) {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobPaused && status != models.JobPaused {
		return nil, errJobPaused
	}
	if !models.CanTransition(job.Status, status) {
		return nil, fmt.Errorf("%w: cannot move job from %s to %s", ErrInvalidState, job.Status, status)
	}
	if job.Status == status && job.Error == nil {
		return job, nil
	}
	updated, err := o.store.QueryUpdateJobStatus(ctx, jobID, status, nil)
	if err != nil {
		return nil, fmt.Errorf("set status %s: %w", status, err)
	}
	return updated, nil
}

// complete records the terminal pseudo-step and marks the job completed.
func (o *Orchestrator) complete(ctx context.Context, jobID string, meta map[string]any) error {
	if _, err := o.ledger.StartStep(ctx, jobID, models.StepCompleted, meta); err != nil {
		return err
	}
	if err := o.ledger.CompleteStep(ctx, jobID, models.StepCompleted, nil); err != nil {
		return err
	}
	if _, err := o.store.QueryUpdateJobStatus(ctx, jobID, models.JobCompleted, nil); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	o.log.Info(ctx, jobID, models.StepCompleted, "job completed", nil)
	return nil
}

// fail records err against the failing step and moves the job to error.
func (o *Orchestrator) fail(ctx context.Context, jobID string, err error) {
	ctx = context.WithoutCancel(ctx)
	msg := err.Error()

	var step models.Step
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		step = stepErr.Step
		msg = stepErr.Err.Error()
	} else if rec, lerr := o.ledger.CurrentStep(ctx, jobID); lerr == nil && rec != nil && rec.Open() {
		step = rec.Step
	}

	if step != "" {
		if ferr := o.ledger.FailStep(ctx, jobID, step, msg, nil); ferr != nil {
			o.logger.Error("failed to record step failure", "job_id", jobID, "step", step, "error", ferr)
		}
	}
	if _, serr := o.store.QueryUpdateJobStatus(ctx, jobID, models.JobError, &msg); serr != nil {
		o.logger.Error("failed to set job error", "job_id", jobID, "error", serr)
	}
	o.log.Error(ctx, jobID, step, "job failed", map[string]any{"error": msg})
}
