package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/manuscript/internal/db"
	"github.com/raphaelgruber/manuscript/internal/llm"
	"github.com/raphaelgruber/manuscript/internal/models"
	"github.com/raphaelgruber/manuscript/internal/retry"
)

// memStore is an in-memory Store with the same semantics as *db.Client.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	progress []models.ProgressRecord
	units    map[string]models.Unit
	subUnits map[string]models.SubUnit
	mentions []models.EntityMention
	logs     []models.LogEntry
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]*models.Job),
		units:    make(map[string]models.Unit),
		subUnits: make(map[string]models.SubUnit),
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *memStore) QueryCreateJob(_ context.Context, id string, spec models.JobSpec) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; ok {
		return nil, db.ErrAlreadyExists
	}
	now := time.Now().UTC()
	job := &models.Job{
		ID:              surrealmodels.NewRecordID("job", id),
		Title:           spec.Title,
		Premise:         spec.Premise,
		Genre:           strPtr(spec.Genre),
		Audience:        strPtr(spec.Audience),
		UnitCount:       spec.UnitCount,
		SubUnitsPerUnit: spec.SubUnitsPerUnit,
		Status:          models.JobCreated,
		RepoOwner:       strPtr(spec.RepoOwner),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.jobs[id] = job
	cp := *job
	return &cp, nil
}

func (s *memStore) QueryGetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) QueryListJobs(_ context.Context) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	slices.SortFunc(out, func(a, b models.Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *memStore) QueryListJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.Job, error) {
	all, _ := s.QueryListJobs(ctx)
	var out []models.Job
	for _, j := range all {
		if slices.Contains(statuses, j.Status) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memStore) QueryUpdateJobStatus(_ context.Context, id string, status models.JobStatus, errMsg *string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	job.Status = status
	job.Error = errMsg
	job.UpdatedAt = time.Now().UTC()
	cp := *job
	return &cp, nil
}

func (s *memStore) QuerySetJobRepository(_ context.Context, id, owner, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return db.ErrNotFound
	}
	job.RepoOwner, job.RepoName = &owner, &name
	return nil
}

func (s *memStore) QueryDeleteJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	s.progress = slices.DeleteFunc(s.progress, func(r models.ProgressRecord) bool { return r.JobID == id })
	s.mentions = slices.DeleteFunc(s.mentions, func(m models.EntityMention) bool { return m.JobID == id })
	s.logs = slices.DeleteFunc(s.logs, func(l models.LogEntry) bool { return l.JobID != nil && *l.JobID == id })
	maps.DeleteFunc(s.units, func(_ string, u models.Unit) bool { return u.JobID == id })
	maps.DeleteFunc(s.subUnits, func(_ string, su models.SubUnit) bool { return su.JobID == id })
	return true, nil
}

func recordFrom(in db.ProgressInput) models.ProgressRecord {
	return models.ProgressRecord{
		ID:          surrealmodels.NewRecordID("progress", in.ID),
		JobID:       in.JobID,
		Step:        in.Step,
		Status:      in.Status,
		StartedAt:   in.StartedAt,
		CompletedAt: in.CompletedAt,
		Error:       in.Error,
		Metadata:    maps.Clone(in.Metadata),
	}
}

func (s *memStore) QueryStartStep(_ context.Context, in db.ProgressInput) (*models.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	superseded := db.SupersededMessage
	for i := range s.progress {
		r := &s.progress[i]
		if r.JobID == in.JobID && r.Status == models.StepStarted {
			at := in.StartedAt
			r.Status = models.StepFailed
			r.CompletedAt = &at
			r.Error = &superseded
		}
	}
	in.Status = models.StepStarted
	in.CompletedAt, in.Error = nil, nil
	rec := recordFrom(in)
	s.progress = append(s.progress, rec)
	return &rec, nil
}

func (s *memStore) QueryInsertProgress(_ context.Context, in db.ProgressInput) (*models.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := recordFrom(in)
	s.progress = append(s.progress, rec)
	return &rec, nil
}

func (s *memStore) QueryFinishStep(_ context.Context, jobID string, step models.Step, status models.StepStatus, completedAt time.Time, errMsg *string, metadata map[string]any) (*models.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.progress {
		r := &s.progress[i]
		if r.JobID != jobID || r.Step != step || r.Status != models.StepStarted {
			continue
		}
		r.Status = status
		r.CompletedAt = &completedAt
		if errMsg != nil {
			r.Error = errMsg
		}
		if len(metadata) > 0 {
			r.Metadata = maps.Clone(metadata)
		}
		cp := *r
		return &cp, nil
	}
	return nil, fmt.Errorf("finish step %s: %w", step, db.ErrNotFound)
}

func (s *memStore) QueryProgressHistory(_ context.Context, jobID string) ([]models.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProgressRecord
	for _, r := range s.progress {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b models.ProgressRecord) int { return a.StartedAt.Compare(b.StartedAt) })
	return out, nil
}

func (s *memStore) QueryLatestProgress(ctx context.Context, jobID string) (*models.ProgressRecord, error) {
	history, _ := s.QueryProgressHistory(ctx, jobID)
	if len(history) == 0 {
		return nil, nil
	}
	return &history[len(history)-1], nil
}

func (s *memStore) QueryDeleteProgressForSteps(_ context.Context, jobID string, steps []models.Step) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.progress)
	s.progress = slices.DeleteFunc(s.progress, func(r models.ProgressRecord) bool {
		return r.JobID == jobID && slices.Contains(steps, r.Step)
	})
	return before - len(s.progress), nil
}

func (s *memStore) QueryUpsertUnit(_ context.Context, jobID string, ordinal int, title string) (*models.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.UnitKey(jobID, ordinal)
	u, ok := s.units[key]
	if !ok {
		u = models.Unit{ID: surrealmodels.NewRecordID("unit", key), JobID: jobID, Ordinal: ordinal, CreatedAt: time.Now().UTC()}
	}
	u.Title = title
	s.units[key] = u
	return &u, nil
}

func (s *memStore) QueryUpsertSubUnit(_ context.Context, jobID string, pos models.Position, title string) (*models.SubUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.SubUnitKey(jobID, pos)
	su, ok := s.subUnits[key]
	if !ok {
		su = models.SubUnit{
			ID:          surrealmodels.NewRecordID("sub_unit", key),
			JobID:       jobID,
			UnitOrdinal: pos.Unit,
			Ordinal:     pos.SubUnit,
			CreatedAt:   time.Now().UTC(),
		}
	}
	su.Title = title
	s.subUnits[key] = su
	return &su, nil
}

func (s *memStore) QuerySetSubUnitArtifacts(_ context.Context, jobID string, pos models.Position, draftPath, summaryPath *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.SubUnitKey(jobID, pos)
	su, ok := s.subUnits[key]
	if !ok {
		return db.ErrNotFound
	}
	su.DraftPath, su.SummaryPath = draftPath, summaryPath
	s.subUnits[key] = su
	return nil
}

func (s *memStore) QueryListSubUnits(_ context.Context, jobID string) ([]models.SubUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SubUnit
	for _, su := range s.subUnits {
		if su.JobID == jobID {
			out = append(out, su)
		}
	}
	slices.SortFunc(out, func(a, b models.SubUnit) int {
		if a.Position().Less(b.Position()) {
			return -1
		}
		if b.Position().Less(a.Position()) {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *memStore) QueryReplaceEntityMentions(_ context.Context, jobID, subUnitID string, mentions []db.MentionInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mentions = slices.DeleteFunc(s.mentions, func(m models.EntityMention) bool { return m.SubUnitID == subUnitID })
	for _, m := range mentions {
		s.mentions = append(s.mentions, models.EntityMention{
			JobID:     jobID,
			SubUnitID: subUnitID,
			Category:  m.Category,
			Value:     m.Value,
			CreatedAt: time.Now().UTC(),
		})
	}
	return nil
}

func (s *memStore) QueryListEntityMentions(_ context.Context, jobID string) ([]models.EntityMention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EntityMention
	for _, m := range s.mentions {
		if m.JobID == jobID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) QueryAppendLog(_ context.Context, in db.LogInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, models.LogEntry{
		JobID:     in.JobID,
		Level:     in.Level,
		Message:   in.Message,
		Step:      in.Step,
		Details:   in.Details,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (s *memStore) QueryListLogs(_ context.Context, jobID string, limit int) ([]models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LogEntry
	for _, l := range s.logs {
		if l.JobID != nil && *l.JobID == jobID {
			out = append(out, l)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// counts returns the number of records the store holds for jobID.
func (s *memStore) counts(jobID string) (progress, units, subUnits, mentions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.progress {
		if r.JobID == jobID {
			progress++
		}
	}
	for _, u := range s.units {
		if u.JobID == jobID {
			units++
		}
	}
	for _, su := range s.subUnits {
		if su.JobID == jobID {
			subUnits++
		}
	}
	for _, m := range s.mentions {
		if m.JobID == jobID {
			mentions++
		}
	}
	return
}

// fakeGenerator produces deterministic content and records every request.
type fakeGenerator struct {
	mu                   sync.Mutex
	drafts               []llm.DraftRequest
	summarized           []models.Position
	frontMatterSummaries []string

	// draftErr, when set, is consulted before each draft.
	draftErr func(pos models.Position) error
	// draftPanic makes Draft panic for the position.
	draftPanic *models.Position
	// block, when set, is received from before each draft returns.
	block chan struct{}
}

var _ Generator = (*fakeGenerator)(nil)

func (g *fakeGenerator) Outline(_ context.Context, brief llm.Brief, layout models.Layout) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n", brief.Title)
	for u, count := range layout {
		fmt.Fprintf(&sb, "\n## Chapter %d: Part %d\n\nUnit %d plan.\n", u+1, u+1, u+1)
		for s := 1; s <= count; s++ {
			fmt.Fprintf(&sb, "\n### %d.%d - Scene %d-%d\n\nScene plan.\n", u+1, s, u+1, s)
		}
	}
	return sb.String(), nil
}

func (g *fakeGenerator) Draft(_ context.Context, req llm.DraftRequest) (string, error) {
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	g.drafts = append(g.drafts, req)
	errFn, panicAt := g.draftErr, g.draftPanic
	g.mu.Unlock()

	if panicAt != nil && *panicAt == req.Position {
		panic("draft exploded")
	}
	if errFn != nil {
		if err := errFn(req.Position); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Draft text for %d.%d featuring Person%d%d in Town%d.",
		req.Position.Unit, req.Position.SubUnit, req.Position.Unit, req.Position.SubUnit, req.Position.Unit), nil
}

func (g *fakeGenerator) Summarize(_ context.Context, _ llm.Brief, pos models.Position, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.summarized = append(g.summarized, pos)
	return summaryText(pos), nil
}

func summaryText(pos models.Position) string {
	return fmt.Sprintf("Summary of %d.%d", pos.Unit, pos.SubUnit)
}

func (g *fakeGenerator) ExtractEntities(_ context.Context, content string) ([]llm.Entity, error) {
	var out []llm.Entity
	for _, word := range strings.Fields(strings.Trim(content, ".")) {
		word = strings.Trim(word, ".,")
		switch {
		case strings.HasPrefix(word, "Person"):
			out = append(out, llm.Entity{Category: models.CategoryPerson, Name: word})
		case strings.HasPrefix(word, "Town"):
			out = append(out, llm.Entity{Category: models.CategoryPlace, Name: word})
		}
	}
	return out, nil
}

func (g *fakeGenerator) FrontMatter(_ context.Context, brief llm.Brief, _ string, summaries []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frontMatterSummaries = slices.Clone(summaries)
	return "Front matter for " + brief.Title, nil
}

func (g *fakeGenerator) draftCalls() []llm.DraftRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.drafts)
}

func (g *fakeGenerator) draftedPositions() []models.Position {
	var out []models.Position
	for _, req := range g.draftCalls() {
		out = append(out, req.Position)
	}
	return out
}

func (g *fakeGenerator) summarizedPositions() []models.Position {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.summarized)
}

var errTransient = &retry.StatusError{StatusCode: 503, Err: errors.New("service unavailable")}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testInvoker() *retry.Invoker {
	return retry.New(retry.Config{MaxAttempts: 2}, discardLogger())
}
