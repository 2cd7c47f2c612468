package service

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/raphaelgruber/manuscript/internal/artifact"
	"github.com/raphaelgruber/manuscript/internal/models"
	"github.com/raphaelgruber/manuscript/internal/parser"
)

// ContextAccumulator holds the summaries of every sub-unit produced so far,
// in ordinal order. Nothing is ever dropped.
type ContextAccumulator struct {
	mu        sync.Mutex
	summaries []string
}

// NewContextAccumulator creates an empty accumulator.
func NewContextAccumulator() *ContextAccumulator {
	return &ContextAccumulator{}
}

// LoadExisting replaces the accumulator's contents with the summary
// artifacts of positions, read in the order given. A missing summary is an
// error: the caller only passes positions whose summaries exist.
func (a *ContextAccumulator) LoadExisting(ctx context.Context, store artifact.Store, repo artifact.Repository, positions []models.Position) ([]string, error) {
	loaded := make([]string, 0, len(positions))
	for _, pos := range positions {
		raw, err := store.Read(ctx, repo, artifact.SummaryName(pos))
		if err != nil {
			return nil, fmt.Errorf("load summary %s: %w", pos, err)
		}
		_, body, err := parser.ParseArtifact(raw)
		if err != nil {
			return nil, fmt.Errorf("parse summary %s: %w", pos, err)
		}
		loaded = append(loaded, body)
	}

	a.mu.Lock()
	a.summaries = loaded
	a.mu.Unlock()
	return slices.Clone(loaded), nil
}

// Append adds the next summary.
func (a *ContextAccumulator) Append(summary string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries = append(a.summaries, summary)
}

// Snapshot returns a copy of the summaries accumulated so far.
func (a *ContextAccumulator) Snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.summaries)
}

// Len returns the number of accumulated summaries.
func (a *ContextAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.summaries)
}
