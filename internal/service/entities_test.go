package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/manuscript/internal/llm"
	"github.com/raphaelgruber/manuscript/internal/models"
	"github.com/raphaelgruber/manuscript/internal/retry"
)

// scriptedExtractor returns the entities listed for each content string.
type scriptedExtractor struct {
	byContent map[string][]llm.Entity
	failures  int
}

func (s *scriptedExtractor) ExtractEntities(_ context.Context, content string) ([]llm.Entity, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errTransient
	}
	return s.byContent[content], nil
}

func person(name string) llm.Entity { return llm.Entity{Category: models.CategoryPerson, Name: name} }
func place(name string) llm.Entity { return llm.Entity{Category: models.CategoryPlace, Name: name} }
func role(name string) llm.Entity { return llm.Entity{Category: models.CategoryRole, Name: name} }

func TestEntityTrackerAvoidanceListsNeverShrink(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	extractor := &scriptedExtractor{byContent: map[string][]llm.Entity{
		"one":   {person("Mara Voss"), place("Harlow"), role("harbourmaster")},
		"two":   {person("mara voss"), person("Ilya"), place("Harlow")},
		"three": {person("Ilya"), {Category: models.CategoryOrganization, Name: "Tide Guild"}, {Category: models.CategoryDomainType, Name: "lighthouse"}},
		"four":  {place("  Greywater   Bay "), role("Harbourmaster")},
	}}
	tracker := NewEntityTracker(store, extractor, testInvoker(), discardLogger())

	var prev models.AvoidanceLists
	for i, content := range []string{"one", "two", "three", "four"} {
		_, err := tracker.Extract(ctx, "job1", models.SubUnitKey("job1", models.Position{Unit: 1, SubUnit: i + 1}), content)
		require.NoError(t, err)

		lists, err := tracker.AvoidanceLists(ctx, "job1")
		require.NoError(t, err)
		for _, pair := range [][2][]string{
			{prev.People, lists.People},
			{prev.Roles, lists.Roles},
			{prev.Places, lists.Places},
			{prev.Organizations, lists.Organizations},
		} {
			for _, v := range pair[0] {
				assert.Contains(t, pair[1], v, "list shrank after %q", content)
			}
			assertNoCaseDuplicates(t, pair[1])
		}
		prev = lists
	}

	assert.Equal(t, []string{"Ilya", "Mara Voss"}, prev.People)
	assert.Equal(t, []string{"Greywater Bay", "Harlow"}, prev.Places)
	assert.Equal(t, []string{"harbourmaster"}, prev.Roles)
	assert.Equal(t, []string{"Tide Guild"}, prev.Organizations)
}

func assertNoCaseDuplicates(t *testing.T, values []string) {
	t.Helper()
	seen := map[string]bool{}
	for _, v := range values {
		key := strings.ToLower(v)
		assert.False(t, seen[key], "duplicate %q", v)
		seen[key] = true
	}
	assert.True(t, slices.IsSortedFunc(values, func(a, b string) int {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	}))
}

func TestEntityTrackerReplacesSubUnitMentions(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	extractor := &scriptedExtractor{byContent: map[string][]llm.Entity{
		"first":  {person("Ada"), person("Ada"), person("Bram")},
		"second": {person("Cole")},
	}}
	tracker := NewEntityTracker(store, extractor, testInvoker(), discardLogger())
	subUnit := models.SubUnitKey("job1", models.Position{Unit: 1, SubUnit: 1})

	mentions, err := tracker.Extract(ctx, "job1", subUnit, "first")
	require.NoError(t, err)
	assert.Len(t, mentions, 2)

	_, err = tracker.Extract(ctx, "job1", subUnit, "second")
	require.NoError(t, err)
	lists, err := tracker.AvoidanceLists(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Cole"}, lists.People)

	has, err := tracker.HasMentions(ctx, "job1", subUnit)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = tracker.HasMentions(ctx, "job1", "other")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestEntityTrackerRetriesExtraction(t *testing.T) {
	ctx := context.Background()
	extractor := &scriptedExtractor{
		byContent: map[string][]llm.Entity{"text": {place("Harlow")}},
		failures:  1,
	}
	tracker := NewEntityTracker(newMemStore(), extractor, testInvoker(), discardLogger())

	mentions, err := tracker.Extract(ctx, "job1", "su1", "text")
	require.NoError(t, err)
	assert.Len(t, mentions, 1)

	extractor.failures = 5
	_, err = tracker.Extract(ctx, "job1", "su1", "text")
	require.Error(t, err)
	assert.True(t, errors.Is(err, retry.ErrExhaustedRetries))
}

func TestBuildAvoidanceListsEmpty(t *testing.T) {
	lists := BuildAvoidanceLists(nil)
	assert.True(t, lists.Empty())
}
