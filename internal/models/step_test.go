package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepOrder(t *testing.T) {
	for i, step := range Steps {
		assert.Equal(t, i, step.Index())
		assert.True(t, step.Valid())
	}
	assert.Equal(t, len(Steps), StepCompleted.Index())
	assert.Equal(t, -1, Step("drafting").Index())

	assert.Equal(t, StepStorageSetup, StepInputValidation.Next())
	assert.Equal(t, StepCompleted, StepFrontMatter.Next())
	assert.Equal(t, StepCompleted, StepCompleted.Next())
	assert.True(t, StepOutline.Before(StepContentGeneration))
	assert.False(t, StepCompilation.Before(StepOutline))
}

func TestStepsAfter(t *testing.T) {
	assert.Equal(t, []Step{StepCompilation, StepFrontMatter}, StepsAfter(StepContentGeneration))
	assert.Empty(t, StepsAfter(StepFrontMatter))
	assert.Empty(t, StepsAfter(StepCompleted))
	assert.Len(t, StepsAfter(StepInputValidation), len(Steps)-1)
}

func TestStepsFrom(t *testing.T) {
	assert.Equal(t, []Step{StepFrontMatter}, StepsFrom(StepFrontMatter))
	assert.Equal(t, Steps, StepsFrom(StepInputValidation))
	assert.Empty(t, StepsFrom(StepCompleted))

	// Mutating the result must not touch the canonical order.
	got := StepsFrom(StepInputValidation)
	got[0] = StepCompleted
	assert.Equal(t, StepInputValidation, Steps[0])
}

func TestParseStep(t *testing.T) {
	step, err := ParseStep("content_generation")
	require.NoError(t, err)
	assert.Equal(t, StepContentGeneration, step)

	step, err = ParseStep("completed")
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, step)

	_, err = ParseStep("chapters")
	assert.Error(t, err)
}

func TestStatusForEveryStep(t *testing.T) {
	for _, step := range append(Steps, StepCompleted) {
		status, err := StatusForStep(step)
		require.NoError(t, err, step)
		assert.True(t, status.Valid())
	}
	status, _ := StatusForStep(StepContentGeneration)
	assert.Equal(t, JobGenerating, status)

	_, err := StatusForStep("bogus")
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobCreated, JobProcessing, true},
		{JobProcessing, JobGenerating, true},
		{JobGenerating, JobPaused, true},
		{JobPaused, JobProcessing, true},
		{JobError, JobGenerating, true},
		{JobCompleted, JobProcessing, false},
		{JobCompleted, JobCompleted, true},
		{JobCreated, JobGenerating, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSettledStatuses(t *testing.T) {
	assert.True(t, JobCompleted.Settled())
	assert.True(t, JobError.Settled())
	assert.True(t, JobPaused.Settled())
	assert.False(t, JobProcessing.Settled())
	assert.False(t, JobGenerating.Settled())
	assert.False(t, JobCreated.Settled())
}

func TestJobSpecValidate(t *testing.T) {
	valid := JobSpec{Title: "Tides", Premise: "A lighthouse keeper", UnitCount: 2, SubUnitsPerUnit: 3}
	require.NoError(t, valid.Validate())

	bad := JobSpec{UnitCount: 0, SubUnitsPerUnit: MaxSubUnitsPerUnit + 1}
	err := bad.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 4)
}

func TestLayoutPositions(t *testing.T) {
	layout := Layout{2, 1, 3}
	positions := layout.Positions()
	require.Len(t, positions, 6)
	assert.Equal(t, 6, layout.Total())
	assert.Equal(t, Position{Unit: 1, SubUnit: 1}, positions[0])
	assert.Equal(t, Position{Unit: 2, SubUnit: 1}, positions[2])
	assert.Equal(t, Position{Unit: 3, SubUnit: 3}, positions[5])

	for i := 1; i < len(positions); i++ {
		assert.True(t, positions[i-1].Less(positions[i]))
	}
}

func TestJobLayout(t *testing.T) {
	job := &Job{UnitCount: 4, SubUnitsPerUnit: 4}
	assert.Equal(t, Layout{4, 4, 4, 4}, job.Layout())
	assert.Len(t, job.Layout().Positions(), 16)
}
