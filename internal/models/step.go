package models

import (
	"fmt"
	"slices"
)

// Step identifies a pipeline stage. The set is closed; Steps lists the
// executable stages in the only order the pipeline ever runs them.
type Step string

const (
	StepInputValidation   Step = "input_validation"
	StepStorageSetup      Step = "storage_setup"
	StepRepositorySetup   Step = "repository_setup"
	StepOutline           Step = "outline"
	StepContentGeneration Step = "content_generation"
	StepCompilation       Step = "compilation"
	StepFrontMatter       Step = "front_matter"

	// StepCompleted is the terminal pseudo-step. It is never executed.
	StepCompleted Step = "completed"
)

// Steps is the fixed execution order.
var Steps = []Step{
	StepInputValidation,
	StepStorageSetup,
	StepRepositorySetup,
	StepOutline,
	StepContentGeneration,
	StepCompilation,
	StepFrontMatter,
}

// Index returns the position of s in the execution order.
// StepCompleted sorts after every executable step; unknown steps return -1.
func (s Step) Index() int {
	if s == StepCompleted {
		return len(Steps)
	}
	return slices.Index(Steps, s)
}

// Valid reports whether s is an executable step or StepCompleted.
func (s Step) Valid() bool {
	return s.Index() >= 0
}

// Next returns the step after s. The step after the last executable step is
// StepCompleted, and StepCompleted is its own successor.
func (s Step) Next() Step {
	i := s.Index()
	if i < 0 || i+1 >= len(Steps) {
		return StepCompleted
	}
	return Steps[i+1]
}

// Before reports whether s runs strictly earlier than other.
func (s Step) Before(other Step) bool {
	return s.Index() < other.Index()
}

// StepsAfter returns every executable step strictly later than s.
func StepsAfter(s Step) []Step {
	i := s.Index()
	if i < 0 || i+1 >= len(Steps) {
		return nil
	}
	return slices.Clone(Steps[i+1:])
}

// StepsFrom returns s and every executable step after it.
func StepsFrom(s Step) []Step {
	i := s.Index()
	if i < 0 || i >= len(Steps) {
		return nil
	}
	return slices.Clone(Steps[i:])
}

// ParseStep converts a stored string back into a Step.
func ParseStep(s string) (Step, error) {
	step := Step(s)
	if !step.Valid() {
		return "", fmt.Errorf("unknown step %q", s)
	}
	return step, nil
}

// StepStatus is the lifecycle state of a single ProgressRecord.
type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepSucceeded StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)
