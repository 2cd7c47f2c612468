// Package service runs manuscript generation jobs: it sequences pipeline
// steps, keeps the progress ledger, and reconciles it with the artifact store.
package service

import (
	"errors"
	"fmt"

	"github.com/raphaelgruber/manuscript/internal/models"
)

// Sentinel errors returned by the orchestrator. Use errors.Is to test.
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrInvalidState = errors.New("invalid job state")
	ErrValidation   = errors.New("validation failed")
)

// StepError reports which pipeline step failed.
type StepError struct {
	Step models.Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// PanicError is a recovered panic from step code.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("internal panic: %v", e.Value)
}
