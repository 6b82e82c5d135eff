package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCancelled is returned by Wait for executions stopped by Cancel or by their context.
var ErrCancelled = errors.New("pipeline: execution cancelled")

// ValidationError aggregates problems found in a step graph.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "pipeline validation failed"
	}
	return "pipeline validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// CyclicDependencyError lists the steps that could not be ordered.
type CyclicDependencyError struct {
	Steps []string
}

func (e *CyclicDependencyError) Error() string {
	return "dependency graph contains a cycle through: " + strings.Join(e.Steps, ", ")
}

type StepTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.StepID, e.Timeout)
}

type StepComputeError struct {
	StepID string
	Err    error
}

func (e *StepComputeError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Err)
}

func (e *StepComputeError) Unwrap() error { return e.Err }

// StepFailureError is the execution-level error naming the step that failed it.
type StepFailureError struct {
	StepID string
	Name   string
	Err    error
}

func (e *StepFailureError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("step %s (%s) failed: %v", e.StepID, e.Name, e.Err)
	}
	return fmt.Sprintf("step %s failed: %v", e.StepID, e.Err)
}

func (e *StepFailureError) Unwrap() error { return e.Err }
