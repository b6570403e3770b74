package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable matches every ProviderUnavailableError.
	ErrProviderUnavailable = errors.New("graph provider unavailable")
	// ErrTaskNotFound matches every UnresolvedTaskError without a cause.
	ErrTaskNotFound = errors.New("task not found")
)

// ProviderUnavailableError reports a missing collaborator. Reconcile turns
// it into a failed Result instead of returning it.
type ProviderUnavailableError struct {
	Collaborator string // "graph provider" or "task source"
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable", e.Collaborator)
}

func (e *ProviderUnavailableError) Is(target error) bool {
	return target == ErrProviderUnavailable
}

// UnresolvedTaskError reports a matrix task the task source cannot locate.
type UnresolvedTaskError struct {
	Task string
	Err  error
}

func (e *UnresolvedTaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %q could not be resolved: %v", e.Task, e.Err)
	}
	return fmt.Sprintf("task %q not found in process", e.Task)
}

func (e *UnresolvedTaskError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrTaskNotFound
}

// StepError is a failure creating or removing one artifact. The pass
// records it and moves on.
type StepError struct {
	Step string
	Task string
	Role string
	Err  error
}

func (e *StepError) Error() string {
	switch {
	case e.Role != "":
		return fmt.Sprintf("%s failed for task %q, role %q: %v", e.Step, e.Task, e.Role, e.Err)
	case e.Task != "":
		return fmt.Sprintf("%s failed for task %q: %v", e.Step, e.Task, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
