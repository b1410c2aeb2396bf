package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a workflow or step does not exist
	ErrNotFound = errors.New("not found")

	// ErrCycle is returned when a graph contains a dependency cycle
	ErrCycle = errors.New("dependency cycle detected")

	// ErrInvalidGraph is returned for structurally invalid graphs
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrNotRerunnable is returned when a rerun targets a step that has not finished
	ErrNotRerunnable = errors.New("step is not rerunnable")

	// ErrAlreadyRunning is returned when a workflow already has an active run
	ErrAlreadyRunning = errors.New("workflow is already running")

	// ErrCallableNotFound is returned when no callable is registered for a step
	ErrCallableNotFound = errors.New("callable not registered")

	// ErrCallableConflict is returned when a callable reference is already
	// bound to a different step body
	ErrCallableConflict = errors.New("callable reference already bound")
)

// PersistenceError wraps a failure writing or reading the graph state.
// It is fatal to a run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
