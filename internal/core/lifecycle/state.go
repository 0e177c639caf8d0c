// SPDX-License-Identifier: MPL-2.0

package lifecycle

import (
	"errors"
	"fmt"
)

const (
	// StateCreated indicates the task was constructed but never stepped.
	StateCreated State = iota
	// StateRunning indicates at least one step has started.
	StateRunning
	// StateCompleted is terminal: the task's event loop drained.
	StateCompleted
	// StateFaulted is terminal: the task ended with an execution fault.
	StateFaulted
	// StateTerminated is terminal: the task stopped on a terminate request.
	StateTerminated
	// StateAborted is terminal: the task was closed by its owner.
	StateAborted
)

// ErrInvalidState is returned when a State value is not one of the defined lifecycle states.
var ErrInvalidState = errors.New("invalid state")

type (
	// State represents the lifecycle state of a task.
	State int32

	// InvalidStateError is returned when a State value is not recognized.
	// It wraps ErrInvalidState for errors.Is() compatibility.
	InvalidStateError struct {
		Value State
	}
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	case StateTerminated:
		return "terminated"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Error implements the error interface for InvalidStateError.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state %d (valid: 0=created, 1=running, 2=completed, 3=faulted, 4=terminated, 5=aborted)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// Validate returns nil if the State is one of the defined lifecycle states,
// or an error wrapping ErrInvalidState if it is not.
func (s State) Validate() error {
	switch s {
	case StateCreated, StateRunning, StateCompleted, StateFaulted, StateTerminated, StateAborted:
		return nil
	default:
		return &InvalidStateError{Value: s}
	}
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFaulted, StateTerminated, StateAborted:
		return true
	default:
		return false
	}
}
