// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"errors"
	"fmt"

	"github.com/invowk/vworker/internal/channel"
)

var (
	// ErrEnvironmentInit is the sentinel error wrapped by EnvironmentInitError.
	ErrEnvironmentInit = errors.New("environment init failed")

	// ErrRegistration is the sentinel error wrapped by RegistrationError.
	ErrRegistration = errors.New("op registration failed")

	// ErrExecutionFault is the sentinel error wrapped by ExecutionFault.
	ErrExecutionFault = errors.New("execution fault")

	// ErrAborted is the result of a worker closed by its creator before it
	// finished.
	ErrAborted = errors.New("worker aborted")

	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = channel.ErrClosed
)

type (
	// EnvironmentInitError is returned when a worker's environment cannot be
	// created from its bootstrap data. No worker is produced.
	EnvironmentInitError struct {
		Worker string
		Err    error
	}

	// RegistrationError is returned when a variant fails to install an op.
	// The partially built environment has been discarded.
	RegistrationError struct {
		Worker string
		Group  string
		Op     string
		Err    error
	}

	// ExecutionFault is a worker's terminal error after script execution
	// failed unrecoverably.
	ExecutionFault struct {
		Worker string
		// Status is the script's exit status, or 0 when the fault was not an
		// exit (interpreter error, panic).
		Status int
		Err    error
	}
)

// Error implements the error interface for EnvironmentInitError.
func (e *EnvironmentInitError) Error() string {
	return fmt.Sprintf("worker %q: %v", e.Worker, e.Err)
}

// Unwrap returns ErrEnvironmentInit and the cause.
func (e *EnvironmentInitError) Unwrap() []error {
	return []error{ErrEnvironmentInit, e.Err}
}

// Error implements the error interface for RegistrationError.
func (e *RegistrationError) Error() string {
	switch {
	case e.Op != "":
		return fmt.Sprintf("worker %q: register %s/%s: %v", e.Worker, e.Group, e.Op, e.Err)
	case e.Group != "":
		return fmt.Sprintf("worker %q: register %s: %v", e.Worker, e.Group, e.Err)
	default:
		return fmt.Sprintf("worker %q: register ops: %v", e.Worker, e.Err)
	}
}

// Unwrap returns ErrRegistration and the cause.
func (e *RegistrationError) Unwrap() []error {
	return []error{ErrRegistration, e.Err}
}

// Error implements the error interface for ExecutionFault.
func (e *ExecutionFault) Error() string {
	return fmt.Sprintf("worker %q: execution fault: %v", e.Worker, e.Err)
}

// Unwrap returns ErrExecutionFault and the cause.
func (e *ExecutionFault) Unwrap() []error {
	return []error{ErrExecutionFault, e.Err}
}

// ExitCode returns the script's exit status.
func (e *ExecutionFault) ExitCode() int {
	return e.Status
}
