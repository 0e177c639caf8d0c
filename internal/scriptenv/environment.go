// SPDX-License-Identifier: MPL-2.0

package scriptenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// JobBootstrap runs the environment's bootstrap program.
	JobBootstrap JobKind = iota
	// JobCall invokes a shell function defined by the script.
	JobCall
)

// Handler names the environment dispatches events to.
const (
	// HandlerMessage receives messages from the parent: onmessage DATA.
	HandlerMessage = "onmessage"
	// HandlerWorkerMessage receives messages from a child: onworkermessage NAME DATA.
	HandlerWorkerMessage = "onworkermessage"
	// HandlerWorkerExit observes a child's termination: onworkerexit NAME STATUS.
	HandlerWorkerExit = "onworkerexit"
)

var (
	// ErrInvalidBootstrap is the sentinel wrapped by InvalidBootstrapError.
	ErrInvalidBootstrap = errors.New("invalid bootstrap")

	// ErrSealed is returned when an operation is registered after the
	// environment started executing script code.
	ErrSealed = errors.New("environment sealed: script execution has started")

	// ErrDuplicateOp is returned when an operation name is registered twice.
	ErrDuplicateOp = errors.New("operation already registered")

	// ErrDiscarded is returned when acquiring a Cell whose environment was discarded.
	ErrDiscarded = errors.New("environment discarded")

	// ErrJobFailed is the sentinel wrapped by JobError.
	ErrJobFailed = errors.New("job failed")
)

type (
	// JobKind identifies what a Job runs.
	JobKind int

	// Bootstrap is the startup data an environment is created from.
	Bootstrap struct {
		// Source is the script text.
		Source []byte
		// Filename is used in parse errors. Defaults to the worker name.
		Filename string
		// Args are the positional parameters ($1, $2, ...).
		Args []string
		// Env holds variables exported into the script, in KEY=VALUE form.
		Env []string
		// Dir is the working directory. Empty means the process working directory.
		Dir string
	}

	// Job is a unit of pending work in an environment's run queue.
	Job struct {
		Kind JobKind
		// Func is the shell function a JobCall invokes.
		Func string
		// Args are passed to Func as positional parameters.
		Args []string
		// Optional jobs are skipped silently when Func is not defined.
		Optional bool
	}

	// Op is a host-provided operation callable from script code.
	// args[0] is the operation name.
	Op interface {
		Name() string
		Run(ctx context.Context, args []string) error
	}

	// Pending describes outstanding work after a run.
	Pending struct {
		// Jobs is the number of queued jobs.
		Jobs int
		// Timers is the number of scheduled timers.
		Timers int
		// NextTimer is the deadline of the earliest timer; zero when there is none.
		NextTimer time.Time
		// Listening reports whether the script defines an onmessage handler.
		Listening bool
		// Exited reports whether the script called exit (with status 0).
		Exited bool
	}

	// Environment is a single-threaded script-execution context.
	// Implementations are not safe for concurrent use; reach them through a Cell.
	Environment interface {
		// Register installs a host operation. It fails with ErrSealed once
		// any job has run.
		Register(op Op) error
		// Ops returns the installed operation names in registration order.
		Ops() []string
		// Enqueue appends a job to the run queue.
		Enqueue(job Job)
		// RunPending runs the queued jobs and the timers due at the call.
		// A non-nil stop is checked after each job and ends the run early
		// when it returns true. A non-nil error is an unrecoverable fault.
		RunPending(ctx context.Context, stop func() bool) error
		// Pending reports the outstanding work.
		Pending() Pending
		// Close releases the environment. Idempotent.
		Close() error
	}

	// Factory creates a fresh environment for a worker.
	Factory func(name string, boot Bootstrap) (Environment, error)

	// InvalidBootstrapError is returned when bootstrap data cannot produce an
	// environment. It wraps ErrInvalidBootstrap for errors.Is() compatibility.
	InvalidBootstrapError struct {
		Filename string
		Reason   string
		Err      error
	}

	// JobError reports a job that ended the environment abnormally: a
	// non-zero exit, a fatal interpreter error or a failing operation.
	JobError struct {
		Job    Job
		Status int
		Err    error
	}
)

// String returns the job kind name.
func (k JobKind) String() string {
	switch k {
	case JobBootstrap:
		return "bootstrap"
	case JobCall:
		return "call"
	default:
		return "unknown"
	}
}

// String renders the job for logs.
func (j Job) String() string {
	if j.Kind == JobBootstrap {
		return "bootstrap"
	}
	if len(j.Args) == 0 {
		return j.Func
	}
	return j.Func + " " + strings.Join(j.Args, " ")
}

// Error implements the error interface for InvalidBootstrapError.
func (e *InvalidBootstrapError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid bootstrap %q: %s: %v", e.Filename, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid bootstrap %q: %s", e.Filename, e.Reason)
}

// Unwrap returns ErrInvalidBootstrap for errors.Is() compatibility.
func (e *InvalidBootstrapError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidBootstrap, e.Err}
	}
	return []error{ErrInvalidBootstrap}
}

// Error implements the error interface for JobError.
func (e *JobError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s: exit status %d: %v", e.Job, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Job, e.Err)
	default:
		return fmt.Sprintf("%s: exit status %d", e.Job, e.Status)
	}
}

// Unwrap returns ErrJobFailed and the underlying cause.
func (e *JobError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrJobFailed, e.Err}
	}
	return []error{ErrJobFailed}
}

// ReadBootstrap reads script source from r into a Bootstrap.
func ReadBootstrap(r io.Reader, filename string) (Bootstrap, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("read bootstrap %s: %w", filename, err)
	}
	return Bootstrap{Source: src, Filename: filename}, nil
}
