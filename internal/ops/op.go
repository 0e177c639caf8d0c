// SPDX-License-Identifier: MPL-2.0

package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"mvdan.cc/sh/v3/interp"

	"github.com/invowk/vworker/internal/channel"
	"github.com/invowk/vworker/internal/scriptenv"
	"github.com/invowk/vworker/internal/state"
)

// ErrUsage is the sentinel error wrapped by UsageError.
var ErrUsage = errors.New("usage")

type (
	// Host is the worker an op group is built for. Implementations must be
	// safe for concurrent use: Post, Hold and RequestClose are called from
	// goroutines other than the one driving the worker.
	Host interface {
		// Name is the worker name.
		Name() string
		// ID is the process-unique worker ID.
		ID() string
		// Depth is the nesting depth; the root worker has depth 0.
		Depth() int
		// Port is the worker's endpoint towards its parent.
		Port() *channel.Endpoint
		// Shared is the runtime state the worker retains.
		Shared() *state.Shared
		// Logger is the worker's logger.
		Logger() *log.Logger
		// Post queues job for the worker's next drive step and wakes it.
		// Jobs posted after the worker is terminal are dropped.
		Post(job scriptenv.Job)
		// Hold keeps the worker's event loop alive until release is called.
		Hold() (release func())
		// RequestClose asks the worker to finish after the current job.
		RequestClose()
		// OnTerminal registers fn to run once the worker is terminal.
		OnTerminal(fn func())
	}

	// RunFunc implements an op. hc carries the command's standard streams.
	RunFunc func(ctx context.Context, hc *HandlerContext, args []string) error

	// Func adapts a RunFunc into a scriptenv.Op with the package's error
	// reporting convention.
	Func struct {
		name string
		run  RunFunc
	}

	// UsageError reports malformed op arguments. It wraps ErrUsage for
	// errors.Is() compatibility.
	UsageError struct {
		Usage string
	}
)

// NewFunc creates an op named name.
func NewFunc(name string, run RunFunc) *Func {
	return &Func{name: name, run: run}
}

// Name returns the op name.
func (f *Func) Name() string { return f.name }

// Run executes the op. Errors are printed to the command's stderr and
// converted into a non-zero exit status so they never abort the interpreter.
func (f *Func) Run(ctx context.Context, args []string) error {
	hc := GetHandlerContext(ctx)
	err := f.run(ctx, hc, args)
	if err == nil {
		return nil
	}

	var status interp.ExitStatus
	if errors.As(err, &status) {
		return err
	}

	fmt.Fprintf(hc.Stderr, "[op] %s: %v\n", f.name, err)
	if errors.Is(err, ErrUsage) {
		return interp.NewExitStatus(2)
	}
	return interp.NewExitStatus(1)
}

// Error implements the error interface for UsageError.
func (e *UsageError) Error() string {
	return "usage: " + e.Usage
}

// Unwrap returns ErrUsage for errors.Is() compatibility.
func (e *UsageError) Unwrap() error { return ErrUsage }

// ExitCode maps a task result to the status reported to script code: 0 for
// success, the fault's own status when it carries one, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		if code := coder.ExitCode(); code != 0 {
			return code
		}
	}
	return 1
}

// payload joins args with spaces, or reads stdin when there are none.
func payload(hc *HandlerContext, args []string) ([]byte, error) {
	if len(args) > 0 {
		return []byte(strings.Join(args, " ")), nil
	}
	if hc.Stdin == nil {
		return nil, nil
	}
	data, err := io.ReadAll(hc.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return data, nil
}

// sendFailureReason labels a failed send for metrics.
func sendFailureReason(err error) string {
	switch {
	case errors.Is(err, channel.ErrFull):
		return "full"
	case errors.Is(err, channel.ErrClosed):
		return "closed"
	default:
		return "other"
	}
}
