// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/invowk/vworker/internal/issue"
	"github.com/invowk/vworker/internal/ops"
	"github.com/invowk/vworker/internal/worker"
)

// exitAborted is the conventional status of a process stopped by SIGINT.
const exitAborted = 130

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code int
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitErrorFor maps a root worker result to the process exit status. Faults
// keep the script's own status; aborted runs exit like an interrupted shell.
// spawnRejected is the number of refused worker_create calls during the run.
func exitErrorFor(err error, spawnRejected float64) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, worker.ErrAborted) {
		return &ExitError{Code: exitAborted, Err: err}
	}

	ctx := issue.NewErrorContext().
		WithOperation("run root worker").
		WithIssue(issue.WorkerFaultedId).
		Wrap(err)
	if spawnRejected > 0 {
		ctx = ctx.WithIssue(issue.SpawnRefusedId).
			WithSuggestion(fmt.Sprintf("%.0f worker_create call(s) hit scheduler.max_workers; raise it or create fewer workers at once", spawnRejected))
	}
	return &ExitError{Code: ops.ExitCode(err), Err: ctx.BuildError()}
}
