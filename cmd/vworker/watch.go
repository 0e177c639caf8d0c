// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/invowk/vworker/internal/config"
	"github.com/invowk/vworker/internal/issue"
	"github.com/invowk/vworker/internal/telemetry"
	"github.com/invowk/vworker/internal/watch"
)

type watchOptions struct {
	patterns []string
	ignore   []string
	debounce time.Duration
}

// runWatch runs the script, then restarts it from scratch whenever a file
// under the script's directory changes. A run still in progress is aborted
// before the restart. It returns nil once interrupted or cancelled.
func runWatch(ctx context.Context, cfg *config.Config, opts runOptions, wopts watchOptions) error {
	if opts.script == stdinScript || opts.stdinMessages {
		return issue.NewErrorContext().
			WithOperation("watch worker script").
			WithResource(opts.script).
			WithSuggestion("Pass the script as a file and drop --stdin-messages when using --watch").
			Wrap(errors.New("watch mode re-runs the script, so stdin cannot feed it")).
			BuildError()
	}

	logger, err := telemetry.NewLogger(telemetry.LogOptions{
		Writer: opts.stderr,
		Level:  cfg.Log.Level.String(),
		Format: cfg.Log.Format,
		Prefix: "watch",
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	changes := make(chan []string, 1)
	w, err := watch.New(watch.Config{
		BaseDir:  filepath.Dir(opts.script),
		Patterns: wopts.patterns,
		Ignore:   wopts.ignore,
		Debounce: wopts.debounce,
		Logger:   logger,
		OnChange: func(changed []string) {
			select {
			case changes <- changed:
			default:
				// A restart is already pending.
			}
		},
	})
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watchErr := make(chan error, 1)
	go func() { watchErr <- w.Run(watchCtx) }()

	signals := opts.signals
	opts.signals = nil
	// Successive runs overlap while one is being aborted, so none may read
	// the shared stdin.
	opts.stdin = nil

	for {
		fmt.Fprintf(opts.stderr, "%s running %s\n", CmdStyle.Render("→"), opts.script)
		runCtx, cancelRun := context.WithCancel(ctx)
		result := make(chan error, 1)
		go func() { result <- runScript(runCtx, cfg, opts) }()
		// done becomes nil once the run has been reported.
		done := (<-chan error)(result)

		stop := func() {
			cancelRun()
			if done != nil {
				<-done
			}
		}

	wait:
		for {
			select {
			case runErr := <-done:
				done = nil
				reportWatchedRun(opts.stderr, runErr)
				fmt.Fprintf(opts.stderr, "%s watching %s for changes (Ctrl+C to stop)\n",
					CmdStyle.Render("→"), w.BaseDir())
			case changed := <-changes:
				logger.Info("change detected", "files", changed)
				break wait
			case <-signals:
				stop()
				return nil
			case <-ctx.Done():
				stop()
				return nil
			case err := <-watchErr:
				stop()
				return err
			}
		}
		stop()
	}
}

func reportWatchedRun(w io.Writer, err error) {
	if err == nil {
		fmt.Fprintf(w, "%s exited 0\n", SuccessStyle.Render("✓"))
		return
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintf(w, "%s exited %d: %v\n", WarningStyle.Render("!"), exitErr.Code, exitErr.Err)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("✗"), formatErrorForDisplay(err, false))
}
