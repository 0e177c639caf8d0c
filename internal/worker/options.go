// SPDX-License-Identifier: MPL-2.0

package worker

import (
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/invowk/vworker/internal/scriptenv"
)

type (
	// Option configures a Worker.
	Option func(*options)

	options struct {
		factory  scriptenv.Factory
		stdin    io.Reader
		stdout   io.Writer
		stderr   io.Writer
		clock    scriptenv.Clock
		logger   *log.Logger
		depth    int
		parentID string
		variant  string
	}
)

// WithFactory replaces the environment factory. The default creates shell
// environments wired to the worker's stdio, clock and exec permission.
func WithFactory(f scriptenv.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithStdio sets the script's standard streams for the default factory.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdin = stdin
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithClock sets the clock timers are measured against.
func WithClock(c scriptenv.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the parent logger. Defaults to the shared state's logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDepth sets the worker's nesting depth.
func WithDepth(depth int) Option {
	return func(o *options) { o.depth = depth }
}

// WithParentID records the creating worker's ID for logs.
func WithParentID(id string) Option {
	return func(o *options) { o.parentID = id }
}

func withVariant(name string) Option {
	return func(o *options) { o.variant = name }
}

func defaultOptions() options {
	return options{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		clock:   systemClock{},
		variant: VariantGeneric,
	}
}
