// SPDX-License-Identifier: MPL-2.0

package scriptenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// errEnvironmentClosed is returned when running a closed shell.
var errEnvironmentClosed = errors.New("environment closed")

type (
	// ShellOptions configures shell environments created by NewShell.
	ShellOptions struct {
		// Stdin, Stdout and Stderr are the script's standard streams.
		// Nil readers read nothing; nil writers discard.
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
		// AllowExec lets scripts run host binaries that are not registered
		// operations. When false, such commands fail with status 127.
		AllowExec bool
		// LookupCommand resolves commands that are neither builtins nor
		// registered operations, before host binaries are considered.
		LookupCommand func(name string) (Op, bool)
		// InheritEnv seeds the script environment with the host process
		// environment before Bootstrap.Env is applied.
		InheritEnv bool
		// Clock drives timers. Defaults to the system clock.
		Clock Clock
	}

	// Shell is an Environment interpreting POSIX shell with mvdan.cc/sh.
	Shell struct {
		name   string
		opts   ShellOptions
		clock  Clock
		parser *syntax.Parser
		prog   *syntax.File
		runner *interp.Runner

		ops     map[string]Op
		opOrder []string

		queue    []Job
		timers   timerQueue
		timerSeq uint64

		started bool
		exited  bool
		closed  bool
	}
)

// NewShellFactory returns a Factory producing Shell environments.
func NewShellFactory(opts ShellOptions) Factory {
	return func(name string, boot Bootstrap) (Environment, error) {
		return NewShell(name, boot, opts)
	}
}

// NewShell parses boot.Source and prepares an interpreter for it. No script
// code runs until RunPending; the bootstrap program is the first queued job.
func NewShell(name string, boot Bootstrap, opts ShellOptions) (*Shell, error) {
	filename := boot.Filename
	if filename == "" {
		filename = name
	}

	if len(bytes.TrimSpace(boot.Source)) == 0 {
		return nil, &InvalidBootstrapError{Filename: filename, Reason: "script is empty"}
	}

	parser := syntax.NewParser()
	prog, err := parser.Parse(bytes.NewReader(boot.Source), filename)
	if err != nil {
		return nil, &InvalidBootstrapError{Filename: filename, Reason: "syntax error", Err: err}
	}

	s := &Shell{
		name:   name,
		opts:   opts,
		clock:  opts.Clock,
		parser: parser,
		prog:   prog,
		ops:    make(map[string]Op),
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}

	stdin, stdout, stderr := opts.Stdin, opts.Stdout, opts.Stderr
	if stdin == nil {
		stdin = bytes.NewReader(nil)
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	var env []string
	if opts.InheritEnv {
		env = append(env, os.Environ()...)
	}
	env = append(env, boot.Env...)

	runnerOpts := []interp.RunnerOption{
		interp.StdIO(stdin, stdout, stderr),
		interp.Env(expand.ListEnviron(env...)),
		interp.ExecHandlers(s.execHandler),
	}
	if boot.Dir != "" {
		runnerOpts = append(runnerOpts, interp.Dir(boot.Dir))
	}
	// "--" keeps arguments such as "-v" from being read as shell options.
	if len(boot.Args) > 0 {
		runnerOpts = append(runnerOpts, interp.Params(append([]string{"--"}, boot.Args...)...))
	}

	runner, err := interp.New(runnerOpts...)
	if err != nil {
		return nil, &InvalidBootstrapError{Filename: filename, Reason: "failed to create interpreter", Err: err}
	}
	s.runner = runner
	s.queue = append(s.queue, Job{Kind: JobBootstrap})

	return s, nil
}

// Name returns the name the environment was created for.
func (s *Shell) Name() string {
	return s.name
}

// Register installs op as a command visible to the script.
func (s *Shell) Register(op Op) error {
	if s.closed {
		return errEnvironmentClosed
	}
	if s.started {
		return ErrSealed
	}
	name := op.Name()
	if strings.TrimSpace(name) == "" {
		return errors.New("operation name must not be empty")
	}
	if _, exists := s.ops[name]; exists || name == builtinSetTimeout {
		return fmt.Errorf("%w: %q", ErrDuplicateOp, name)
	}
	s.ops[name] = op
	s.opOrder = append(s.opOrder, name)
	return nil
}

// Ops returns the registered operation names in registration order.
func (s *Shell) Ops() []string {
	return append([]string(nil), s.opOrder...)
}

// Enqueue appends job to the run queue. Jobs queued after the script exited
// are dropped.
func (s *Shell) Enqueue(job Job) {
	if s.exited || s.closed {
		return
	}
	s.queue = append(s.queue, job)
}

// RunPending runs the queued jobs and the timers that were due when it was
// called. Timers armed or coming due meanwhile wait for a later call. stop,
// when non-nil, is consulted after each job; true ends the run early and
// leaves the remaining jobs queued.
func (s *Shell) RunPending(ctx context.Context, stop func() bool) error {
	if s.closed {
		return errEnvironmentClosed
	}
	s.started = true
	s.promoteDueTimers()

	for !s.exited && len(s.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		job := s.queue[0]
		s.queue[0] = Job{}
		s.queue = s.queue[1:]

		if err := s.runJob(ctx, job); err != nil {
			return err
		}
		if !s.exited && stop != nil && stop() {
			return nil
		}
	}

	if s.exited {
		s.queue = nil
		s.timers = nil
	}
	return nil
}

// Pending reports outstanding work.
func (s *Shell) Pending() Pending {
	p := Pending{
		Jobs:   len(s.queue),
		Timers: s.timers.Len(),
		Exited: s.exited,
	}
	if p.Timers > 0 {
		p.NextTimer = s.timers[0].due
	}
	if s.runner != nil && !s.exited {
		_, p.Listening = s.runner.Funcs[HandlerMessage]
	}
	return p
}

// Close drops all pending work. Idempotent.
func (s *Shell) Close() error {
	s.closed = true
	s.queue = nil
	s.timers = nil
	return nil
}

func (s *Shell) runJob(ctx context.Context, job Job) error {
	var node syntax.Node
	switch job.Kind {
	case JobBootstrap:
		node = s.prog
	case JobCall:
		if _, defined := s.runner.Funcs[job.Func]; !defined {
			if job.Optional {
				return nil
			}
			return &JobError{Job: job, Status: 127, Err: fmt.Errorf("function %q is not defined", job.Func)}
		}
		call, err := s.callProgram(job)
		if err != nil {
			return &JobError{Job: job, Err: err}
		}
		node = call
	default:
		return &JobError{Job: job, Err: fmt.Errorf("unknown job kind %d", job.Kind)}
	}

	err := s.runner.Run(ctx, node)

	var exitStatus interp.ExitStatus
	isStatus := errors.As(err, &exitStatus)

	if s.runner.Exited() {
		if err == nil {
			s.exited = true
			return nil
		}
		if isStatus {
			return &JobError{Job: job, Status: int(exitStatus)}
		}
		return &JobError{Job: job, Err: err}
	}

	// A failing last command is ordinary shell control flow; only exit and
	// fatal interpreter errors end the environment.
	if err == nil || isStatus {
		return nil
	}
	return &JobError{Job: job, Err: err}
}

// callProgram builds "FUNC 'arg1' 'arg2'..." with every argument quoted.
func (s *Shell) callProgram(job Job) (*syntax.File, error) {
	var src strings.Builder
	src.WriteString(job.Func)
	for _, arg := range job.Args {
		quoted, err := syntax.Quote(arg, syntax.LangBash)
		if err != nil {
			return nil, fmt.Errorf("quote argument for %s: %w", job.Func, err)
		}
		src.WriteByte(' ')
		src.WriteString(quoted)
	}
	return s.parser.Parse(strings.NewReader(src.String()), s.name)
}

// execHandler resolves commands: builtins first, then registered operations,
// then LookupCommand, then host binaries when permitted.
func (s *Shell) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return next(ctx, args)
		}
		if args[0] == builtinSetTimeout {
			return s.runSetTimeout(ctx, args)
		}
		if op, found := s.ops[args[0]]; found {
			return op.Run(ctx, args)
		}
		if s.opts.LookupCommand != nil {
			if op, found := s.opts.LookupCommand(args[0]); found {
				return op.Run(ctx, args)
			}
		}
		if !s.opts.AllowExec {
			hc := interp.HandlerCtx(ctx)
			fmt.Fprintf(hc.Stderr, "%s: command not found\n", args[0])
			return interp.NewExitStatus(127)
		}
		return next(ctx, args)
	}
}
