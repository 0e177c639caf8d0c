// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/invowk/vworker/internal/channel"
	"github.com/invowk/vworker/internal/config"
	"github.com/invowk/vworker/internal/issue"
	"github.com/invowk/vworker/internal/scheduler"
	"github.com/invowk/vworker/internal/scriptenv"
	"github.com/invowk/vworker/internal/state"
	"github.com/invowk/vworker/internal/telemetry"
	"github.com/invowk/vworker/internal/watch"
	"github.com/invowk/vworker/internal/worker"
)

// stdinScript is the script argument that reads the root script from stdin.
const stdinScript = "-"

// sendRetryInterval paces retries while the root worker's inbox is full.
const sendRetryInterval = 5 * time.Millisecond

type runOptions struct {
	script string
	args   []string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// stdinMessages feeds each stdin line to the root worker's onmessage.
	stdinMessages bool
	metricsAddr   string

	// signals delivers interrupt requests. The first terminates the root
	// gracefully, the second aborts it.
	signals <-chan os.Signal
}

func newRunCommand(flags *rootFlags) *cobra.Command {
	var (
		stdinMessages bool
		metricsAddr   string
		watchMode     bool
		wopts         watchOptions
	)

	runCmd := &cobra.Command{
		Use:   "run SCRIPT|- [ARGS...]",
		Short: "Run a script as the root worker",
		Long: `Run a shell script as the root worker.

The root worker may create nested workers with worker_create and receives
their messages and exit statuses through the onworkermessage and
onworkerexit handlers. With --stdin-messages every stdin line is delivered
to the root script's onmessage handler.

Press Ctrl-C once to terminate the root worker gracefully and twice to
abort it. The process exits with the root script's exit status.

With --watch the script is restarted whenever a file under its directory
changes, and Ctrl-C stops watching.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.loadConfig(cmd.Context())
			if err != nil {
				flags.explain(cmd.ErrOrStderr(), err)
				return err
			}
			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.Addr.String()
			}

			sigs := make(chan os.Signal, 2)
			signal.Notify(sigs, os.Interrupt)
			defer signal.Stop(sigs)

			opts := runOptions{
				script:        args[0],
				args:          args[1:],
				stdin:         cmd.InOrStdin(),
				stdout:        cmd.OutOrStdout(),
				stderr:        cmd.ErrOrStderr(),
				stdinMessages: stdinMessages,
				metricsAddr:   metricsAddr,
				signals:       sigs,
			}
			if watchMode {
				err = runWatch(cmd.Context(), cfg, opts, wopts)
			} else {
				err = runScript(cmd.Context(), cfg, opts)
			}
			if err != nil {
				flags.explain(cmd.ErrOrStderr(), err)
			}
			return err
		},
	}

	runCmd.Flags().BoolVar(&stdinMessages, "stdin-messages", false, "deliver each stdin line to the root worker's onmessage handler")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	runCmd.Flags().BoolVarP(&watchMode, "watch", "w", false, "restart the script when files under its directory change")
	runCmd.Flags().StringSliceVar(&wopts.patterns, "watch-pattern", nil, "glob of files that trigger a restart (default all files)")
	runCmd.Flags().StringSliceVar(&wopts.ignore, "watch-ignore", nil, "glob of files that never trigger a restart")
	runCmd.Flags().DurationVar(&wopts.debounce, "debounce", watch.DefaultDebounce, "quiet period before a restart")
	// Script arguments such as "-x" belong to the script.
	runCmd.Flags().SetInterspersed(false)

	return runCmd
}

// runScript runs opts.script as the root host worker under a scheduler and
// returns an ExitError carrying the root's exit status when it did not
// finish cleanly.
func runScript(ctx context.Context, cfg *config.Config, opts runOptions) error {
	if opts.script == stdinScript && opts.stdinMessages {
		return issue.NewErrorContext().
			WithOperation("run worker script").
			WithResource(stdinScript).
			WithSuggestion("Pass the script as a file when using --stdin-messages").
			Wrap(errors.New("stdin cannot carry both the script and messages")).
			BuildError()
	}

	boot, err := loadRootBootstrap(opts)
	if err != nil {
		return err
	}
	boot.Args = opts.args

	logger, err := telemetry.NewLogger(telemetry.LogOptions{
		Writer: opts.stderr,
		Level:  cfg.Log.Level.String(),
		Format: cfg.Log.Format,
		Prefix: "vworker",
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	metrics := telemetry.NewMetrics()
	shared := state.New(
		state.WithSettings(cfg.Settings()),
		state.WithPermissions(cfg.SharedPermissions()),
		state.WithMetrics(metrics),
		state.WithLogger(logger),
	)
	defer shared.Release()

	if opts.metricsAddr != "" {
		srv, err := startMetricsServer(opts.metricsAddr, metrics, logger)
		if err != nil {
			return err
		}
		defer srv.shutdown()
	}

	// Nested workers share the output streams but never the input.
	sched := scheduler.New(ctx, shared,
		scheduler.WithWorkerOptions(worker.WithStdio(nil, opts.stdout, opts.stderr)),
		scheduler.WithGracePeriod(cfg.Scheduler.GracePeriod),
		scheduler.WithLogger(logger),
	)
	defer sched.Shutdown()

	var scriptStdin io.Reader
	if opts.script != stdinScript && !opts.stdinMessages {
		scriptStdin = opts.stdin
	}

	parent, port := channel.NewPair(cfg.Settings().ChannelCapacity)
	root, err := worker.NewHost(rootName(opts.script), boot, shared, port,
		worker.WithStdio(scriptStdin, opts.stdout, opts.stderr),
		worker.WithLogger(logger),
	)
	if err != nil {
		return rootConstructionError(opts.script, err)
	}

	if opts.stdinMessages {
		go feedMessages(ctx, parent, opts.stdin, logger)
	} else {
		parent.CloseSend()
	}
	go drainParent(ctx, parent, opts.stdout)
	go relaySignals(root, parent, opts.signals, logger)

	err = sched.Run(ctx, root)
	rejected := metrics.SpawnRejectedTotal()
	if err != nil {
		logger.Debug("root worker failed", "error", err)
		return exitErrorFor(err, rejected)
	}
	if rejected > 0 {
		logger.Warn("worker limit refused nested workers", "refused", rejected, "max_workers", cfg.Scheduler.MaxWorkers)
	}
	return nil
}

// loadRootBootstrap reads the root script from a file or stdin.
func loadRootBootstrap(opts runOptions) (scriptenv.Bootstrap, error) {
	if opts.script == stdinScript {
		return scriptenv.ReadBootstrap(opts.stdin, "<stdin>")
	}

	f, err := os.Open(opts.script)
	if err != nil {
		ctx := issue.NewErrorContext().
			WithOperation("open worker script").
			WithResource(opts.script).
			Wrap(err)
		if errors.Is(err, fs.ErrNotExist) {
			ctx = ctx.WithIssue(issue.ScriptNotFoundId).
				WithSuggestion("Check the path, or use '-' to read the script from stdin")
		}
		return scriptenv.Bootstrap{}, ctx.BuildError()
	}
	defer f.Close()

	return scriptenv.ReadBootstrap(f, opts.script)
}

func rootConstructionError(script string, err error) error {
	ctx := issue.NewErrorContext().
		WithOperation("start root worker").
		WithResource(script).
		Wrap(err)
	if errors.Is(err, scriptenv.ErrInvalidBootstrap) {
		ctx = ctx.WithIssue(issue.ScriptParseErrorId).
			WithSuggestion("Run 'vworker check " + script + "' to see the syntax error")
	}
	return ctx.BuildError()
}

func rootName(script string) string {
	if script == stdinScript {
		return "root"
	}
	return filepath.Base(script)
}

// feedMessages sends every line of r to the root worker, waiting while its
// inbox is full, and closes the send half at end of input.
func feedMessages(ctx context.Context, parent *channel.Endpoint, r io.Reader, logger *log.Logger) {
	defer parent.CloseSend()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Bytes()
		for {
			err := parent.Send(line)
			if err == nil {
				break
			}
			if !errors.Is(err, channel.ErrFull) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sendRetryInterval):
			}
		}
	}
	if err := sc.Err(); err != nil {
		logger.Warn("reading stdin messages failed", "error", err)
	}
}

// drainParent prints anything the root worker sends to its parent. Host
// workers have no postmessage op, so this only guards against a full buffer.
func drainParent(ctx context.Context, parent *channel.Endpoint, w io.Writer) {
	for {
		msg, err := parent.Receive(ctx)
		if err != nil {
			return
		}
		if !msg.IsControl() {
			fmt.Fprintf(w, "%s\n", msg.Data)
		}
	}
}

// relaySignals turns the first interrupt into a graceful terminate and the
// second into an abort.
func relaySignals(root *worker.HostWorker, parent *channel.Endpoint, signals <-chan os.Signal, logger *log.Logger) {
	interrupts := 0
	for {
		select {
		case <-root.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			interrupts++
			if interrupts == 1 {
				logger.Info("interrupt received, terminating root worker (press Ctrl-C again to abort)")
				if err := parent.SendSignal(channel.SignalTerminate); err != nil {
					root.RequestClose()
				}
				continue
			}
			logger.Warn("second interrupt received, aborting")
			_ = root.Close()
			return
		}
	}
}
