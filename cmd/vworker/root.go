// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for vworker.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/invowk/vworker/internal/config"
	"github.com/invowk/vworker/internal/issue"
	"github.com/invowk/vworker/internal/telemetry"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// rootFlags holds the persistent flags shared by every subcommand.
type rootFlags struct {
	verbose   bool
	cfgFile   string
	logLevel  string
	logFormat string

	provider config.Provider
}

// newRootCommand builds the full command tree.
func newRootCommand() *cobra.Command {
	flags := &rootFlags{provider: config.NewProvider()}

	rootCmd := &cobra.Command{
		Use:   "vworker",
		Short: "Run shell scripts as nested, message-passing workers",
		Long: TitleStyle.Render("vworker") + SubtitleStyle.Render(" - nested script workers on an embedded shell") + `

vworker runs a POSIX shell script in-process as a root worker. Scripts
create nested workers with worker_create, exchange messages with
postmessage and worker_post, and share state through shared_set and
shared_get. Every worker has its own interpreter.

` + SubtitleStyle.Render("Examples:") + `
  vworker run main.sh              Run main.sh as the root worker
  vworker run - < main.sh          Read the root script from stdin
  vworker check main.sh            Parse main.sh without running it
  vworker ops                      List the operations scripts can call
  vworker config show              Show the effective configuration`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output and debug logging")
	pf.StringVar(&flags.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/vworker/config.cue)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: text, json, logfmt (overrides config)")

	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newCheckCommand(flags))
	rootCmd.AddCommand(newConfigCommand(flags))
	rootCmd.AddCommand(newOpsCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	// SIGINT is handled by the run command itself: the first one terminates
	// the root worker gracefully, the second aborts it.
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(syscall.SIGTERM),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies flag overrides.
func (f *rootFlags) loadConfig(ctx context.Context) (*config.Config, string, error) {
	cfg, path, err := f.provider.Load(ctx, config.LoadOptions{ConfigFilePath: f.cfgFile})
	if err != nil {
		return nil, "", err
	}

	switch {
	case f.logLevel != "":
		cfg.Log.Level = config.LogLevel(f.logLevel)
	case f.verbose:
		cfg.Log.Level = config.LevelDebug
	}
	if f.logFormat != "" {
		cfg.Log.Format = telemetry.LogFormat(f.logFormat)
	}

	if ok, errs := cfg.IsValid(); !ok {
		return nil, "", issue.NewErrorContext().
			WithOperation("apply command-line flags").
			WithSuggestion("Valid log levels: debug, info, warn, error").
			WithSuggestion("Valid log formats: text, json, logfmt").
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(&config.InvalidConfigError{FieldErrors: errs}).
			BuildError()
	}
	return cfg, path, nil
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
// In verbose mode, shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}

// explain writes the suggestions carried by err and, in verbose mode, the
// linked issue guidance. The error message itself is printed by fang.
func (f *rootFlags) explain(w io.Writer, err error) {
	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		return
	}
	for _, s := range ae.Suggestions {
		fmt.Fprintf(w, "%s %s\n", WarningStyle.Render("hint:"), s)
	}
	if !f.verbose {
		return
	}
	fmt.Fprintln(w, SubtitleStyle.Render(formatErrorForDisplay(err, true)))
	if is, ok := issue.IssueOf(err); ok {
		if rendered, renderErr := is.Render(""); renderErr == nil {
			fmt.Fprint(w, rendered)
		}
	}
}
