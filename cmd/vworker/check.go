// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
	"mvdan.cc/sh/v3/syntax"

	"github.com/invowk/vworker/internal/issue"
	"github.com/invowk/vworker/internal/ops"
	"github.com/invowk/vworker/internal/scriptenv"
	"github.com/invowk/vworker/internal/worker"
)

// scriptReport summarizes a parsed worker script.
type scriptReport struct {
	Handlers []string
	Ops      []string
	// Unavailable lists ops the script calls that the chosen variant lacks.
	Unavailable []string
}

func newCheckCommand(flags *rootFlags) *cobra.Command {
	var variant string

	checkCmd := &cobra.Command{
		Use:   "check SCRIPT|-",
		Short: "Parse a worker script without running it",
		Long: `Parse a worker script without running it.

Reports syntax errors, the event handlers the script defines and the worker
operations it calls. Operations the chosen worker variant does not install
are listed as warnings: the root worker is a host worker, scripts started
with worker_create are nested workers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := checkScript(cmd.InOrStdin(), cmd.OutOrStdout(), args[0], variant)
			if err != nil {
				flags.explain(cmd.ErrOrStderr(), err)
			}
			return err
		},
	}

	checkCmd.Flags().StringVar(&variant, "variant", worker.VariantHost, "worker variant the script runs as: host or nested")

	return checkCmd
}

func checkScript(stdin io.Reader, w io.Writer, script, variant string) error {
	groups, err := variantGroups(variant)
	if err != nil {
		return err
	}

	boot, err := loadRootBootstrap(runOptions{script: script, stdin: stdin})
	if err != nil {
		return err
	}

	report, err := analyzeScript(boot, groups)
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("parse worker script").
			WithResource(script).
			WithIssue(issue.ScriptParseErrorId).
			Wrap(err).
			BuildError()
	}

	fmt.Fprintf(w, "%s %s: syntax OK\n", SuccessStyle.Render("✓"), boot.Filename)
	printList(w, "handlers", report.Handlers)
	printList(w, "ops", report.Ops)
	for _, name := range report.Unavailable {
		fmt.Fprintf(w, "%s %s is not installed in %s workers\n",
			WarningStyle.Render("warning:"), CmdStyle.Render(name), variant)
	}
	return nil
}

func variantGroups(variant string) ([]string, error) {
	switch variant {
	case worker.VariantHost:
		return worker.HostGroups, nil
	case worker.VariantNested:
		return worker.NestedGroups, nil
	default:
		return nil, fmt.Errorf("unknown worker variant %q (valid: %s, %s)", variant, worker.VariantHost, worker.VariantNested)
	}
}

// analyzeScript parses boot and reports the handlers it defines and the
// worker ops it calls, checked against the op groups named by installed.
func analyzeScript(boot scriptenv.Bootstrap, installed []string) (scriptReport, error) {
	prog, err := syntax.NewParser().Parse(bytes.NewReader(boot.Source), boot.Filename)
	if err != nil {
		return scriptReport{}, err
	}

	known := make(map[string]bool)
	for _, name := range ops.DefaultRegistry.Names() {
		g, _ := ops.DefaultRegistry.Lookup(name)
		for _, op := range g.OpNames() {
			known[op] = false
		}
	}
	groups, err := ops.DefaultRegistry.Resolve(installed...)
	if err != nil {
		return scriptReport{}, err
	}
	for _, g := range groups {
		for _, op := range g.OpNames() {
			known[op] = true
		}
	}

	handlers := map[string]bool{
		scriptenv.HandlerMessage:       true,
		scriptenv.HandlerWorkerMessage: true,
		scriptenv.HandlerWorkerExit:    true,
	}

	var report scriptReport
	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.FuncDecl:
			if handlers[n.Name.Value] && !slices.Contains(report.Handlers, n.Name.Value) {
				report.Handlers = append(report.Handlers, n.Name.Value)
			}
		case *syntax.CallExpr:
			if len(n.Args) == 0 {
				return true
			}
			name := n.Args[0].Lit()
			available, isOp := known[name]
			if !isOp || slices.Contains(report.Ops, name) {
				return true
			}
			report.Ops = append(report.Ops, name)
			if !available {
				report.Unavailable = append(report.Unavailable, name)
			}
		}
		return true
	})
	return report, nil
}

func printList(w io.Writer, label string, items []string) {
	if len(items) == 0 {
		fmt.Fprintf(w, "%s: %s\n", label, SubtitleStyle.Render("(none)"))
		return
	}
	fmt.Fprintf(w, "%s:", label)
	for _, item := range items {
		fmt.Fprintf(w, " %s", CmdStyle.Render(item))
	}
	fmt.Fprintln(w)
}
