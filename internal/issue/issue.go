// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
)

const (
	ScriptNotFoundId Id = iota + 1
	ScriptParseErrorId
	ConfigLoadFailedId
	WorkerFaultedId
	SpawnRefusedId
	MetricsListenFailedId
)

type (
	// Id identifies a catalog entry.
	Id int

	// MarkdownMsg is guidance text in Markdown.
	MarkdownMsg string

	// HttpLink is an external reference shown under "See also".
	HttpLink string

	// Issue is a catalog entry explaining a class of failure.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		extLinks []HttpLink
	}
)

// Id returns the catalog ID.
func (i *Issue) Id() Id {
	return i.id
}

// MarkdownMsg returns the unrendered guidance.
func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

// ExtLinks returns a copy of the external links.
func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

// Render renders the guidance for a terminal. stylePath is a glamour style
// name or file; empty selects glamour's default.
func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.extLinks) > 0 {
		md.WriteString("\n\n## See also\n")
		for _, link := range i.extLinks {
			md.WriteString("- <" + string(link) + ">\n")
		}
	}
	if stylePath == "" {
		stylePath = "auto"
	}
	return render(md.String(), stylePath)
}

var (
	render = glamour.Render

	scriptNotFoundIssue = &Issue{
		id: ScriptNotFoundId,
		mdMsg: `
# Worker script not found!

The script passed to vworker could not be read.

## Things you can try:
- Check the path; relative paths are resolved from the current directory
- Pass "-" to read the script from standard input:
~~~
$ echo 'echo hello' | vworker run -
~~~`,
	}

	scriptParseErrorIssue = &Issue{
		id: ScriptParseErrorId,
		mdMsg: `
# The worker script does not parse!

Worker scripts are POSIX shell with bash extensions. The parser stopped at
the position shown above, before any code ran.

## Things you can try:
- Run the check command to see every syntax error without executing:
~~~
$ vworker check main.sh
~~~
- Look for an unclosed quote, brace or ` + "`if`/`fi`" + ` pair near that line`,
		extLinks: []HttpLink{"https://pkg.go.dev/mvdan.cc/sh/v3/syntax"},
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load the configuration!

The configuration file or a VWORKER_* environment variable holds a value the
schema does not accept.

## Things you can try:
- Show the effective configuration and where it was read from:
~~~
$ vworker config show
$ vworker config path
~~~
- Regenerate a default file with ` + "`vworker config init`" + `
- Unset VWORKER_* variables one at a time to find the culprit`,
		extLinks: []HttpLink{"https://cuelang.org/docs/"},
	}

	workerFaultedIssue = &Issue{
		id: WorkerFaultedId,
		mdMsg: `
# The root worker faulted!

The script exited with a non-zero status, hit an error under ` + "`set -e`" + `,
or an operation failed fatally. Its exit status is passed through.

## Things you can try:
- Re-run with ` + "`--log-level debug`" + ` to follow the worker lifecycle
- Check that every command the script runs is an installed op; list them with:
~~~
$ vworker ops
~~~
- Host binaries only run when permissions.allow_exec is enabled`,
	}

	spawnRefusedIssue = &Issue{
		id: SpawnRefusedId,
		mdMsg: `
# A nested worker could not be created!

` + "`worker_create`" + ` was refused by a limit or permission.

## Settings involved:
- scheduler.max_workers bounds concurrently running workers
- permissions.max_depth bounds nesting
- permissions.allow_spawn disables nested workers altogether`,
	}

	metricsListenFailedIssue = &Issue{
		id: MetricsListenFailedId,
		mdMsg: `
# The metrics endpoint could not start!

## Things you can try:
- Pick a free port with ` + "`--metrics-addr 127.0.0.1:0`" + `
- Leave metrics.addr empty to disable the endpoint`,
		extLinks: []HttpLink{"https://prometheus.io/docs/instrumenting/exposition_formats/"},
	}

	issues = map[Id]*Issue{
		scriptNotFoundIssue.Id():      scriptNotFoundIssue,
		scriptParseErrorIssue.Id():    scriptParseErrorIssue,
		configLoadFailedIssue.Id():    configLoadFailedIssue,
		workerFaultedIssue.Id():       workerFaultedIssue,
		spawnRefusedIssue.Id():        spawnRefusedIssue,
		metricsListenFailedIssue.Id(): metricsListenFailedIssue,
	}
)

// Values returns every catalog entry ordered by ID.
func Values() []*Issue {
	return slices.SortedFunc(maps.Values(issues), func(a, b *Issue) int {
		return cmp.Compare(a.id, b.id)
	})
}

// Get returns the catalog entry for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}
