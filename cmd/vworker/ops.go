// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/invowk/vworker/internal/coreutils"
	"github.com/invowk/vworker/internal/ops"
	"github.com/invowk/vworker/internal/worker"
)

const groupCoreutils = "coreutils"

func newOpsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List the operations worker scripts can call",
		Long: `List the operations worker scripts can call, by group, and which
worker variants install them. The root worker is a host worker; workers
started with worker_create are nested workers. The coreutils group is
served in every variant while shell.coreutils is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listOps(cmd.OutOrStdout(), ops.DefaultRegistry, coreutils.Names())
		},
	}
}

func listOps(w io.Writer, reg *ops.Registry, utilities []string) error {
	table := tablewriter.NewWriter(w)
	table.Header("Group", "Op", "Host", "Nested")

	for _, name := range reg.Names() {
		g, _ := reg.Lookup(name)
		host := yesNo(slices.Contains(worker.HostGroups, name))
		nested := yesNo(slices.Contains(worker.NestedGroups, name))
		for _, op := range g.OpNames() {
			if err := table.Append(name, op, host, nested); err != nil {
				return fmt.Errorf("render ops table: %w", err)
			}
		}
	}
	for _, name := range utilities {
		if err := table.Append(groupCoreutils, name, "yes", "yes"); err != nil {
			return fmt.Errorf("render ops table: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render ops table: %w", err)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
