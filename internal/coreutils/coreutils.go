// SPDX-License-Identifier: MPL-2.0

// Package coreutils serves common file and text utilities (cat, ls, head, ...)
// to worker scripts in-process. Most are backed by u-root's pkg/core
// implementations. Scripts can use them even when running host binaries is
// not permitted.
package coreutils

import (
	"context"
	"slices"
	"sync"

	"github.com/u-root/u-root/pkg/core"
	"github.com/u-root/u-root/pkg/core/base64"
	"github.com/u-root/u-root/pkg/core/cat"
	"github.com/u-root/u-root/pkg/core/chmod"
	"github.com/u-root/u-root/pkg/core/cp"
	"github.com/u-root/u-root/pkg/core/find"
	"github.com/u-root/u-root/pkg/core/gzip"
	"github.com/u-root/u-root/pkg/core/ls"
	"github.com/u-root/u-root/pkg/core/mkdir"
	"github.com/u-root/u-root/pkg/core/mktemp"
	"github.com/u-root/u-root/pkg/core/mv"
	"github.com/u-root/u-root/pkg/core/rm"
	"github.com/u-root/u-root/pkg/core/shasum"
	"github.com/u-root/u-root/pkg/core/tar"
	"github.com/u-root/u-root/pkg/core/touch"

	"github.com/invowk/vworker/internal/ops"
	"github.com/invowk/vworker/internal/scriptenv"
)

type utility struct {
	name   string
	newCmd func() core.Command
	// text implements utilities u-root has no pkg/core command for.
	text ops.RunFunc
	// withProgName passes args[0] through; gzip parses its own program name.
	withProgName bool
}

var (
	utilities = []utility{
		{name: "base64", newCmd: func() core.Command { return base64.New() }},
		{name: "cat", newCmd: func() core.Command { return cat.New() }},
		{name: "chmod", newCmd: func() core.Command { return chmod.New() }},
		{name: "cp", newCmd: func() core.Command { return cp.New() }},
		{name: "find", newCmd: func() core.Command { return find.New() }},
		{name: "gzip", newCmd: func() core.Command { return gzip.New() }, withProgName: true},
		{name: "head", text: runHead},
		{name: "ls", newCmd: func() core.Command { return ls.New() }},
		{name: "mkdir", newCmd: func() core.Command { return mkdir.New() }},
		{name: "mktemp", newCmd: func() core.Command { return mktemp.New() }},
		{name: "mv", newCmd: func() core.Command { return mv.New() }},
		{name: "rm", newCmd: func() core.Command { return rm.New() }},
		{name: "seq", text: runSeq},
		{name: "shasum", newCmd: func() core.Command { return shasum.New() }},
		{name: "sleep", text: runSleep},
		{name: "tar", newCmd: func() core.Command { return tar.New() }},
		{name: "touch", newCmd: func() core.Command { return touch.New() }},
		{name: "wc", text: runWc},
	}

	buildOnce sync.Once
	registry  map[string]scriptenv.Op
)

// Lookup returns the op serving the utility name. It has the signature of
// scriptenv.ShellOptions.LookupCommand.
func Lookup(name string) (scriptenv.Op, bool) {
	buildOnce.Do(build)
	op, ok := registry[name]
	return op, ok
}

// Names returns the available utility names in sorted order.
func Names() []string {
	names := make([]string, 0, len(utilities))
	for _, u := range utilities {
		names = append(names, u.name)
	}
	slices.Sort(names)
	return names
}

func build() {
	registry = make(map[string]scriptenv.Op, len(utilities))
	for _, u := range utilities {
		registry[u.name] = ops.NewFunc(u.name, u.run)
	}
}

// run configures a fresh u-root command with the script's streams, working
// directory and variables, then runs it.
func (u utility) run(ctx context.Context, hc *ops.HandlerContext, args []string) error {
	if u.text != nil {
		return u.text(ctx, hc, args)
	}
	cmd := u.newCmd()
	cmd.SetIO(hc.Stdin, hc.Stdout, hc.Stderr)
	cmd.SetWorkingDir(hc.Dir)
	cmd.SetLookupEnv(hc.LookupEnv)

	cmdArgs := args
	if !u.withProgName && len(args) > 0 {
		cmdArgs = args[1:]
	}
	if err := cmd.RunContext(ctx, cmdArgs...); err != nil {
		return err
	}
	return nil
}
