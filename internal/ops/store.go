// SPDX-License-Identifier: MPL-2.0

package ops

import (
	"context"
	"fmt"
	"strings"

	"github.com/invowk/vworker/internal/scriptenv"
)

// Shared-store op names.
const (
	OpSharedGet  = "shared_get"
	OpSharedSet  = "shared_set"
	OpSharedKeys = "shared_keys"
)

// StoreVars is the shared store the shared-store ops read and write.
const StoreVars = "vars"

// StoreGroup exposes the process-wide "vars" store to script code. Every
// worker sharing the runtime state sees the same values.
func StoreGroup() Group {
	return Group{
		Name: GroupStore,
		Build: func(h Host) []scriptenv.Op {
			return []scriptenv.Op{
				NewFunc(OpSharedGet, func(_ context.Context, hc *HandlerContext, args []string) error {
					if len(args) != 2 {
						return &UsageError{Usage: OpSharedGet + " KEY"}
					}
					v, ok := h.Shared().Store(StoreVars).Get(args[1])
					if !ok {
						return fmt.Errorf("%q is not set", args[1])
					}
					fmt.Fprintln(hc.Stdout, v)
					return nil
				}),
				NewFunc(OpSharedSet, func(_ context.Context, _ *HandlerContext, args []string) error {
					if len(args) < 2 {
						return &UsageError{Usage: OpSharedSet + " KEY [VALUE...]"}
					}
					h.Shared().Store(StoreVars).Set(args[1], strings.Join(args[2:], " "))
					return nil
				}),
				NewFunc(OpSharedKeys, func(_ context.Context, hc *HandlerContext, _ []string) error {
					for _, k := range h.Shared().Store(StoreVars).Keys() {
						fmt.Fprintln(hc.Stdout, k)
					}
					return nil
				}),
			}
		},
	}
}
