// SPDX-License-Identifier: MPL-2.0

// Package lifecycle provides the atomic state machine that drivable tasks use
// to record their progress from creation to a single terminal outcome.
//
// Reads are lock-free. Transitions are compare-and-swap, so concurrent
// callers racing to finish a task agree on exactly one winner, and the
// terminal error recorded by that winner is the one every observer sees.
package lifecycle
