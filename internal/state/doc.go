// SPDX-License-Identifier: MPL-2.0

// Package state holds the process-wide runtime state every worker shares:
// settings, permission flags, named key/value stores, the spawning facility,
// metrics and the root logger.
//
// A Shared value is reference counted. Each worker retains it at
// construction and releases it when the worker reaches a terminal state; the
// release hooks run once, when the last holder lets go. All accessors are
// safe for concurrent use and never expose partially applied updates.
package state
