// SPDX-License-Identifier: MPL-2.0

// Package ops provides the host operations workers install into their script
// environments, organized in named groups.
//
// # Groups
//
//   - worker-messaging: postmessage, close
//   - worker-host: worker_create, worker_post, worker_terminate, worker_list
//   - shared-store: shared_get, shared_set, shared_keys
//
// A group is a constructor: it builds fresh op values bound to one Host (the
// worker being constructed), so per-worker bookkeeping such as the table of
// live children never leaks between workers.
//
// # Error Format
//
// Op failures are reported on the script's stderr prefixed with "[op]" and
// turn into a non-zero command status, which script code may inspect or
// ignore like any other failing command:
//
//	[op] worker_post: no live child named "w2"
//	[op] postmessage: post to parent: channel closed
//
// Usage errors exit with status 2, every other failure with status 1.
package ops
