// SPDX-License-Identifier: MPL-2.0

// Package worker implements the worker execution unit: a script environment,
// a reference to the shared runtime state and one channel endpoint towards
// the worker's creator, exposed as a task that a scheduler drives to
// completion.
//
// # Driving
//
// A Worker is driven by Step. Each step acquires the environment's guard,
// feeds it the messages and events that arrived since the previous step, runs
// the queued jobs and the timers already due, and releases the guard before
// returning. Timers armed during a step run in a later one, so a step is
// always bounded. Between jobs the step ends early on a close request or a
// terminate signal. Step reports StatusPending while the worker
// still has something to wait for (timers, live children, an open parent
// channel with an onmessage handler) and StatusReady with the terminal result
// otherwise. Run loops over Step, sleeping between steps until a message,
// event or timer deadline arrives.
//
// Once terminal, Step and Run keep returning the same cached result and never
// touch the environment again.
//
// # Variants
//
// NestedWorker and HostWorker embed *Worker and differ only in the op groups
// they install at construction. Installation happens under the same guard as
// Step and is all-or-nothing: if any op fails to install, the environment is
// discarded and construction returns a RegistrationError.
//
// # Termination
//
// A worker ends when its event loop drains, when script code calls exit or
// close, when the creator sends a terminate control signal (graceful, nil
// result), when a job faults (ExecutionFault), or when the creator calls
// Close (ErrAborted). Close cancels an in-flight step, closes both halves of
// the worker's endpoint immediately and discards the environment as soon as
// the guard is free.
package worker
