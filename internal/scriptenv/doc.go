// SPDX-License-Identifier: MPL-2.0

// Package scriptenv defines the execution environment a worker runs scripts
// in, and the exclusive-access discipline around it.
//
// An Environment is single-threaded and stateful: it owns an interpreter, a
// run queue of jobs and a set of timers. It must never be used by two
// goroutines at once. The Cell type enforces this: the only way to reach the
// Environment inside a Cell is through a Guard, and at most one Guard exists
// at any time. Guards are meant to be held for one bounded unit of work
// (installing operations, one drive step) and released before waiting.
//
// The Shell implementation interprets POSIX shell with mvdan.cc/sh. Host
// operations registered into it are resolved by the interpreter's exec
// handler before any external binary lookup.
package scriptenv
