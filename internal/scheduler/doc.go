// SPDX-License-Identifier: MPL-2.0

// Package scheduler drives worker tasks on goroutines and is the spawning
// facility nested workers are created through.
//
// Every task runs on its own goroutine inside an errgroup whose limit is the
// shared MaxWorkers setting. A spawn that would exceed the limit is refused
// immediately rather than queued, so a runaway script cannot pile up
// constructed-but-idle workers.
package scheduler
