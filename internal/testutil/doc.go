// SPDX-License-Identifier: MPL-2.0

// Package testutil provides deterministic time and concurrency-safe capture
// helpers shared by worker, environment and scheduler tests.
package testutil
