// SPDX-License-Identifier: MPL-2.0

// Package telemetry builds the loggers and Prometheus metrics shared by
// workers, the scheduler and the CLI.
package telemetry
