// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable errors for the CLI: errors that carry the
// failed operation, the resource involved and suggested fixes, optionally
// linked to a catalog entry with Markdown guidance rendered by glamour.
package issue
