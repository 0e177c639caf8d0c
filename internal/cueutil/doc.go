// SPDX-License-Identifier: MPL-2.0

// Package cueutil validates CUE documents against an embedded schema
// definition and decodes them for consumers such as Viper.
//
// Validation errors are reported with JSON-style paths:
//
//	config.cue: permissions.max_depth: invalid value 0 (out of bound >=1)
package cueutil
