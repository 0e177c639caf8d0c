// SPDX-License-Identifier: MPL-2.0

// Package config loads vworker configuration using Viper with CUE as the
// file format.
//
// The configuration file lives at $XDG_CONFIG_HOME/vworker/config.cue
// (~/.config/vworker/config.cue when XDG_CONFIG_HOME is unset,
// ~/Library/Application Support/vworker/config.cue on macOS and
// %APPDATA%\vworker\config.cue on Windows). Files are validated against the
// embedded #Config schema in config_schema.cue before they reach Viper, and
// every key can be overridden from the environment with the VWORKER_ prefix,
// for example VWORKER_SCHEDULER_MAX_WORKERS=8.
package config
