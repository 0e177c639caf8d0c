// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/invowk/vworker/internal/state"
	"github.com/invowk/vworker/internal/telemetry"
)

const (
	// LevelDebug logs everything including per-worker lifecycle records.
	LevelDebug LogLevel = "debug"
	// LevelInfo is the default level.
	LevelInfo LogLevel = "info"
	// LevelWarn logs faults and refused spawns only.
	LevelWarn LogLevel = "warn"
	// LevelError logs errors only.
	LevelError LogLevel = "error"
)

var (
	// ErrInvalidLogLevel is the sentinel error wrapped by InvalidLogLevelError.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidMetricsAddr is the sentinel error wrapped by InvalidMetricsAddrError.
	ErrInvalidMetricsAddr = errors.New("invalid metrics address")
	// ErrOutOfRange is the sentinel error wrapped by OutOfRangeError.
	ErrOutOfRange = errors.New("value out of range")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// LogLevel is a log level name understood by charmbracelet/log.
	LogLevel string

	// InvalidLogLevelError is returned when a LogLevel value is not recognized.
	InvalidLogLevelError struct {
		Value LogLevel
	}

	// MetricsAddr is a host:port listen address. Empty disables the endpoint.
	MetricsAddr string

	// InvalidMetricsAddrError is returned when a MetricsAddr cannot be split
	// into host and port.
	InvalidMetricsAddrError struct {
		Value MetricsAddr
		Err   error
	}

	// OutOfRangeError is returned when a numeric setting is outside its bounds.
	OutOfRangeError struct {
		Field    string
		Value    int
		Min, Max int
	}

	// InvalidConfigError collects field-level validation errors.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the application configuration.
	Config struct {
		Scheduler   SchedulerConfig   `json:"scheduler" mapstructure:"scheduler"`
		Channel     ChannelConfig     `json:"channel" mapstructure:"channel"`
		Permissions PermissionsConfig `json:"permissions" mapstructure:"permissions"`
		Shell       ShellConfig       `json:"shell" mapstructure:"shell"`
		Log         LogConfig         `json:"log" mapstructure:"log"`
		Metrics     MetricsConfig     `json:"metrics" mapstructure:"metrics"`
	}

	// SchedulerConfig bounds concurrent execution.
	SchedulerConfig struct {
		// MaxWorkers caps concurrently driven workers, the root included.
		MaxWorkers int `json:"max_workers" mapstructure:"max_workers"`
		// GracePeriod is how long nested workers may outlive the root.
		GracePeriod time.Duration `json:"grace_period" mapstructure:"grace_period"`
	}

	// ChannelConfig sizes worker channels.
	ChannelConfig struct {
		Capacity int `json:"capacity" mapstructure:"capacity"`
	}

	// PermissionsConfig gates what scripts may do.
	PermissionsConfig struct {
		AllowSpawn bool `json:"allow_spawn" mapstructure:"allow_spawn"`
		AllowExec  bool `json:"allow_exec" mapstructure:"allow_exec"`
		MaxDepth   int  `json:"max_depth" mapstructure:"max_depth"`
	}

	// ShellConfig configures the worker shells.
	ShellConfig struct {
		Coreutils bool `json:"coreutils" mapstructure:"coreutils"`
	}

	// LogConfig configures the root logger.
	LogConfig struct {
		Level  LogLevel            `json:"level" mapstructure:"level"`
		Format telemetry.LogFormat `json:"format" mapstructure:"format"`
	}

	// MetricsConfig configures the Prometheus endpoint.
	MetricsConfig struct {
		Addr MetricsAddr `json:"addr" mapstructure:"addr"`
	}
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	settings := state.DefaultSettings()
	perms := state.DefaultPermissions()
	return &Config{
		Scheduler: SchedulerConfig{
			MaxWorkers:  settings.MaxWorkers,
			GracePeriod: 5 * time.Second,
		},
		Channel: ChannelConfig{Capacity: settings.ChannelCapacity},
		Permissions: PermissionsConfig{
			AllowSpawn: perms.AllowSpawn,
			AllowExec:  perms.AllowExec,
			MaxDepth:   perms.MaxDepth,
		},
		Shell: ShellConfig{Coreutils: settings.Coreutils},
		Log: LogConfig{
			Level:  LevelInfo,
			Format: telemetry.FormatText,
		},
	}
}

// Settings converts the config into shared runtime settings.
func (c *Config) Settings() state.Settings {
	return state.Settings{
		ChannelCapacity: c.Channel.Capacity,
		MaxWorkers:      c.Scheduler.MaxWorkers,
		Coreutils:       c.Shell.Coreutils,
	}
}

// SharedPermissions converts the config into shared runtime permissions.
func (c *Config) SharedPermissions() state.Permissions {
	return state.Permissions{
		AllowSpawn: c.Permissions.AllowSpawn,
		AllowExec:  c.Permissions.AllowExec,
		MaxDepth:   c.Permissions.MaxDepth,
	}
}

// IsValid returns whether every field of the Config is valid. CUE already
// checks files; this also covers values that arrive through the environment.
func (c Config) IsValid() (bool, []error) {
	var errs []error
	checkRange := func(field string, v, lo, hi int) {
		if v < lo || v > hi {
			errs = append(errs, &OutOfRangeError{Field: field, Value: v, Min: lo, Max: hi})
		}
	}
	checkRange("scheduler.max_workers", c.Scheduler.MaxWorkers, 1, 4096)
	checkRange("channel.capacity", c.Channel.Capacity, 1, 65536)
	checkRange("permissions.max_depth", c.Permissions.MaxDepth, 0, 64)
	if c.Scheduler.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("scheduler.grace_period: %w: must not be negative", ErrOutOfRange))
	}

	if valid, fieldErrs := c.Log.Level.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.Log.Format.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.Metrics.Addr.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}

	if len(errs) > 0 {
		return false, []error{&InvalidConfigError{FieldErrors: errs}}
	}
	return true, nil
}

// IsValid returns whether the LogLevel is one of the defined levels.
func (l LogLevel) IsValid() (bool, []error) {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true, nil
	default:
		return false, []error{&InvalidLogLevelError{Value: l}}
	}
}

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string { return string(l) }

// IsValid returns whether the MetricsAddr is empty or a host:port pair.
func (a MetricsAddr) IsValid() (bool, []error) {
	if a == "" {
		return true, nil
	}
	if _, _, err := net.SplitHostPort(string(a)); err != nil {
		return false, []error{&InvalidMetricsAddrError{Value: a, Err: err}}
	}
	return true, nil
}

// String returns the string representation of the MetricsAddr.
func (a MetricsAddr) String() string { return string(a) }

// Error implements the error interface for InvalidLogLevelError.
func (e *InvalidLogLevelError) Error() string {
	return fmt.Sprintf("invalid log level %q (valid: debug, info, warn, error)", e.Value)
}

// Unwrap returns ErrInvalidLogLevel for errors.Is() compatibility.
func (e *InvalidLogLevelError) Unwrap() error { return ErrInvalidLogLevel }

// Error implements the error interface for InvalidMetricsAddrError.
func (e *InvalidMetricsAddrError) Error() string {
	return fmt.Sprintf("invalid metrics address %q: %v", e.Value, e.Err)
}

// Unwrap returns ErrInvalidMetricsAddr for errors.Is() compatibility.
func (e *InvalidMetricsAddrError) Unwrap() error { return ErrInvalidMetricsAddr }

// Error implements the error interface for OutOfRangeError.
func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s: %d is outside [%d, %d]", e.Field, e.Value, e.Min, e.Max)
}

// Unwrap returns ErrOutOfRange for errors.Is() compatibility.
func (e *OutOfRangeError) Unwrap() error { return ErrOutOfRange }

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s", errors.Join(e.FieldErrors...))
}

// Unwrap returns ErrInvalidConfig and the field errors.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}
