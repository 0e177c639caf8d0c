// SPDX-License-Identifier: MPL-2.0

package telemetry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

const (
	// FormatText is the human-readable log format.
	FormatText LogFormat = "text"
	// FormatJSON emits one JSON object per record.
	FormatJSON LogFormat = "json"
	// FormatLogfmt emits logfmt key=value records.
	FormatLogfmt LogFormat = "logfmt"
)

// ErrInvalidLogFormat is the sentinel error wrapped by InvalidLogFormatError.
var ErrInvalidLogFormat = errors.New("invalid log format")

type (
	// LogFormat selects the log record formatter.
	LogFormat string

	// InvalidLogFormatError is returned when a LogFormat value is not recognized.
	// It wraps ErrInvalidLogFormat for errors.Is() compatibility.
	InvalidLogFormatError struct {
		Value LogFormat
	}

	// LogOptions configures NewLogger.
	LogOptions struct {
		// Writer receives log records. Defaults to os.Stderr.
		Writer io.Writer
		// Level is a charmbracelet/log level name (debug, info, warn, error).
		Level string
		// Format selects the formatter. Defaults to FormatText.
		Format LogFormat
		// Prefix labels every record.
		Prefix string
	}
)

// Error implements the error interface for InvalidLogFormatError.
func (e *InvalidLogFormatError) Error() string {
	return fmt.Sprintf("invalid log format %q (valid: text, json, logfmt)", e.Value)
}

// Unwrap returns ErrInvalidLogFormat for errors.Is() compatibility.
func (e *InvalidLogFormatError) Unwrap() error { return ErrInvalidLogFormat }

// IsValid returns whether the LogFormat is one of the defined formats,
// and a list of validation errors if it is not.
func (f LogFormat) IsValid() (bool, []error) {
	switch f {
	case FormatText, FormatJSON, FormatLogfmt, "":
		return true, nil
	default:
		return false, []error{&InvalidLogFormatError{Value: f}}
	}
}

// NewLogger builds a charmbracelet logger from opts.
func NewLogger(opts LogOptions) (*log.Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	level := log.InfoLevel
	if opts.Level != "" {
		parsed, err := log.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	if ok, errs := opts.Format.IsValid(); !ok {
		return nil, errs[0]
	}

	formatter := log.TextFormatter
	switch opts.Format {
	case FormatJSON:
		formatter = log.JSONFormatter
	case FormatLogfmt:
		formatter = log.LogfmtFormatter
	}

	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          opts.Prefix,
		Formatter:       formatter,
		ReportTimestamp: opts.Format == FormatJSON || opts.Format == FormatLogfmt,
	}), nil
}

// Discard returns a logger that drops every record.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
