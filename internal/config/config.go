// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/invowk/vworker/internal/cueutil"
	"github.com/invowk/vworker/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "vworker"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment variable overrides.
	EnvPrefix = "VWORKER"
)

//go:embed config_schema.cue
var configSchema []byte

// ConfigDir returns the vworker configuration directory using platform
// conventions: %APPDATA% on Windows, ~/Library/Application Support on macOS
// and $XDG_CONFIG_HOME (default ~/.config) elsewhere.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, "Library", "Application Support")
	default:
		base = os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, AppName), nil
}

// FilePath returns the config file that opts select: the explicit file when
// set, otherwise config.cue inside the config directory. The file need not exist.
func FilePath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		return opts.ConfigFilePath, nil
	}
	dir := opts.ConfigDirPath
	if dir == "" {
		var err error
		if dir, err = ConfigDir(); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, ConfigFileName+"."+ConfigFileExt), nil
}

// loadWithOptions loads defaults, then the config file, then environment
// overrides, and validates the result. It returns the file actually read,
// or "" when none was.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("load config canceled: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := FilePath(opts)
	if err != nil {
		return nil, "", err
	}

	resolved := ""
	switch exists := fileExists(path); {
	case exists:
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Compare it with the output of 'vworker config show'").
				Wrap(err).
				BuildError()
		}
		resolved = path
	case opts.ConfigFilePath != "":
		return nil, "", issue.NewErrorContext().
			WithOperation("load configuration").
			WithResource(path).
			WithSuggestion("Verify the file path is correct").
			WithSuggestion("Run 'vworker config init' to create a default configuration").
			Wrap(fmt.Errorf("config file not found: %s", path)).
			BuildError()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if ok, errs := cfg.IsValid(); !ok {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(path).
			WithSuggestion("Check VWORKER_* environment variables for out-of-range values").
			Wrap(errs[0]).
			BuildError()
	}
	return &cfg, resolved, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("scheduler.max_workers", d.Scheduler.MaxWorkers)
	v.SetDefault("scheduler.grace_period", d.Scheduler.GracePeriod)
	v.SetDefault("channel.capacity", d.Channel.Capacity)
	v.SetDefault("permissions.allow_spawn", d.Permissions.AllowSpawn)
	v.SetDefault("permissions.allow_exec", d.Permissions.AllowExec)
	v.SetDefault("permissions.max_depth", d.Permissions.MaxDepth)
	v.SetDefault("shell.coreutils", d.Shell.Coreutils)
	v.SetDefault("log.level", string(d.Log.Level))
	v.SetDefault("log.format", string(d.Log.Format))
	v.SetDefault("metrics.addr", string(d.Metrics.Addr))
}

// loadCUEIntoViper validates the CUE file at path against #Config and merges
// it over the defaults already in v.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	values, err := cueutil.DecodeMap(configSchema, data, "#Config", cueutil.WithFilename(path))
	if err != nil {
		return err
	}
	if err := v.MergeConfigMap(values); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default configuration to the file opts
// select unless it already exists. It returns the file path and whether it
// was written.
func CreateDefaultConfig(opts LoadOptions) (string, bool, error) {
	path, err := FilePath(opts)
	if err != nil {
		return "", false, err
	}
	if fileExists(path) {
		return path, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write config file: %w", err)
	}
	return path, true, nil
}

// GenerateCUE renders cfg as a config file.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// vworker configuration file\n\n")

	sb.WriteString("scheduler: {\n")
	fmt.Fprintf(&sb, "\tmax_workers:  %d\n", cfg.Scheduler.MaxWorkers)
	fmt.Fprintf(&sb, "\tgrace_period: %q\n", cfg.Scheduler.GracePeriod.String())
	sb.WriteString("}\n")

	sb.WriteString("\nchannel: {\n")
	fmt.Fprintf(&sb, "\tcapacity: %d\n", cfg.Channel.Capacity)
	sb.WriteString("}\n")

	sb.WriteString("\npermissions: {\n")
	fmt.Fprintf(&sb, "\tallow_spawn: %v\n", cfg.Permissions.AllowSpawn)
	fmt.Fprintf(&sb, "\tallow_exec:  %v\n", cfg.Permissions.AllowExec)
	fmt.Fprintf(&sb, "\tmax_depth:   %d\n", cfg.Permissions.MaxDepth)
	sb.WriteString("}\n")

	sb.WriteString("\nshell: {\n")
	fmt.Fprintf(&sb, "\tcoreutils: %v\n", cfg.Shell.Coreutils)
	sb.WriteString("}\n")

	sb.WriteString("\nlog: {\n")
	fmt.Fprintf(&sb, "\tlevel:  %q\n", cfg.Log.Level)
	fmt.Fprintf(&sb, "\tformat: %q\n", cfg.Log.Format)
	sb.WriteString("}\n")

	if cfg.Metrics.Addr != "" {
		sb.WriteString("\nmetrics: {\n")
		fmt.Fprintf(&sb, "\taddr: %q\n", cfg.Metrics.Addr)
		sb.WriteString("}\n")
	}

	return sb.String()
}
