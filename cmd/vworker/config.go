// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/invowk/vworker/internal/config"
)

// Output formats accepted by `config show`.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
	formatCUE  = "cue"
)

type configEntry struct {
	Key   string
	Value string
}

// newConfigCommand creates the `vworker config` command tree.
func newConfigCommand(flags *rootFlags) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage vworker configuration",
		Long: `Manage vworker configuration.

Configuration is stored in:
  - Linux: $XDG_CONFIG_HOME/vworker/config.cue (~/.config/vworker/config.cue)
  - macOS: ~/Library/Application Support/vworker/config.cue
  - Windows: %APPDATA%\vworker\config.cue

Every key can be overridden from the environment with the VWORKER_ prefix,
for example VWORKER_SCHEDULER_MAX_WORKERS=8.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var output string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := flags.loadConfig(cmd.Context())
			if err != nil {
				flags.explain(cmd.ErrOrStderr(), err)
				return err
			}
			return showConfig(cmd.OutOrStdout(), cfg, path, output)
		},
	}
	showCmd.Flags().StringVarP(&output, "output", "o", formatText, "output format: text, json, yaml, cue")
	cfgCmd.AddCommand(showCmd)

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd.OutOrStdout(), config.LoadOptions{ConfigFilePath: flags.cfgFile})
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.FilePath(config.LoadOptions{ConfigFilePath: flags.cfgFile})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})

	return cfgCmd
}

func showConfig(w io.Writer, cfg *config.Config, path, format string) error {
	switch format {
	case formatText:
	case formatJSON:
		out, err := json.MarshalIndent(configView(cfg), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(out))
		return nil
	case formatYAML:
		out, err := yaml.Marshal(configView(cfg))
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Fprint(w, string(out))
		return nil
	case formatCUE:
		fmt.Fprint(w, config.GenerateCUE(cfg))
		return nil
	default:
		return fmt.Errorf("unknown output format %q (valid: text, json, yaml, cue)", format)
	}

	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)
	if path != "" {
		fmt.Fprintf(w, "%s: %s\n", CmdStyle.Render("Config file"), path)
	} else {
		fmt.Fprintf(w, "%s: %s\n", CmdStyle.Render("Config file"), SubtitleStyle.Render("(using defaults)"))
	}
	fmt.Fprintln(w)
	for _, e := range configEntries(cfg) {
		fmt.Fprintf(w, "%s: %s\n", CmdStyle.Render(e.Key), SuccessStyle.Render(e.Value))
	}
	return nil
}

// configEntries flattens cfg into dotted keys, in schema order.
func configEntries(cfg *config.Config) []configEntry {
	addr := cfg.Metrics.Addr.String()
	if addr == "" {
		addr = "(disabled)"
	}
	return []configEntry{
		{"scheduler.max_workers", strconv.Itoa(cfg.Scheduler.MaxWorkers)},
		{"scheduler.grace_period", cfg.Scheduler.GracePeriod.String()},
		{"channel.capacity", strconv.Itoa(cfg.Channel.Capacity)},
		{"permissions.allow_spawn", strconv.FormatBool(cfg.Permissions.AllowSpawn)},
		{"permissions.allow_exec", strconv.FormatBool(cfg.Permissions.AllowExec)},
		{"permissions.max_depth", strconv.Itoa(cfg.Permissions.MaxDepth)},
		{"shell.coreutils", strconv.FormatBool(cfg.Shell.Coreutils)},
		{"log.level", cfg.Log.Level.String()},
		{"log.format", string(cfg.Log.Format)},
		{"metrics.addr", addr},
	}
}

// configView is cfg as nested maps keyed like the config file, with the
// grace period in duration syntax.
func configView(cfg *config.Config) map[string]any {
	return map[string]any{
		"scheduler": map[string]any{
			"max_workers":  cfg.Scheduler.MaxWorkers,
			"grace_period": cfg.Scheduler.GracePeriod.String(),
		},
		"channel": map[string]any{
			"capacity": cfg.Channel.Capacity,
		},
		"permissions": map[string]any{
			"allow_spawn": cfg.Permissions.AllowSpawn,
			"allow_exec":  cfg.Permissions.AllowExec,
			"max_depth":   cfg.Permissions.MaxDepth,
		},
		"shell": map[string]any{
			"coreutils": cfg.Shell.Coreutils,
		},
		"log": map[string]any{
			"level":  cfg.Log.Level.String(),
			"format": string(cfg.Log.Format),
		},
		"metrics": map[string]any{
			"addr": cfg.Metrics.Addr.String(),
		},
	}
}

func initConfig(w io.Writer, opts config.LoadOptions) error {
	path, written, err := config.CreateDefaultConfig(opts)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	if !written {
		fmt.Fprintf(w, "%s Configuration already exists at %s\n", WarningStyle.Render("•"), path)
		return nil
	}
	fmt.Fprintf(w, "%s Created default configuration at %s\n", SuccessStyle.Render("✓"), path)
	return nil
}
