// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/invowk/vworker/internal/issue"
	"github.com/invowk/vworker/internal/telemetry"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if valid, errs := cfg.IsValid(); !valid {
		t.Fatalf("DefaultConfig() is invalid: %v", errs)
	}
	if cfg.Scheduler.MaxWorkers != 64 {
		t.Errorf("MaxWorkers = %d, want 64", cfg.Scheduler.MaxWorkers)
	}
	if cfg.Channel.Capacity != 64 {
		t.Errorf("Capacity = %d, want 64", cfg.Channel.Capacity)
	}
	if !cfg.Permissions.AllowSpawn || cfg.Permissions.AllowExec {
		t.Errorf("unexpected default permissions: %+v", cfg.Permissions)
	}
	if cfg.Log.Level != LevelInfo || cfg.Log.Format != telemetry.FormatText {
		t.Errorf("unexpected default log config: %+v", cfg.Log)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("metrics should be disabled by default, got %q", cfg.Metrics.Addr)
	}
	if !cfg.Shell.Coreutils {
		t.Error("coreutils should be enabled by default")
	}
}

func TestLoad_ReturnsDefaultsWhenNoConfigFile(t *testing.T) {
	t.Parallel()

	cfg, path, err := NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path != "" {
		t.Errorf("resolved path = %q, want empty", path)
	}
	if *cfg != *DefaultConfig() {
		t.Errorf("Load() = %+v, want defaults %+v", cfg, DefaultConfig())
	}
}

func TestLoad_FromConfigDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	want := writeConfig(t, dir, `
scheduler: {
	max_workers:  8
	grace_period: "250ms"
}
permissions: allow_exec: true
log: format: "json"
metrics: addr: "127.0.0.1:9464"
`)

	cfg, path, err := NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path != want {
		t.Errorf("resolved path = %q, want %q", path, want)
	}
	if cfg.Scheduler.MaxWorkers != 8 {
		t.Errorf("MaxWorkers = %d, want 8", cfg.Scheduler.MaxWorkers)
	}
	if cfg.Scheduler.GracePeriod != 250*time.Millisecond {
		t.Errorf("GracePeriod = %v, want 250ms", cfg.Scheduler.GracePeriod)
	}
	if !cfg.Permissions.AllowExec || !cfg.Permissions.AllowSpawn {
		t.Errorf("permissions = %+v, want exec and the spawn default", cfg.Permissions)
	}
	if cfg.Log.Format != telemetry.FormatJSON || cfg.Log.Level != LevelInfo {
		t.Errorf("log = %+v, want json format with default level", cfg.Log)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9464" {
		t.Errorf("metrics addr = %q", cfg.Metrics.Addr)
	}
	if cfg.Channel.Capacity != 64 {
		t.Errorf("unset channel.capacity should keep its default, got %d", cfg.Channel.Capacity)
	}
}

func TestLoad_CustomPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "custom.cue")
	if err := os.WriteFile(path, []byte(`channel: capacity: 3`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := NewProvider().Load(t.Context(), LoadOptions{
		ConfigFilePath: path,
		ConfigDirPath:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if resolved != path {
		t.Errorf("resolved = %q, want %q", resolved, path)
	}
	if cfg.Channel.Capacity != 3 {
		t.Errorf("Capacity = %d, want 3", cfg.Channel.Capacity)
	}
}

func TestLoad_CustomPath_NotFound(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing.cue")
	_, _, err := NewProvider().Load(t.Context(), LoadOptions{ConfigFilePath: missing})
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}

	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *issue.ActionableError, got %T", err)
	}
	if ae.Operation != "load configuration" || ae.Resource != missing {
		t.Errorf("unexpected context: %+v", ae)
	}
	if !ae.HasSuggestions() {
		t.Error("expected suggestions")
	}
}

func TestLoad_RejectsInvalidFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax error", `scheduler: {`, ConfigFileName},
		{"out of range", `scheduler: max_workers: 0`, "scheduler.max_workers"},
		{"wrong type", `permissions: allow_spawn: "yes"`, "permissions.allow_spawn"},
		{"unknown level", `log: level: "trace"`, "log.level"},
		{"unknown section", `workers: 3`, "workers"},
		{"bad grace period", `scheduler: grace_period: "soon"`, "scheduler.grace_period"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			path := writeConfig(t, dir, tt.content)
			_, _, err := NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: dir})
			if err == nil {
				t.Fatal("expected error")
			}
			var ae *issue.ActionableError
			if !errors.As(err, &ae) || ae.Resource != path {
				t.Fatalf("expected actionable error for %s, got %v", path, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestLoad_CanceledContext(t *testing.T) {
	t.Parallel()

	canceled, cancel := context.WithCancel(t.Context())
	cancel()

	if _, _, err := NewProvider().Load(canceled, LoadOptions{ConfigDirPath: t.TempDir()}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `scheduler: max_workers: 8`)

	t.Setenv("VWORKER_SCHEDULER_MAX_WORKERS", "16")
	t.Setenv("VWORKER_PERMISSIONS_ALLOW_EXEC", "true")
	t.Setenv("VWORKER_LOG_LEVEL", "debug")

	cfg, _, err := NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.MaxWorkers != 16 {
		t.Errorf("MaxWorkers = %d, want 16 from environment", cfg.Scheduler.MaxWorkers)
	}
	if !cfg.Permissions.AllowExec {
		t.Error("AllowExec should be set from environment")
	}
	if cfg.Log.Level != LevelDebug {
		t.Errorf("Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_EnvironmentValuesAreValidated(t *testing.T) {
	t.Setenv("VWORKER_CHANNEL_CAPACITY", "0")

	_, _, err := NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: t.TempDir()})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestConfigDir(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("XDG lookup applies to Linux and other Unix systems")
	}

	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() error = %v", err)
	}
	if want := filepath.Join(base, AppName); dir != want {
		t.Errorf("ConfigDir() = %q, want %q", dir, want)
	}

	path, err := FilePath(LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(base, AppName, "config.cue"); path != want {
		t.Errorf("FilePath() = %q, want %q", path, want)
	}
}

func TestCreateDefaultConfig(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", AppName)
	opts := LoadOptions{ConfigDirPath: dir}

	path, written, err := CreateDefaultConfig(opts)
	if err != nil {
		t.Fatalf("CreateDefaultConfig() error = %v", err)
	}
	if !written {
		t.Error("first call should write the file")
	}

	cfg, resolved, err := NewProvider().Load(t.Context(), opts)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if resolved != path {
		t.Errorf("resolved = %q, want %q", resolved, path)
	}
	if *cfg != *DefaultConfig() {
		t.Errorf("generated config = %+v, want defaults", cfg)
	}

	if err := os.WriteFile(path, []byte(`channel: capacity: 5`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, written, err := CreateDefaultConfig(opts); err != nil || written {
		t.Errorf("second call must not overwrite: written=%v err=%v", written, err)
	}
}

func TestGenerateCUE_RoundTripsCustomValues(t *testing.T) {
	t.Parallel()

	want := DefaultConfig()
	want.Scheduler.MaxWorkers = 3
	want.Scheduler.GracePeriod = 2 * time.Minute
	want.Permissions.MaxDepth = 0
	want.Log.Level = LevelWarn
	want.Shell.Coreutils = false
	want.Metrics.Addr = ":9100"

	dir := t.TempDir()
	writeConfig(t, dir, GenerateCUE(want))

	got, _, err := NewProvider().Load(t.Context(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *got != *want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestConfig_RuntimeConversions(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Channel.Capacity = 7
	cfg.Scheduler.MaxWorkers = 9
	cfg.Permissions = PermissionsConfig{AllowSpawn: false, AllowExec: true, MaxDepth: 2}
	cfg.Shell.Coreutils = false

	settings := cfg.Settings()
	if settings.ChannelCapacity != 7 || settings.MaxWorkers != 9 || settings.Coreutils {
		t.Errorf("Settings() = %+v", settings)
	}
	perms := cfg.SharedPermissions()
	if perms.AllowSpawn || !perms.AllowExec || perms.MaxDepth != 2 {
		t.Errorf("SharedPermissions() = %+v", perms)
	}
}
