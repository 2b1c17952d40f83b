package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}

func writeConfigDir(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "monitor.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoadMonitorConfigPrefersEnvPath(t *testing.T) {
	dir := writeConfigDir(t, "poll:\n  interval_seconds: 77\n")
	t.Setenv(envConfigPath, dir)

	cfg, source, err := loadMonitorConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if source != dir {
		t.Fatalf("expected source %s, got %s", dir, source)
	}
	if cfg.Poll.IntervalSeconds != 77 {
		t.Fatalf("expected interval 77, got %d", cfg.Poll.IntervalSeconds)
	}
}

func TestLoadMonitorConfigSkipsMissingEnvPath(t *testing.T) {
	chdir(t, t.TempDir())
	if err := os.MkdirAll(defaultConfigPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing"))

	cfg, source, err := loadMonitorConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if source != defaultConfigPath {
		t.Fatalf("expected fallback to %s, got %s", defaultConfigPath, source)
	}
	if cfg.Poll.IntervalSeconds != 30 {
		t.Fatalf("expected default interval, got %d", cfg.Poll.IntervalSeconds)
	}
}

func TestLoadMonitorConfigFailsWhenNothingExists(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv(envConfigPath, "")

	_, _, err := loadMonitorConfig()
	if err == nil {
		t.Fatalf("expected error when no config directory exists")
	}
	if !strings.Contains(err.Error(), defaultConfigPath) {
		t.Fatalf("expected error to name the tried paths, got %v", err)
	}
}

func TestLoadMonitorConfigSurfacesParseErrors(t *testing.T) {
	dir := writeConfigDir(t, "poll: [broken\n")
	t.Setenv(envConfigPath, dir)

	_, _, err := loadMonitorConfig()
	if err == nil {
		t.Fatalf("expected parse error to surface, got nil")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
