package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cryoprocess.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SchedulerBackend != "direct" {
		t.Errorf("SchedulerBackend = %q, want direct", cfg.SchedulerBackend)
	}
	if cfg.WatchPollInterval != 10*time.Second {
		t.Errorf("WatchPollInterval = %v, want 10s", cfg.WatchPollInterval)
	}
	if cfg.MaxNameRetries != 5 {
		t.Errorf("MaxNameRetries = %d, want 5", cfg.MaxNameRetries)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, "scheduler_backend: queued\nwatch_poll_interval: 30s\nmax_name_retries: 9\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SchedulerBackend != "queued" {
		t.Errorf("SchedulerBackend = %q, want queued", cfg.SchedulerBackend)
	}
	if cfg.WatchPollInterval != 30*time.Second {
		t.Errorf("WatchPollInterval = %v, want 30s", cfg.WatchPollInterval)
	}
	if cfg.MaxNameRetries != 9 {
		t.Errorf("MaxNameRetries = %d, want 9", cfg.MaxNameRetries)
	}
	// Untouched keys keep their defaults.
	if cfg.QueueSubmitCmd != "sbatch" {
		t.Errorf("QueueSubmitCmd = %q, want sbatch", cfg.QueueSubmitCmd)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "log_level: warn\nproject_root: /from/file\n")
	t.Setenv("CRYOPROC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want env value debug", cfg.LogLevel)
	}
	if cfg.ProjectRoot != "/from/file" {
		t.Errorf("ProjectRoot = %q, want file value", cfg.ProjectRoot)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "scheduler_backend: pbs\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown scheduler backend")
	}
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero watch interval", func(c *Config) { c.WatchPollInterval = 0 }},
		{"zero queue interval", func(c *Config) { c.QueuePollInterval = 0 }},
		{"zero name retries", func(c *Config) { c.MaxNameRetries = 0 }},
		{"zero error limit", func(c *Config) { c.ErrorMessageLimit = 0 }},
		{"zero sample limit", func(c *Config) { c.MetadataSampleLimit = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
