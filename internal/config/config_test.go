package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "satchel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.Interval != 30*time.Second {
		t.Errorf("unexpected sync interval: %s", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("unexpected max retries: %d", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.Retention != 7*24*time.Hour {
		t.Errorf("unexpected retention: %s", cfg.Sync.Retention)
	}
	if cfg.Encryption.Enabled {
		t.Error("encryption should default off")
	}
	if cfg.Spool.Dir != filepath.Join(cfg.DataDir, "spool") {
		t.Errorf("unexpected spool dir: %s", cfg.Spool.Dir)
	}
	if !strings.HasSuffix(cfg.DatabasePath(), "satchel.db") {
		t.Errorf("unexpected database path: %s", cfg.DatabasePath())
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/satchel-test
remote:
  base_url: https://api.example.com
  timeout: 10s
sync:
  interval: 1m
  max_retries: 5
encryption:
  enabled: true
  sensitive_collections:
    - patients
    - prescriptions
spool:
  enabled: true
  debounce: 250ms
status:
  enabled: true
  port: 9000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Remote.BaseURL != "https://api.example.com" {
		t.Errorf("unexpected base url: %s", cfg.Remote.BaseURL)
	}
	if cfg.Remote.Timeout != 10*time.Second {
		t.Errorf("unexpected timeout: %s", cfg.Remote.Timeout)
	}
	if cfg.Sync.Interval != time.Minute {
		t.Errorf("unexpected interval: %s", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("unexpected max retries: %d", cfg.Sync.MaxRetries)
	}
	if !cfg.Encryption.Enabled {
		t.Error("expected encryption enabled")
	}
	if len(cfg.Encryption.SensitiveCollections) != 2 {
		t.Errorf("unexpected sensitive collections: %v", cfg.Encryption.SensitiveCollections)
	}
	if cfg.Spool.Debounce != 250*time.Millisecond {
		t.Errorf("unexpected debounce: %s", cfg.Spool.Debounce)
	}
	if cfg.Status.Port != 9000 {
		t.Errorf("unexpected status port: %d", cfg.Status.Port)
	}
	if cfg.Spool.Dir != filepath.Join("/tmp/satchel-test", "spool") {
		t.Errorf("unexpected spool dir: %s", cfg.Spool.Dir)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
remote:
  base_url: https://file.example.com
`)

	t.Setenv("SATCHEL_REMOTE_BASE_URL", "https://env.example.com")
	t.Setenv("SATCHEL_SYNC_MAX_RETRIES", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Remote.BaseURL != "https://env.example.com" {
		t.Errorf("env override ignored: %s", cfg.Remote.BaseURL)
	}
	if cfg.Sync.MaxRetries != 9 {
		t.Errorf("env override ignored: %d", cfg.Sync.MaxRetries)
	}
}

func TestMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "zero interval",
			content: "sync:\n  interval: 0s\n",
		},
		{
			name:    "negative retries",
			content: "sync:\n  max_retries: -1\n",
		},
		{
			name:    "encryption without collections",
			content: "encryption:\n  enabled: true\n",
		},
		{
			name:    "bad status port",
			content: "status:\n  enabled: true\n  port: 70000\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}
