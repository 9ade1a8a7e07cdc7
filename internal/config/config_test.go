package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Collector.BaseURL != "https://api.tracevine.dev" {
		t.Errorf("base_url = %q", cfg.Collector.BaseURL)
	}
	if cfg.Queue.MaxSize != 100000 || cfg.Queue.FlushAt != 100 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Queue.FlushInterval != 100*time.Millisecond {
		t.Errorf("flush_interval = %v", cfg.Queue.FlushInterval)
	}
	if cfg.Queue.BlobThreshold != 64*1024 {
		t.Errorf("blob_threshold = %d", cfg.Queue.BlobThreshold)
	}
	if cfg.Shutdown.Timeout != 20*time.Second || cfg.Shutdown.StepTimeout != 5*time.Second {
		t.Errorf("shutdown = %+v", cfg.Shutdown)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracevine.yaml")
	yaml := `
collector:
  base_url: http://localhost:4318
  api_key: test-key
queue:
  flush_at: 25
  max_retries: 1
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Collector.BaseURL != "http://localhost:4318" {
		t.Errorf("base_url = %q", cfg.Collector.BaseURL)
	}
	if cfg.Collector.APIKey != "test-key" {
		t.Errorf("api_key = %q", cfg.Collector.APIKey)
	}
	if cfg.Queue.FlushAt != 25 || cfg.Queue.MaxRetries != 1 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	// Untouched keys keep their defaults.
	if cfg.Queue.MaxSize != 100000 {
		t.Errorf("max_size = %d", cfg.Queue.MaxSize)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.FlushAt != 100 {
		t.Errorf("flush_at = %d", cfg.Queue.FlushAt)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracevine.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  flush_at: 25\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TRACEVINE_QUEUE__FLUSH_AT", "7")
	t.Setenv("TRACEVINE_COLLECTOR__API_KEY", "env-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.FlushAt != 7 {
		t.Errorf("flush_at = %d, want env override", cfg.Queue.FlushAt)
	}
	if cfg.Collector.APIKey != "env-key" {
		t.Errorf("api_key = %q", cfg.Collector.APIKey)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty base url", func(c *Config) { c.Collector.BaseURL = "" }},
		{"zero max size", func(c *Config) { c.Queue.MaxSize = 0 }},
		{"negative flush at", func(c *Config) { c.Queue.FlushAt = -1 }},
		{"zero flush interval", func(c *Config) { c.Queue.FlushInterval = 0 }},
		{"zero blob threshold", func(c *Config) { c.Queue.BlobThreshold = 0 }},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = -1 }},
		{"zero shutdown timeout", func(c *Config) { c.Shutdown.Timeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults rejected: %v", err)
	}
}
