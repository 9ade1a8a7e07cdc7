// Package config loads SDK configuration from an optional YAML file and
// TRACEVINE_* environment variables, layered over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full SDK configuration surface.
type Config struct {
	Collector CollectorConfig `koanf:"collector"`
	Queue     QueueConfig     `koanf:"queue"`
	Shutdown  ShutdownConfig  `koanf:"shutdown"`
	Log       LogConfig       `koanf:"log"`
}

// CollectorConfig identifies the remote collector.
type CollectorConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
	// Timeout bounds each HTTP call to the collector.
	Timeout time.Duration `koanf:"timeout"`
}

// QueueConfig tunes the event delivery queue.
type QueueConfig struct {
	// MaxSize is the admission ceiling; enqueues beyond it are shed.
	MaxSize int `koanf:"max_size"`
	// FlushAt triggers a drain once this many events are pending.
	FlushAt int `koanf:"flush_at"`
	// FlushInterval bounds delivery latency under light load.
	FlushInterval time.Duration `koanf:"flush_interval"`
	// BlobThreshold is the serialized payload size, in bytes, above
	// which the full payload is offloaded out of band.
	BlobThreshold int `koanf:"blob_threshold"`
	// MaxRetries caps send attempts per event before it is dropped.
	MaxRetries int `koanf:"max_retries"`
}

// ShutdownConfig tunes process-exit draining.
type ShutdownConfig struct {
	// Timeout is the global ceiling on the whole drain-and-end sequence.
	Timeout time.Duration `koanf:"timeout"`
	// StepTimeout bounds each individual cleanup step (queue flush,
	// session-end call) so one slow call cannot starve the rest.
	StepTimeout time.Duration `koanf:"step_timeout"`
}

// LogConfig configures SDK-internal logging.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Collector: CollectorConfig{
			BaseURL: "https://api.tracevine.dev",
			Timeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			MaxSize:       100000,
			FlushAt:       100,
			FlushInterval: 100 * time.Millisecond,
			BlobThreshold: 64 * 1024,
			MaxRetries:    3,
		},
		Shutdown: ShutdownConfig{
			Timeout:     20 * time.Second,
			StepTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds a Config from defaults, then the YAML file at path (when
// one exists), then TRACEVINE_* environment variables. Env keys map
// double underscores to nesting: TRACEVINE_QUEUE__FLUSH_AT=50 sets
// queue.flush_at.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("TRACEVINE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TRACEVINE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the queue and transport cannot operate with.
func (c *Config) Validate() error {
	if c.Collector.BaseURL == "" {
		return fmt.Errorf("collector.base_url must not be empty")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive, got %d", c.Queue.MaxSize)
	}
	if c.Queue.FlushAt <= 0 {
		return fmt.Errorf("queue.flush_at must be positive, got %d", c.Queue.FlushAt)
	}
	if c.Queue.FlushInterval <= 0 {
		return fmt.Errorf("queue.flush_interval must be positive, got %s", c.Queue.FlushInterval)
	}
	if c.Queue.BlobThreshold <= 0 {
		return fmt.Errorf("queue.blob_threshold must be positive, got %d", c.Queue.BlobThreshold)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got %d", c.Queue.MaxRetries)
	}
	if c.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive, got %s", c.Shutdown.Timeout)
	}
	return nil
}
