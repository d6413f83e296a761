package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models agentline.yml. Every recognized option is enumerated
// here with an explicit default; there is no open-ended option bag.
type Config struct {
	Tasks struct {
		DefaultTimeoutMs  int64 `yaml:"default_timeout_ms"`
		DefaultMaxRetries int   `yaml:"default_max_retries"`
		StuckThresholdMs  int64 `yaml:"stuck_threshold_ms"`
		SweepIntervalMs   int64 `yaml:"sweep_interval_ms"`
		AutoRetry         bool  `yaml:"auto_retry"`
	} `yaml:"tasks"`
	Wait struct {
		DefaultTimeoutMs int64 `yaml:"default_timeout_ms"`
	} `yaml:"wait"`
	Ledger struct {
		LockRetries   int   `yaml:"lock_retries"`
		LockBackoffMs int64 `yaml:"lock_backoff_ms"`
	} `yaml:"ledger"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Default returns the baseline configuration.
func Default() *Config {
	c := &Config{}
	c.Tasks.DefaultTimeoutMs = 300_000
	c.Tasks.DefaultMaxRetries = 2
	c.Tasks.StuckThresholdMs = 30_000
	c.Tasks.SweepIntervalMs = 10_000
	c.Tasks.AutoRetry = true
	c.Wait.DefaultTimeoutMs = 60_000
	c.Ledger.LockRetries = 5
	c.Ledger.LockBackoffMs = 50
	c.Server.Addr = "127.0.0.1:8080"
	c.Server.BasePath = "/v0"
	return c
}

// Path returns the config file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".agentline", "agentline.yml")
}

// Load reads config from the workspace, falling back to defaults when
// the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config, layering it over defaults so
// omitted options keep their baseline values.
func FromYAML(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Tasks.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("tasks.default_timeout_ms must be positive")
	}
	if c.Tasks.DefaultMaxRetries < 0 {
		return fmt.Errorf("tasks.default_max_retries must be non-negative")
	}
	if c.Tasks.StuckThresholdMs <= 0 {
		return fmt.Errorf("tasks.stuck_threshold_ms must be positive")
	}
	if c.Tasks.SweepIntervalMs <= 0 {
		return fmt.Errorf("tasks.sweep_interval_ms must be positive")
	}
	if c.Wait.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("wait.default_timeout_ms must be positive")
	}
	if c.Ledger.LockRetries <= 0 {
		return fmt.Errorf("ledger.lock_retries must be positive")
	}
	if c.Ledger.LockBackoffMs <= 0 {
		return fmt.Errorf("ledger.lock_backoff_ms must be positive")
	}
	return nil
}

// ToYAML serializes the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.Tasks.StuckThresholdMs) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Tasks.SweepIntervalMs) * time.Millisecond
}

func (c *Config) WaitTimeout() time.Duration {
	return time.Duration(c.Wait.DefaultTimeoutMs) * time.Millisecond
}

func (c *Config) LockBackoff() time.Duration {
	return time.Duration(c.Ledger.LockBackoffMs) * time.Millisecond
}
