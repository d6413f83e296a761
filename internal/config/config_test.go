package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentline/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tasks.DefaultTimeoutMs != 300_000 || !cfg.Tasks.AutoRetry {
		t.Fatalf("unexpected defaults: %+v", cfg.Tasks)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
}

func TestPartialYAMLLayersOverDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("tasks:\n  default_timeout_ms: 5000\n  auto_retry: false\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Tasks.DefaultTimeoutMs != 5000 || cfg.Tasks.AutoRetry {
		t.Fatalf("overrides not applied: %+v", cfg.Tasks)
	}
	// untouched options keep their baseline
	if cfg.Tasks.StuckThresholdMs != 30_000 || cfg.Wait.DefaultTimeoutMs != 60_000 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	if _, err := config.FromYAML([]byte("tasks:\n  default_timeuot_ms: 5000\n")); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	for _, doc := range []string{
		"tasks:\n  default_timeout_ms: 0\n",
		"tasks:\n  default_max_retries: -1\n",
		"tasks:\n  stuck_threshold_ms: -5\n",
		"wait:\n  default_timeout_ms: 0\n",
		"ledger:\n  lock_retries: 0\n",
	} {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Fatalf("expected validation error for %q", doc)
		}
	}
}

func TestEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := config.FromYAML(nil)
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Tasks.DefaultMaxRetries != 2 {
		t.Fatalf("unexpected defaults: %+v", cfg.Tasks)
	}
}

func TestLoadFromWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".agentline"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(config.Path(dir), []byte("server:\n  addr: 127.0.0.1:9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := config.Default()
	if cfg.StuckThreshold() != 30*time.Second {
		t.Fatalf("unexpected stuck threshold: %s", cfg.StuckThreshold())
	}
	if cfg.SweepInterval() != 10*time.Second {
		t.Fatalf("unexpected sweep interval: %s", cfg.SweepInterval())
	}
	if cfg.WaitTimeout() != time.Minute {
		t.Fatalf("unexpected wait timeout: %s", cfg.WaitTimeout())
	}
	if cfg.LockBackoff() != 50*time.Millisecond {
		t.Fatalf("unexpected lock backoff: %s", cfg.LockBackoff())
	}
}
