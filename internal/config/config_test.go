package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("host = %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 8844 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Runtime.Concurrency < 1 {
		t.Fatalf("concurrency = %d", cfg.Runtime.Concurrency)
	}
	if cfg.Retention.MaxAge != 7*24*time.Hour {
		t.Fatalf("max_age = %v", cfg.Retention.MaxAge)
	}
	limits := cfg.EngineLimits()
	if limits.TimeoutMS != 120_000 {
		t.Fatalf("timeout default = %d", limits.TimeoutMS)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("AUTOSAGE_TEST_ROOT", "/var/lib/autosage/runs")
	path := filepath.Join(t.TempDir(), "autosage.yaml")
	doc := `
server:
  host: 0.0.0.0
  port: 9000
  log_level: debug
runtime:
  run_root: ${AUTOSAGE_TEST_ROOT}
  concurrency: 2
limits:
  timeout_ms: 5000
retention:
  schedule: "0 * * * *"
  max_age: 48h
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:9000" {
		t.Fatalf("addr = %q", cfg.Addr())
	}
	if cfg.Runtime.RunRoot != "/var/lib/autosage/runs" {
		t.Fatalf("run_root = %q", cfg.Runtime.RunRoot)
	}
	if cfg.Runtime.Concurrency != 2 {
		t.Fatalf("concurrency = %d", cfg.Runtime.Concurrency)
	}
	if cfg.EngineLimits().TimeoutMS != 5000 {
		t.Fatalf("timeout = %d", cfg.EngineLimits().TimeoutMS)
	}
	if cfg.Retention.Schedule != "0 * * * *" {
		t.Fatalf("schedule = %q", cfg.Retention.Schedule)
	}
	if cfg.Retention.MaxAge != 48*time.Hour {
		t.Fatalf("max_age = %v", cfg.Retention.MaxAge)
	}
	// Unset fields still get defaults.
	if cfg.Server.BodyLimitBytes == 0 {
		t.Fatal("body limit default missing")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
