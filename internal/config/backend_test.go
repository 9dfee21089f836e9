package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	b := openFileBackend(path)

	if err := b.SetInt("server.port", 4200); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("scrape.rps", "0.5"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetString("quota.llm.daily", "10"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config file: %v", err)
	}
	if !strings.Contains(string(data), "server:\n    port: 4200") {
		t.Errorf("config file not grouped by section:\n%s", data)
	}

	reopened := openFileBackend(path)
	if port, ok, err := reopened.GetInt("server.port"); err != nil || !ok || port != 4200 {
		t.Errorf("GetInt(server.port) = %d, %v, %v", port, ok, err)
	}
	if rps, ok, _ := reopened.GetString("scrape.rps"); !ok || rps != "0.5" {
		t.Errorf("GetString(scrape.rps) = %q, %v", rps, ok)
	}
	if daily, ok, err := reopened.GetInt("quota.llm.daily"); err != nil || !ok || daily != 10 {
		t.Errorf("GetInt(quota.llm.daily) = %d, %v, %v", daily, ok, err)
	}

	if err := reopened.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := openFileBackend(path).GetInt("server.port"); ok {
		t.Error("server.port should be gone after Delete")
	}
}

func TestFileBackend_HandWrittenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
scheduler:
  enabled: false
  interval: 5m
scrape:
  rps: 1.5
engine:
  max_concurrent_jobs: 2
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(openFileBackend(path), &mockKeychain{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Scheduler.Enabled {
		t.Error("scheduler.enabled should be false")
	}
	if cfg.Scheduler.Interval != 5*time.Minute {
		t.Errorf("scheduler.interval = %v", cfg.Scheduler.Interval)
	}
	if cfg.Scrape.RPS != 1.5 {
		t.Errorf("scrape.rps = %v", cfg.Scrape.RPS)
	}
	if cfg.Engine.MaxConcurrentJobs != 2 {
		t.Errorf("engine.max_concurrent_jobs = %d", cfg.Engine.MaxConcurrentJobs)
	}
}

func TestFileBackend_InvalidFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not, a, map"), 0o600); err != nil {
		t.Fatal(err)
	}
	b := openFileBackend(path)
	if _, ok, _ := b.GetString("server.port"); ok {
		t.Error("unparseable file should yield no values")
	}
	if _, _, err := b.GetInt("missing.key"); err != nil {
		t.Errorf("missing key should not error: %v", err)
	}
}

func TestFileBackend_GetIntRejectsNonInteger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 4100.5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := openFileBackend(path).GetInt("server.port"); err == nil {
		t.Error("expected error for fractional port")
	}
}
