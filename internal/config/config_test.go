package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false}},
		"inventory": {"url": "http://localhost:9000/products", "timeout": "5s"},
		"storage": {"driver": "file", "path": "./state.db"},
		"reconcile": {"interval": "60s"},
		"api": {"addr": "127.0.0.1:8080"}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected level: %q", cfg.Logging.Level)
	}
	if cfg.Inventory.URL != "http://localhost:9000/products" {
		t.Fatalf("unexpected inventory url: %q", cfg.Inventory.URL)
	}
	if cfg.Reconcile.Interval != "60s" {
		t.Fatalf("unexpected interval: %q", cfg.Reconcile.Interval)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get should return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: warn
  console: true
  file:
    enabled: true
    path: ./out.log
inventory:
  url: http://localhost:9000/products
storage:
  path: ./state.db
reconcile: {}
api: {}
notifier:
  enabled: true
  token: abc
  chat_id: 42
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.File.Path != "./out.log" {
		t.Fatalf("unexpected file path: %q", cfg.Logging.File.Path)
	}
	if cfg.Notifier == nil || cfg.Notifier.ChatID != 42 {
		t.Fatalf("notifier section not decoded: %+v", cfg.Notifier)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.json", `{"loging": {"level": "info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeFile(t, "config.json", `{"api": {}} {"api": {}}`)
	m := NewManager(path)
	if _, err := m.Load(); err == nil {
		t.Fatalf("expected error for trailing data")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be zero: %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "nope"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("expected negative rejection")
	}
	if d, err := ParseDurationOrDefault("x", "", 2*time.Minute); err != nil || d != 2*time.Minute {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
}
