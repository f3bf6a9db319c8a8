package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Adapter.Binary != "claude-code-acp" {
		t.Errorf("Binary = %q", s.Adapter.Binary)
	}
	if s.Adapter.MethodTimeout != 30*time.Second {
		t.Errorf("MethodTimeout = %v, want 30s", s.Adapter.MethodTimeout)
	}
	if s.Bridge.ListenAddr != "127.0.0.1:8632" {
		t.Errorf("ListenAddr = %q", s.Bridge.ListenAddr)
	}
	if s.Log.Level != "info" || s.Log.Format != "json" {
		t.Errorf("Log = %+v", s.Log)
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
adapter:
  binary: my-adapter
  args: ["--acp"]
  method_timeout: 5s
bridge:
  listen_addr: 127.0.0.1:9000
  bound_contact: alice@example.org
  queue_size: 3
log:
  level: debug
`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Adapter.Binary != "my-adapter" || len(s.Adapter.Args) != 1 {
		t.Errorf("Adapter = %+v", s.Adapter)
	}
	if s.Adapter.MethodTimeout != 5*time.Second {
		t.Errorf("MethodTimeout = %v, want 5s", s.Adapter.MethodTimeout)
	}
	if s.Bridge.BoundContact != "alice@example.org" || s.Bridge.QueueSize != 3 {
		t.Errorf("Bridge = %+v", s.Bridge)
	}
	if s.Log.Level != "debug" {
		t.Errorf("Level = %q", s.Log.Level)
	}
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := writeConfig(t, "adapter: [not: a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
