package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CARDSTREAM_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StreamURL() != "http://localhost:8000/search/stream" {
		t.Fatalf("unexpected stream url %s", cfg.StreamURL())
	}
	if cfg.PingURL() != "http://localhost:8000/ping" {
		t.Fatalf("unexpected ping url %s", cfg.PingURL())
	}
	if cfg.ReconnectBase != 2*time.Second || cfg.MaxReconnects != 5 {
		t.Fatalf("unexpected reconnect settings %+v", cfg)
	}
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "cardstream.yaml")
	data := "backend_url: http://backend:9000\ntask_url: https://tasks.example.com\nreconnect_base: 500ms\nmax_reconnects: 3\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CARDSTREAM_LOG_LEVEL=debug\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("CARDSTREAM_CONFIG", path)
	t.Setenv("CARDSTREAM_MAX_RECONNECTS", "7")
	t.Cleanup(func() { _ = os.Unsetenv("CARDSTREAM_LOG_LEVEL") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "http://backend:9000" || cfg.TaskURL != "https://tasks.example.com" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ReconnectBase != 500*time.Millisecond {
		t.Fatalf("unexpected reconnect base %s", cfg.ReconnectBase)
	}
	if cfg.MaxReconnects != 7 {
		t.Fatalf("env should override file, got %d", cfg.MaxReconnects)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf(".env value not applied, got %q", cfg.LogLevel)
	}
	if cfg.StreamPath != "/search/stream" {
		t.Fatalf("defaults should survive the file overlay, got %q", cfg.StreamPath)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CARDSTREAM_CONFIG", "")
	t.Setenv("CARDSTREAM_RECONNECT_BASE", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("expected duration error")
	}

	t.Setenv("CARDSTREAM_RECONNECT_BASE", "")
	t.Setenv("CARDSTREAM_TASK_URL", "not a url")
	if _, err := Load(); err == nil {
		t.Fatalf("expected url error")
	}
}
