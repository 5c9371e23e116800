package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWatcher(t *testing.T) {
	logger := slog.Default()

	watcher, err := NewWatcher("testdata/config.yml", logger)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer func() { _ = watcher.Close() }()

	if watcher.current() == nil {
		t.Error("current() returned nil")
	}
}

func TestNewWatcherNonExistent(t *testing.T) {
	_, err := NewWatcher("nonexistent.yml", slog.Default())
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	initialConfig := `
blocking:
  mode: "nx"
logging:
  level: "info"
`
	if err := os.WriteFile(path, []byte(initialConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	watcher, err := NewWatcher(path, slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer func() { _ = watcher.Close() }()

	if got := watcher.current().Blocking.Mode; got != "nx" {
		t.Fatalf("Initial mode = %s, want nx", got)
	}

	changed := make(chan *Config, 1)
	watcher.OnChange(func(newCfg *Config) {
		select {
		case changed <- newCfg:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = watcher.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	updatedConfig := `
blocking:
  mode: "null"
logging:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(updatedConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Blocking.Mode != "null" {
			t.Errorf("Callback mode = %s, want null", cfg.Blocking.Mode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for config change notification")
	}

	if got := watcher.current().Logging.Level; got != "debug" {
		t.Errorf("Updated log level = %s, want debug", got)
	}
}

func TestWatcherKeepsLastGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("blocking:\n  mode: \"null\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	watcher, err := NewWatcher(path, slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := os.WriteFile(path, []byte("logging:\n  level: \"loud\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := watcher.reload(); err == nil {
		t.Fatal("Expected reload of invalid config to fail")
	}
	if got := watcher.current().Blocking.Mode; got != "null" {
		t.Errorf("Mode after failed reload = %s, want null", got)
	}
}

func TestWatcherConcurrentAccess(t *testing.T) {
	watcher, err := NewWatcher("testdata/config.yml", slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer func() { _ = watcher.Close() }()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				if watcher.current() == nil {
					t.Error("current() returned nil during concurrent access")
				}
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestWatcherClose(t *testing.T) {
	watcher, err := NewWatcher("testdata/config.yml", slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}

	if err := watcher.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	if err := watcher.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
