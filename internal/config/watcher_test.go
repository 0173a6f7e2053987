package config_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/config"
)

// writeConfig writes content to path and moves its mtime forward so the
// watcher sees a change regardless of filesystem timestamp granularity.
func writeConfig(t *testing.T, path, content string, step int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2026, 1, 1, 0, 0, step, 0, time.UTC)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func newTestWatcher(t *testing.T, path string, onChange func(old, new *config.Config)) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(path, onChange, config.WithWatcherLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxlink.yaml")
	writeConfig(t, path, "live: {provider: mock}\nserver: {log_level: warn}\n", 0)

	w := newTestWatcher(t, path, nil)
	if got := w.Current().Server.LogLevel; got != config.LogWarn {
		t.Errorf("log level = %q, want warn", got)
	}
	if w.Check() {
		t.Error("Check reported a change on an untouched file")
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxlink.yaml")
	writeConfig(t, path, "live: {provider: mock}\nbogus: true\n", 0)

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxlink.yaml")
	writeConfig(t, path, "live: {provider: mock}\n", 0)

	var gotOld, gotNew *config.Config
	calls := 0
	w := newTestWatcher(t, path, func(old, new *config.Config) {
		calls++
		gotOld, gotNew = old, new
	})
	first := w.Current()

	writeConfig(t, path, "live: {provider: mock}\nserver: {log_level: debug}\n", 1)
	if !w.Check() {
		t.Fatal("Check did not report the change")
	}
	if calls != 1 || gotOld != first || gotNew.Server.LogLevel != config.LogDebug {
		t.Errorf("onChange calls=%d old=%p new=%+v", calls, gotOld, gotNew)
	}
	if w.Current() != gotNew {
		t.Error("Current was not updated")
	}
}

func TestWatcher_InvalidChangeKeepsPrevious(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxlink.yaml")
	writeConfig(t, path, "live: {provider: mock}\n", 0)

	calls := 0
	w := newTestWatcher(t, path, func(_, _ *config.Config) { calls++ })
	prev := w.Current()

	writeConfig(t, path, "live: {provider: mock}\nserver: {log_level: loud}\n", 1)
	if w.Check() {
		t.Error("Check accepted an invalid config")
	}
	if w.Current() != prev || calls != 0 {
		t.Errorf("config replaced by invalid file (calls=%d)", calls)
	}

	writeConfig(t, path, "live: {provider: mock}\nserver: {log_level: error}\n", 2)
	if !w.Check() {
		t.Fatal("Check did not accept the fixed config")
	}
	if w.Current().Server.LogLevel != config.LogError {
		t.Errorf("log level = %q, want error", w.Current().Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxlink.yaml")
	const doc = "live: {provider: mock}\n"
	writeConfig(t, path, doc, 0)

	calls := 0
	w := newTestWatcher(t, path, func(_, _ *config.Config) { calls++ })
	writeConfig(t, path, doc, 1)
	if w.Check() || calls != 0 {
		t.Errorf("identical content reported as change (calls=%d)", calls)
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxlink.yaml")
	writeConfig(t, path, "live: {provider: mock}\n", 0)

	changed := make(chan *config.Config, 1)
	w, err := config.NewWatcher(path, func(_, new *config.Config) { changed <- new },
		config.WithPollInterval(10*time.Millisecond),
		config.WithWatcherLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeConfig(t, path, "live: {provider: mock}\nserver: {log_level: debug}\n", 1)
	select {
	case cfg := <-changed:
		if cfg.Server.LogLevel != config.LogDebug {
			t.Errorf("log level = %q", cfg.Server.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
