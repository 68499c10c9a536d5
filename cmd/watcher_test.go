package cmd

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mordilloSan/dirindex/config"
)

// startTestWatcher counts rebuilds; with busyFirst the first one reports a running build.
func startTestWatcher(t *testing.T, cfg *config.Config, busyFirst bool) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	w, err := newWatcher(cfg, func() error {
		n := calls.Add(1)
		if busyFirst && n == 1 {
			return errBuildRunning
		}
		return nil
	})
	if err != nil {
		t.Fatalf("newWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
	return &calls
}

func TestWatcherDebouncesBursts(t *testing.T) {
	cfg := newTestConfig(t)
	calls := startTestWatcher(t, cfg, false)

	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		mustWriteFile(t, filepath.Join(cfg.PublicDir, name), []byte(name))
	}

	waitForCondition(t, 2*time.Second, func() bool { return calls.Load() >= 1 })
	time.Sleep(4 * cfg.Serve.Debounce)
	if got := calls.Load(); got != 1 {
		t.Fatalf("rebuilds = %d, want 1 for a single burst", got)
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	cfg := newTestConfig(t)
	calls := startTestWatcher(t, cfg, false)

	mustMkdirAll(t, filepath.Join(cfg.PublicDir, "new"), 0o755)
	waitForCondition(t, 2*time.Second, func() bool { return calls.Load() >= 1 })
	time.Sleep(2 * cfg.Serve.Debounce)
	before := calls.Load()

	mustWriteFile(t, filepath.Join(cfg.PublicDir, "new", "file.txt"), []byte("x"))
	waitForCondition(t, 2*time.Second, func() bool { return calls.Load() > before })
}

func TestWatcherIgnoresOutputDir(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.OutDir = filepath.Join(cfg.PublicDir, "dist")
	mustMkdirAll(t, cfg.OutDir, 0o755)
	calls := startTestWatcher(t, cfg, false)

	mustWriteFile(t, filepath.Join(cfg.OutDir, ListingsFile), []byte("[]"))
	time.Sleep(6 * cfg.Serve.Debounce)
	if got := calls.Load(); got != 0 {
		t.Fatalf("rebuilds = %d, want 0 for writes to the out dir", got)
	}
}

func TestWatcherRetriesWhileBuildRunning(t *testing.T) {
	cfg := newTestConfig(t)
	calls := startTestWatcher(t, cfg, true)

	mustWriteFile(t, filepath.Join(cfg.PublicDir, "a.txt"), []byte("a"))
	waitForCondition(t, 2*time.Second, func() bool { return calls.Load() >= 2 })
}

func TestWatcherMissingRoot(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.PublicDir = filepath.Join(t.TempDir(), "missing")
	if _, err := newWatcher(cfg, func() error { return nil }); err == nil {
		t.Fatal("expected an error for a missing public dir")
	}
}

func TestOpName(t *testing.T) {
	cases := map[fsnotify.Op]string{
		fsnotify.Create:                  "create",
		fsnotify.Write:                   "write",
		fsnotify.Remove:                  "remove",
		fsnotify.Rename:                  "rename",
		fsnotify.Chmod:                   "chmod",
		fsnotify.Create | fsnotify.Write: "create",
	}
	for op, want := range cases {
		if got := opName(op); got != want {
			t.Fatalf("opName(%v) = %q, want %q", op, got, want)
		}
	}
}
