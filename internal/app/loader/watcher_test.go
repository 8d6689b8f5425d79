package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Velora-App/ota_layer/internal/engine/events"
)

var errBoom = errors.New("execution failed")

func TestWatcher_RequiresPathAndExecutor(t *testing.T) {
	if _, err := NewWatcher("", &fakeExecutor{}, nil, nil); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := NewWatcher("/tmp/b.js", nil, nil, nil); err == nil {
		t.Fatal("expected error for nil executor")
	}
}

func TestWatcher_LoadsExistingFileOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.js")
	if err := os.WriteFile(path, []byte(`module.exports = {};`), 0o644); err != nil {
		t.Fatal(err)
	}

	exec := &fakeExecutor{}
	w, err := NewWatcher(path, exec, nil, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer stopService(t, w)

	if exec.loadCount() != 1 {
		t.Fatalf("executions after start = %d, want 1", exec.loadCount())
	}
	exec.mu.Lock()
	session := exec.loads[0]
	exec.mu.Unlock()
	if session != LocalSessionID {
		t.Fatalf("session id = %q, want %q", session, LocalSessionID)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.js")

	rb := events.NewRingBuffer(16)
	exec := &fakeExecutor{}
	w, err := NewWatcher(path, exec, rb, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.SetDebounce(20 * time.Millisecond)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer stopService(t, w)

	// File did not exist at start; creating it counts as the first load.
	if err := os.WriteFile(path, []byte(`module.exports = {};`), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return exec.loadCount() == 1 })

	if err := os.WriteFile(path, []byte(`module.exports = { screens: {} };`), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return exec.loadCount() == 2 })

	if got := len(rb.RecentByType(events.EventBundleLoaded, 10)); got != 2 {
		t.Fatalf("bundle-loaded events = %d, want 2", got)
	}

	// Writes to sibling files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.js"), []byte(`x`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)
	if exec.loadCount() != 2 {
		t.Fatalf("executions after sibling write = %d, want 2", exec.loadCount())
	}
}

func TestWatcher_ExecutionFailureKeepsWatching(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.js")

	exec := &fakeExecutor{loadErr: errBoom}
	w, err := NewWatcher(path, exec, nil, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.SetDebounce(20 * time.Millisecond)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer stopService(t, w)

	if err := os.WriteFile(path, []byte(`throw new Error("bad")`), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return exec.loadCount() == 1 })

	if err := os.WriteFile(path, []byte(`still bad`), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return exec.loadCount() == 2 })
}

func stopService(t *testing.T, svc interface {
	Stop(ctx context.Context) error
}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
