package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Velora-App/ota_layer/internal/app/system"
	"github.com/Velora-App/ota_layer/internal/bundleutil"
	"github.com/Velora-App/ota_layer/internal/engine/events"
	"github.com/Velora-App/ota_layer/pkg/logger"
)

// LocalSessionID marks registry entries installed from a watched local
// file rather than a remote session.
const LocalSessionID = "local"

// Watcher hot-reloads a bundle from a local file during development: every
// write to the watched path re-executes the file through the same registry
// path remote bundles take. Platform and change-detection checks do not
// apply; the file on disk is always authoritative.
type Watcher struct {
	path     string
	registry BundleExecutor
	events   events.EventLogger
	log      *logger.Logger

	// debounce coalesces the write bursts editors produce on save.
	debounce time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for path. The registry executor is required.
func NewWatcher(path string, executor BundleExecutor, eventLog events.EventLogger, log *logger.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watch path is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("registry executor is required")
	}
	if log == nil {
		log = logger.NewDefault("bundle-watcher")
	}
	if eventLog == nil {
		eventLog = events.NoOpLogger{}
	}
	return &Watcher{
		path:     path,
		registry: executor,
		events:   eventLog,
		log:      log,
		debounce: 200 * time.Millisecond,
	}, nil
}

// SetDebounce adjusts the write-coalescing window.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Name implements system.Service.
func (w *Watcher) Name() string { return "bundle-watcher" }

// Start implements system.Service: loads the file once if it exists, then
// watches its directory for writes.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save and
	// a file-level watch dies with the old inode.
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	if _, err := os.Stat(w.path); err == nil {
		w.reload(runCtx)
	}

	w.wg.Add(1)
	go w.run(runCtx, fsw)

	w.log.WithField("path", w.path).Info("local bundle watcher started")
	return nil
}

// Stop implements system.Service.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			w.reload(ctx)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("file watcher error")
		}
	}
}

// reload reads the watched file and executes it as a local session bundle.
// Read or execution failures keep the previously installed entries.
func (w *Watcher) reload(ctx context.Context) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.WithError(err).WithField("path", w.path).Warn("failed to read watched bundle")
		return
	}
	source := string(data)

	w.log.WithFields(map[string]interface{}{
		"path":       w.path,
		"size":       len(data),
		"local_hash": bundleutil.ContentHash(source),
	}).Info("reloading local bundle")

	if err := w.registry.LoadSessionBundle(ctx, source, LocalSessionID); err != nil {
		// The registry already emitted bundle-execution-error.
		w.log.WithError(err).Warn("local bundle execution failed; previous components remain active")
		return
	}

	events.NewEvent(events.EventBundleLoaded).
		Component("watcher").
		Session(LocalSessionID).
		Message("local bundle reloaded").
		LogTo(w.events)
}

var _ system.Service = (*Watcher)(nil)
