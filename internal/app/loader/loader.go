// Package loader implements the session bundle loader: it polls a remote
// session endpoint for bundle availability, downloads new bundles, hands
// them to the component registry for execution, and persists enough state
// to resume across process restarts.
//
// The loader oscillates between two phases. It polls while
// enabled && autoReload && sessionID != "" holds and sits idle otherwise.
// A 404 from the manifest endpoint halts polling for the current session
// until a new session id is set.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/Velora-App/ota_layer/internal/app/domain/bundle"
	"github.com/Velora-App/ota_layer/internal/app/storage"
	"github.com/Velora-App/ota_layer/internal/app/system"
	"github.com/Velora-App/ota_layer/internal/engine/events"
	"github.com/Velora-App/ota_layer/internal/engine/state"
	"github.com/Velora-App/ota_layer/internal/httputil"
	"github.com/Velora-App/ota_layer/pkg/logger"
)

const (
	// DefaultPollInterval is the fixed spacing between automatic checks.
	DefaultPollInterval = 5 * time.Second

	// DefaultPlatform is used when the host does not configure one.
	DefaultPlatform = "ios"
)

// Storage keys are namespaced per concern so writers never contend on a key.
const (
	keySessionID     = "loader:session-id"
	keyCurrentBundle = "loader:current-bundle"
	keyEnabled       = "loader:enabled"
	keyAutoReload    = "loader:auto-reload"
	keyExecuteBundle = "loader:execute-bundle"
	keyServerURL     = "loader:server-url"
	keyHistory       = "loader:history"
)

// Loader maintains the polling relationship with the session server and
// owns the current bundle record plus its bounded history.
type Loader struct {
	client   BundleClient
	registry BundleExecutor
	store    storage.KV
	events   events.EventLogger
	log      *logger.Logger

	interval   time.Duration
	historyCap int
	limiter    *rate.Limiter
	group      singleflight.Group

	mu           sync.Mutex
	settings     bundle.Settings
	current      *bundle.Record
	history      []*bundle.Record
	phase        state.Phase
	halted       bool
	destroyed    bool
	connected    bool
	lastSeenTS   int64
	lastSeenHash string
	cancel       context.CancelFunc

	wg sync.WaitGroup
}

// New creates a loader. The registry executor and store may be nil for
// hosts that only track downloads; events and log default to no-op/new.
func New(client BundleClient, executor BundleExecutor, store storage.KV, eventLog events.EventLogger, log *logger.Logger) *Loader {
	if log == nil {
		log = logger.NewDefault("session-loader")
	}
	if eventLog == nil {
		eventLog = events.NoOpLogger{}
	}
	if store == nil {
		store = storage.NewMemory()
	}
	return &Loader{
		client:     client,
		registry:   executor,
		store:      store,
		events:     eventLog,
		log:        log,
		interval:   DefaultPollInterval,
		historyCap: bundle.DefaultHistoryLimit,
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		settings: bundle.Settings{
			Enabled:              true,
			AutoReloadEnabled:    true,
			ExecuteBundleEnabled: true,
			Platform:             DefaultPlatform,
		},
	}
}

// SetPollInterval adjusts the automatic check spacing. Takes effect the
// next time polling starts.
func (l *Loader) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.interval = d
	l.mu.Unlock()
}

// SetHistoryLimit bounds the retained bundle history.
func (l *Loader) SetHistoryLimit(n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	l.historyCap = n
	l.mu.Unlock()
}

// SetPlatform configures the platform discriminator sent on manifest polls
// and enforced before any download. Not persisted: the platform is a host
// property, not remote configuration.
func (l *Loader) SetPlatform(platform string) {
	if platform == "" {
		return
	}
	l.mu.Lock()
	l.settings.Platform = platform
	l.mu.Unlock()
}

// SetCheckLimit adjusts the manual-check rate limiter.
func (l *Loader) SetCheckLimit(limit rate.Limit, burst int) {
	l.limiter = rate.NewLimiter(limit, burst)
}

// Initialize restores persisted settings, the current bundle record and
// history, then starts polling if the restored configuration calls for it.
// Storage read failures degrade to defaults rather than failing startup.
func (l *Loader) Initialize(ctx context.Context) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return fmt.Errorf("loader has been destroyed")
	}
	l.mu.Unlock()

	var (
		sessionID string
		serverURL string
		enabled   bool
		auto      bool
		execute   bool
		current   *bundle.Record
		history   []*bundle.Record
	)
	hasSession := l.restore(ctx, keySessionID, &sessionID)
	hasServer := l.restore(ctx, keyServerURL, &serverURL)
	hasEnabled := l.restore(ctx, keyEnabled, &enabled)
	hasAuto := l.restore(ctx, keyAutoReload, &auto)
	hasExecute := l.restore(ctx, keyExecuteBundle, &execute)
	l.restore(ctx, keyCurrentBundle, &current)
	l.restore(ctx, keyHistory, &history)

	l.mu.Lock()
	if hasSession {
		l.settings.SessionID = sessionID
	}
	if hasServer && serverURL != "" {
		l.settings.ServerURL = serverURL
	}
	if hasEnabled {
		l.settings.Enabled = enabled
	}
	if hasAuto {
		l.settings.AutoReloadEnabled = auto
	}
	if hasExecute {
		l.settings.ExecuteBundleEnabled = execute
	}
	if current != nil {
		l.current = current
	}
	if len(history) > 0 {
		l.history = history
	}
	settings := l.settings
	l.mu.Unlock()

	l.log.WithFields(map[string]interface{}{
		"session_id":  settings.SessionID,
		"enabled":     settings.Enabled,
		"auto_reload": settings.AutoReloadEnabled,
		"platform":    settings.Platform,
	}).Info("session loader initialized")

	l.reconcile()
	return nil
}

// restore loads one persisted value; the return reports whether a value
// was present and decodable.
func (l *Loader) restore(ctx context.Context, key string, out any) bool {
	err := storage.GetJSON(ctx, l.store, key, out)
	if err == nil {
		return true
	}
	if !storage.IsNotFound(err) {
		l.log.WithError(err).WithField("key", key).Warn("failed to restore loader state")
	}
	return false
}

// SetSessionID changes the tracked session. Setting any id, including the
// current one, lifts a session-not-found halt; setting "" stops polling.
func (l *Loader) SetSessionID(ctx context.Context, sessionID string) {
	l.mu.Lock()
	l.settings.SessionID = sessionID
	l.halted = false
	l.lastSeenTS = 0
	l.lastSeenHash = ""
	l.mu.Unlock()

	l.persist(ctx, keySessionID, sessionID)
	l.log.WithField("session_id", sessionID).Info("session id updated")
	l.reconcile()
}

// SetEnabled toggles the loader as a whole.
func (l *Loader) SetEnabled(ctx context.Context, enabled bool) {
	l.mu.Lock()
	l.settings.Enabled = enabled
	l.mu.Unlock()

	l.persist(ctx, keyEnabled, enabled)
	l.reconcile()
}

// SetAutoReload toggles automatic download of newly detected bundles.
func (l *Loader) SetAutoReload(ctx context.Context, enabled bool) {
	l.mu.Lock()
	l.settings.AutoReloadEnabled = enabled
	l.mu.Unlock()

	l.persist(ctx, keyAutoReload, enabled)
	l.reconcile()
}

// SetExecuteBundle toggles handing downloaded bundles to the registry.
func (l *Loader) SetExecuteBundle(ctx context.Context, enabled bool) {
	l.mu.Lock()
	l.settings.ExecuteBundleEnabled = enabled
	l.mu.Unlock()

	l.persist(ctx, keyExecuteBundle, enabled)
}

// SetServerURL changes the session server base URL. Applies from the next
// check onward.
func (l *Loader) SetServerURL(ctx context.Context, serverURL string) {
	l.mu.Lock()
	l.settings.ServerURL = serverURL
	l.mu.Unlock()

	l.persist(ctx, keyServerURL, serverURL)
	l.log.WithField("server_url", serverURL).Info("server url updated")
}

// Settings returns a copy of the current configuration.
func (l *Loader) Settings() bundle.Settings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings
}

// CurrentBundle returns the current bundle record, nil when none was
// loaded yet.
func (l *Loader) CurrentBundle() *bundle.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current.Clone()
}

// BundleHistory returns the retained history, newest first.
func (l *Loader) BundleHistory() []*bundle.Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*bundle.Record, 0, len(l.history))
	for _, rec := range l.history {
		out = append(out, rec.Clone())
	}
	return out
}

// Phase reports whether the loader is idle or polling.
func (l *Loader) Phase() state.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// reconcile starts or stops polling so the phase matches the invariant.
func (l *Loader) reconcile() {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := !l.destroyed && !l.halted && l.settings.PollingActive()
	switch {
	case want && l.phase == state.PhaseIdle:
		l.startPollingLocked()
	case !want && l.phase == state.PhasePolling:
		l.stopPollingLocked()
	}
}

func (l *Loader) startPollingLocked() {
	l.phase = state.PhasePolling
	l.connected = false
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	interval := l.interval

	l.wg.Add(1)
	go l.pollLoop(ctx, interval)
	l.log.WithField("interval", interval.String()).Info("bundle polling started")
}

func (l *Loader) stopPollingLocked() {
	if l.phase != state.PhasePolling {
		return
	}
	l.phase = state.PhaseIdle
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.log.Info("bundle polling stopped")
}

// pollLoop performs one immediate check, then checks at fixed intervals
// until the phase leaves Polling.
func (l *Loader) pollLoop(ctx context.Context, interval time.Duration) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		wasConnected := l.connected
		l.connected = false
		l.mu.Unlock()
		if wasConnected {
			events.NewEvent(events.EventDisconnected).
				Message("session polling stopped").
				LogTo(l.events)
		}
	}()

	_ = l.runCheck(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = l.runCheck(ctx)
		}
	}
}

// CheckForUpdates triggers one bundle-check cycle outside the timer.
func (l *Loader) CheckForUpdates(ctx context.Context) error {
	if !l.limiter.Allow() {
		return fmt.Errorf("bundle check rate limit exceeded")
	}
	return l.runCheck(ctx)
}

// runCheck executes the bundle-check algorithm once: poll the manifest,
// detect change by server timestamp/hash, announce, and download when
// auto-reload is on. Transient failures are logged and do not disturb
// polling; a 404 halts it for the session.
func (l *Loader) runCheck(ctx context.Context) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	settings := l.settings
	current := l.current
	l.mu.Unlock()

	if settings.SessionID == "" {
		l.log.Debug("bundle check skipped: no session configured")
		return nil
	}
	if !settings.Enabled {
		l.log.Debug("bundle check skipped: loader disabled")
		return nil
	}

	rec, err := l.client.FetchManifest(ctx, settings.ServerURL, settings.SessionID, settings.Platform)
	if err != nil {
		if errors.Is(err, httputil.ErrSessionNotFound) {
			l.log.WithField("session_id", settings.SessionID).Warn("session no longer exists; polling halted")
			events.NewEvent(events.EventBundleError).
				Session(settings.SessionID).
				ErrorFrom(err).
				Message("session not found").
				LogTo(l.events)
			l.halt()
			return fmt.Errorf("check bundle: %w", err)
		}
		l.log.WithError(err).Warn("bundle check failed")
		return fmt.Errorf("check bundle: %w", err)
	}

	l.markConnected(settings.SessionID)

	if rec == nil {
		return nil
	}
	if settings.Platform != "" && rec.Platform != "" && rec.Platform != settings.Platform {
		l.log.WithFields(map[string]interface{}{
			"bundle_platform": rec.Platform,
			"platform":        settings.Platform,
		}).Debug("ignoring bundle for different platform")
		return nil
	}
	if !rec.NewerThan(current) {
		return nil
	}

	l.mu.Lock()
	seen := rec.ServerTimestamp == l.lastSeenTS && rec.ServerHash == l.lastSeenHash &&
		(l.lastSeenTS != 0 || l.lastSeenHash != "")
	if !seen {
		l.lastSeenTS = rec.ServerTimestamp
		l.lastSeenHash = rec.ServerHash
	}
	l.mu.Unlock()
	if seen {
		return nil
	}

	l.log.WithFields(map[string]interface{}{
		"session_id":       rec.SessionID,
		"server_timestamp": rec.ServerTimestamp,
		"server_hash":      rec.ServerHash,
	}).Info("new bundle available")
	events.NewEvent(events.EventBundleAvailable).
		Record(rec).
		Message("new bundle available").
		LogTo(l.events)

	if !settings.AutoReloadEnabled {
		return nil
	}
	// The download must survive a polling stop mid-flight; its result is
	// still valid data.
	return l.LoadBundle(context.WithoutCancel(ctx), rec)
}

// halt stops polling until a new session id is supplied.
func (l *Loader) halt() {
	l.mu.Lock()
	l.halted = true
	l.stopPollingLocked()
	l.mu.Unlock()
}

// markConnected emits connected once per polling run, on the first
// successful manifest response.
func (l *Loader) markConnected(sessionID string) {
	l.mu.Lock()
	if l.connected || l.phase != state.PhasePolling {
		l.mu.Unlock()
		return
	}
	l.connected = true
	l.mu.Unlock()

	events.NewEvent(events.EventConnected).
		Session(sessionID).
		Message("session server reachable").
		LogTo(l.events)
}

// Destroy stops polling and waits for the poll goroutine to exit. The
// loader cannot be reused afterwards.
func (l *Loader) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	l.stopPollingLocked()
	l.mu.Unlock()

	l.wg.Wait()
}

// persist writes one loader state value, logging and swallowing failures:
// in-memory state stays authoritative for this process.
func (l *Loader) persist(ctx context.Context, key string, v any) {
	if err := storage.SetJSON(ctx, l.store, key, v); err != nil {
		l.log.WithError(err).WithField("key", key).Warn("failed to persist loader state")
	}
}

// Name implements system.Service.
func (l *Loader) Name() string { return "session-loader" }

// Start implements system.Service.
func (l *Loader) Start(ctx context.Context) error {
	return l.Initialize(ctx)
}

// Stop implements system.Service.
func (l *Loader) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.destroyed = true
	l.stopPollingLocked()
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ system.Service = (*Loader)(nil)

// BundleClient fetches manifests and bundle source from the session server.
type BundleClient interface {
	FetchManifest(ctx context.Context, serverURL, sessionID, platform string) (*bundle.Record, error)
	FetchBundle(ctx context.Context, serverURL, bundleURL string) ([]byte, error)
}

var _ BundleClient = (*httputil.Client)(nil)

// BundleExecutor installs bundle source into the component registry.
type BundleExecutor interface {
	LoadSessionBundle(ctx context.Context, source, sessionID string) error
	ClearSession()
}
