package loader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/Velora-App/ota_layer/internal/app/domain/bundle"
	"github.com/Velora-App/ota_layer/internal/app/storage"
	"github.com/Velora-App/ota_layer/internal/engine/events"
	"github.com/Velora-App/ota_layer/internal/engine/state"
	"github.com/Velora-App/ota_layer/internal/httputil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClient struct {
	mu            sync.Mutex
	manifest      func(sessionID, platform string) (*bundle.Record, error)
	sources       map[string]string
	bundleErr     error
	bundleDelay   time.Duration
	manifestCalls int
	bundleCalls   int
}

func (c *fakeClient) FetchManifest(ctx context.Context, serverURL, sessionID, platform string) (*bundle.Record, error) {
	c.mu.Lock()
	c.manifestCalls++
	fn := c.manifest
	c.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(sessionID, platform)
}

func (c *fakeClient) FetchBundle(ctx context.Context, serverURL, bundleURL string) ([]byte, error) {
	c.mu.Lock()
	c.bundleCalls++
	delay := c.bundleDelay
	src, ok := c.sources[bundleURL]
	err := c.bundleErr
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("bundle fetch failed with status 404: not found")
	}
	return []byte(src), nil
}

func (c *fakeClient) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifestCalls, c.bundleCalls
}

type fakeExecutor struct {
	mu      sync.Mutex
	loads   []string
	clears  int
	loadErr error
}

func (e *fakeExecutor) LoadSessionBundle(ctx context.Context, source, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loads = append(e.loads, sessionID)
	return e.loadErr
}

func (e *fakeExecutor) ClearSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clears++
}

func (e *fakeExecutor) loadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.loads)
}

func manifestRecord(ts int64, hash string) *bundle.Record {
	return &bundle.Record{
		SessionID:       "sess-1",
		Platform:        "ios",
		BundleURL:       "/bundles/b1.js",
		ServerTimestamp: ts,
		ServerHash:      hash,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func newTestLoader(client *fakeClient, exec *fakeExecutor, rb events.EventLogger) *Loader {
	l := New(client, exec, storage.NewMemory(), rb, nil)
	l.SetPollInterval(15 * time.Millisecond)
	return l
}

func TestLoader_PollDetectsDownloadsOnce(t *testing.T) {
	rb := events.NewRingBuffer(128)
	client := &fakeClient{
		manifest: func(sessionID, platform string) (*bundle.Record, error) {
			return manifestRecord(100, "abc"), nil
		},
		sources: map[string]string{"/bundles/b1.js": `module.exports = { screens: {}, meta: { version: "1.2.3" } };`},
	}
	exec := &fakeExecutor{}
	l := newTestLoader(client, exec, rb)
	defer l.Destroy()

	ctx := context.Background()
	l.SetServerURL(ctx, "http://server.test")
	l.SetSessionID(ctx, "sess-1")

	if got := l.Phase(); got != state.PhasePolling {
		t.Fatalf("phase = %v, want polling", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		calls, _ := client.counts()
		return calls >= 4
	})

	_, bundleCalls := client.counts()
	if bundleCalls != 1 {
		t.Fatalf("bundle downloaded %d times across repeated identical polls, want 1", bundleCalls)
	}
	if exec.loadCount() != 1 {
		t.Fatalf("registry executions = %d, want 1", exec.loadCount())
	}

	current := l.CurrentBundle()
	if current == nil {
		t.Fatal("expected current bundle")
	}
	if current.ServerTimestamp != 100 || current.ServerHash != "abc" {
		t.Fatalf("server fields disturbed: %+v", current)
	}
	if current.LocalHash == "" || current.FileSize == 0 || current.DownloadedAt == 0 {
		t.Fatalf("missing local enhancement: %+v", current)
	}
	if current.Version != "1.2.3" {
		t.Fatalf("version = %q, want 1.2.3", current.Version)
	}

	if got := len(rb.RecentByType(events.EventBundleAvailable, 10)); got != 1 {
		t.Fatalf("bundle-available events = %d, want 1", got)
	}
	if got := len(rb.RecentByType(events.EventBundleLoaded, 10)); got != 1 {
		t.Fatalf("bundle-loaded events = %d, want 1", got)
	}
	if got := len(rb.RecentByType(events.EventConnected, 10)); got != 1 {
		t.Fatalf("connected events = %d, want 1", got)
	}
}

func TestLoader_TimestampAdvanceTriggersReload(t *testing.T) {
	rb := events.NewRingBuffer(128)
	var mu sync.Mutex
	ts := int64(100)
	client := &fakeClient{
		sources: map[string]string{"/bundles/b1.js": `module.exports = {};`},
	}
	client.manifest = func(sessionID, platform string) (*bundle.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		return manifestRecord(ts, "abc"), nil
	}
	l := newTestLoader(client, &fakeExecutor{}, rb)
	defer l.Destroy()

	ctx := context.Background()
	l.SetServerURL(ctx, "http://server.test")
	l.SetSessionID(ctx, "sess-1")

	waitFor(t, 2*time.Second, func() bool {
		_, calls := client.counts()
		return calls == 1
	})

	// Same hash, strictly newer timestamp: must download again.
	mu.Lock()
	ts = 200
	mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		_, calls := client.counts()
		return calls == 2
	})

	if got := len(rb.RecentByType(events.EventBundleAvailable, 10)); got != 2 {
		t.Fatalf("bundle-available events = %d, want 2", got)
	}
	if cur := l.CurrentBundle(); cur.ServerTimestamp != 200 {
		t.Fatalf("current timestamp = %d, want 200", cur.ServerTimestamp)
	}
}

func TestLoader_HashChangeTriggersReload(t *testing.T) {
	var mu sync.Mutex
	hash := "aaa"
	client := &fakeClient{
		sources: map[string]string{"/bundles/b1.js": `module.exports = {};`},
	}
	client.manifest = func(sessionID, platform string) (*bundle.Record, error) {
		mu.Lock()
		defer mu.Unlock()
		return manifestRecord(100, hash), nil
	}
	l := newTestLoader(client, &fakeExecutor{}, nil)
	defer l.Destroy()

	ctx := context.Background()
	l.SetServerURL(ctx, "http://server.test")
	l.SetSessionID(ctx, "sess-1")

	waitFor(t, 2*time.Second, func() bool {
		_, calls := client.counts()
		return calls == 1
	})

	mu.Lock()
	hash = "bbb"
	mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		_, calls := client.counts()
		return calls == 2
	})
}

func TestLoader_SessionNotFoundHaltsPolling(t *testing.T) {
	rb := events.NewRingBuffer(128)
	client := &fakeClient{
		manifest: func(sessionID, platform string) (*bundle.Record, error) {
			if sessionID == "gone" {
				return nil, httputil.ErrSessionNotFound
			}
			return nil, nil
		},
	}
	l := newTestLoader(client, &fakeExecutor{}, rb)
	defer l.Destroy()

	ctx := context.Background()
	l.SetServerURL(ctx, "http://server.test")
	l.SetSessionID(ctx, "gone")

	waitFor(t, 2*time.Second, func() bool {
		return l.Phase() == state.PhaseIdle
	})

	if got := l.Settings().SessionID; got != "gone" {
		t.Fatalf("session id = %q, want retained %q", got, "gone")
	}
	if got := len(rb.RecentByType(events.EventBundleError, 10)); got != 1 {
		t.Fatalf("bundle-error events = %d, want 1", got)
	}

	// No further polls while halted, even though the invariant holds.
	calls, _ := client.counts()
	time.Sleep(60 * time.Millisecond)
	after, _ := client.counts()
	if after != calls {
		t.Fatalf("polling continued after halt: %d -> %d", calls, after)
	}

	// A new session id lifts the halt.
	l.SetSessionID(ctx, "sess-2")
	if got := l.Phase(); got != state.PhasePolling {
		t.Fatalf("phase after new session = %v, want polling", got)
	}
	waitFor(t, 2*time.Second, func() bool {
		now, _ := client.counts()
		return now > after
	})
}

func TestLoader_PollingInvariant(t *testing.T) {
	client := &fakeClient{}
	l := newTestLoader(client, &fakeExecutor{}, nil)
	defer l.Destroy()
	ctx := context.Background()
	l.SetServerURL(ctx, "http://server.test")

	steps := []struct {
		name string
		run  func()
		want state.Phase
	}{
		{"initial", func() {}, state.PhaseIdle},
		{"session set", func() { l.SetSessionID(ctx, "s1") }, state.PhasePolling},
		{"disabled", func() { l.SetEnabled(ctx, false) }, state.PhaseIdle},
		{"re-enabled", func() { l.SetEnabled(ctx, true) }, state.PhasePolling},
		{"auto-reload off", func() { l.SetAutoReload(ctx, false) }, state.PhaseIdle},
		{"auto-reload on", func() { l.SetAutoReload(ctx, true) }, state.PhasePolling},
		{"session cleared", func() { l.SetSessionID(ctx, "") }, state.PhaseIdle},
		{"session restored", func() { l.SetSessionID(ctx, "s2") }, state.PhasePolling},
	}
	for _, step := range steps {
		step.run()
		if got := l.Phase(); got != step.want {
			t.Fatalf("%s: phase = %v, want %v", step.name, got, step.want)
		}
	}
}

func TestLoader_ManualCheckRateLimited(t *testing.T) {
	client := &fakeClient{}
	l := New(client, &fakeExecutor{}, storage.NewMemory(), nil, nil)
	defer l.Destroy()
	ctx := context.Background()
	l.SetServerURL(ctx, "http://server.test")
	l.SetAutoReload(ctx, false)
	l.SetSessionID(ctx, "sess-1")

	l.SetCheckLimit(rate.Every(time.Hour), 1)
	if err := l.CheckForUpdates(ctx); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if err := l.CheckForUpdates(ctx); err == nil {
		t.Fatal("expected rate limit error")
	}
}

func TestLoader_PersistenceRoundTrip(t *testing.T) {
	store := storage.NewMemory()
	client := &fakeClient{
		manifest: func(sessionID, platform string) (*bundle.Record, error) {
			return manifestRecord(100, "abc"), nil
		},
		sources: map[string]string{"/bundles/b1.js": `module.exports = {};`},
	}

	first := New(client, &fakeExecutor{}, store, nil, nil)
	first.SetPollInterval(15 * time.Millisecond)
	ctx := context.Background()
	first.SetServerURL(ctx, "http://server.test")
	first.SetSessionID(ctx, "sess-1")
	first.SetExecuteBundle(ctx, false)

	waitFor(t, 2*time.Second, func() bool {
		return first.CurrentBundle() != nil
	})
	first.Destroy()

	second := New(client, &fakeExecutor{}, store, nil, nil)
	defer second.Destroy()
	second.SetPollInterval(15 * time.Millisecond)
	if err := second.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	settings := second.Settings()
	if settings.SessionID != "sess-1" {
		t.Fatalf("restored session id = %q, want sess-1", settings.SessionID)
	}
	if settings.ServerURL != "http://server.test" {
		t.Fatalf("restored server url = %q", settings.ServerURL)
	}
	if settings.ExecuteBundleEnabled {
		t.Fatal("restored execute flag should be false")
	}
	current := second.CurrentBundle()
	if current == nil || current.ServerTimestamp != 100 || current.ServerHash != "abc" {
		t.Fatalf("restored current bundle = %+v", current)
	}
	if len(second.BundleHistory()) != 1 {
		t.Fatalf("restored history length = %d, want 1", len(second.BundleHistory()))
	}
	// The restored invariant holds, so polling resumes.
	if got := second.Phase(); got != state.PhasePolling {
		t.Fatalf("phase after initialize = %v, want polling", got)
	}
}

func TestLoader_InFlightDownloadSurvivesStop(t *testing.T) {
	rb := events.NewRingBuffer(128)
	loading := make(chan struct{}, 1)
	unsub := rb.SubscribeFiltered(events.TypeFilter(events.EventBundleLoading), func(events.Event) {
		select {
		case loading <- struct{}{}:
		default:
		}
	})
	defer unsub()

	client := &fakeClient{
		manifest: func(sessionID, platform string) (*bundle.Record, error) {
			return manifestRecord(100, "abc"), nil
		},
		sources:     map[string]string{"/bundles/b1.js": `module.exports = {};`},
		bundleDelay: 80 * time.Millisecond,
	}
	l := newTestLoader(client, &fakeExecutor{}, rb)
	defer l.Destroy()

	ctx := context.Background()
	l.SetServerURL(ctx, "http://server.test")
	l.SetSessionID(ctx, "sess-1")

	select {
	case <-loading:
	case <-time.After(2 * time.Second):
		t.Fatal("download never started")
	}

	// Stop polling while the download is in flight; the result must still
	// be applied.
	l.SetEnabled(ctx, false)
	if got := l.Phase(); got != state.PhaseIdle {
		t.Fatalf("phase = %v, want idle", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		return l.CurrentBundle() != nil
	})
}

func TestLoader_DestroyStopsPolling(t *testing.T) {
	client := &fakeClient{}
	l := newTestLoader(client, &fakeExecutor{}, nil)
	ctx := context.Background()
	l.SetServerURL(ctx, "http://server.test")
	l.SetSessionID(ctx, "sess-1")

	l.Destroy()
	if got := l.Phase(); got != state.PhaseIdle {
		t.Fatalf("phase after destroy = %v, want idle", got)
	}
	if err := l.Initialize(ctx); err == nil {
		t.Fatal("expected initialize to fail after destroy")
	}
	// Destroy is idempotent.
	l.Destroy()
}
