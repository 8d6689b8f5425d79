package loader

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/Velora-App/ota_layer/internal/app/system"
	"github.com/Velora-App/ota_layer/internal/engine/events"
	"github.com/Velora-App/ota_layer/pkg/logger"
)

// PushListener is an optional assist for the poll loop: it keeps a
// websocket subscription to the session's event stream and triggers an
// immediate bundle check whenever the server announces an update. Polling
// stays authoritative; losing the connection only means updates arrive at
// poll cadence again.
type PushListener struct {
	loader *Loader
	log    *logger.Logger

	dialer    *websocket.Dialer
	reconnect time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewPushListener creates a push listener bound to the loader.
func NewPushListener(l *Loader, log *logger.Logger) *PushListener {
	if log == nil {
		log = logger.NewDefault("push-listener")
	}
	return &PushListener{
		loader:    l,
		log:       log,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnect: 5 * time.Second,
	}
}

// SetReconnectInterval adjusts the delay between connection attempts.
func (p *PushListener) SetReconnectInterval(d time.Duration) {
	if d > 0 {
		p.reconnect = d
	}
}

// Name implements system.Service.
func (p *PushListener) Name() string { return "push-listener" }

// Start implements system.Service. The connect loop runs until Stop.
func (p *PushListener) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.run(runCtx)
	return nil
}

// Stop implements system.Service.
func (p *PushListener) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run dials, listens, and redials until the context ends. A session or
// server change between attempts is picked up on the next dial.
func (p *PushListener) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		settings := p.loader.Settings()
		if settings.ServerURL != "" && settings.SessionID != "" {
			p.listen(ctx, settings.ServerURL, settings.SessionID)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.reconnect):
		}
	}
}

// listen holds one websocket connection open and reacts to frames until
// the connection drops or the context ends.
func (p *PushListener) listen(ctx context.Context, serverURL, sessionID string) {
	endpoint, err := eventsEndpoint(serverURL, sessionID)
	if err != nil {
		p.log.WithError(err).Debug("push endpoint unavailable")
		return
	}

	conn, resp, err := p.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		// Connection failure is the degraded-to-polling case, not an error
		// surfaced to anyone.
		p.log.WithError(err).WithField("endpoint", endpoint).Debug("push connect failed")
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	defer conn.Close()

	p.log.WithField("session_id", sessionID).Info("push channel connected")

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.log.WithError(err).Debug("push channel closed; falling back to polling")
			}
			return
		}
		p.handleFrame(ctx, sessionID, frame)
	}
}

// handleFrame inspects one server frame. Frames are loosely structured;
// only the type field matters and unknown frames are ignored.
func (p *PushListener) handleFrame(ctx context.Context, sessionID string, frame []byte) {
	if !gjson.ValidBytes(frame) {
		return
	}
	frameType := gjson.GetBytes(frame, "type").String()
	switch frameType {
	case "bundle-updated", "bundle-published":
		if s := gjson.GetBytes(frame, "sessionId").String(); s != "" && s != sessionID {
			return
		}
		p.log.WithField("session_id", sessionID).Debug("push: bundle update announced")
		if err := p.loader.CheckForUpdates(ctx); err != nil {
			p.log.WithError(err).Debug("push-triggered check failed")
		}
	case "session-closed":
		p.log.WithField("session_id", sessionID).Info("push: session closed by server")
		events.NewEvent(events.EventBundleError).
			Component("push").
			Session(sessionID).
			Message("session closed by server").
			LogTo(p.loader.events)
	}
}

// eventsEndpoint converts the HTTP server URL into the session's websocket
// event stream URL.
func eventsEndpoint(serverURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/sessions/" + url.PathEscape(sessionID) + "/events"
	return u.String(), nil
}

var _ system.Service = (*PushListener)(nil)
