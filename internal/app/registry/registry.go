// Package registry implements the two-layer component registry: default
// entries registered once at process start, and session entries installed
// by executing downloaded bundle source in a constrained JavaScript
// sandbox. Session entries shadow defaults of the same name; a failed
// execution never disturbs the previously installed session layer.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Velora-App/ota_layer/internal/engine/events"
	"github.com/Velora-App/ota_layer/pkg/logger"
)

// Component is a renderable unit resolved by name. Bundle-provided
// components execute inside the owning sandbox runtime; Render is safe for
// concurrent use.
type Component interface {
	Render(ctx context.Context, props map[string]any) (string, error)
}

// ComponentFunc adapts a plain function to the Component interface.
type ComponentFunc func(ctx context.Context, props map[string]any) (string, error)

// Render implements Component.
func (f ComponentFunc) Render(ctx context.Context, props map[string]any) (string, error) {
	return f(ctx, props)
}

// Service is a named callable unit with method-level dispatch.
type Service interface {
	Invoke(ctx context.Context, method string, args map[string]any) (any, error)
}

// ServiceFunc adapts a plain function to the Service interface.
type ServiceFunc func(ctx context.Context, method string, args map[string]any) (any, error)

// Invoke implements Service.
func (f ServiceFunc) Invoke(ctx context.Context, method string, args map[string]any) (any, error) {
	return f(ctx, method, args)
}

// Layer identifies which namespace supplies a registry entry.
type Layer string

const (
	LayerDefault Layer = "default"
	LayerSession Layer = "session"
)

// Stats summarizes registry occupancy.
type Stats struct {
	DefaultCount      int `json:"defaultCount"`
	SessionComponents int `json:"sessionComponents"`
	SessionServices   int `json:"sessionServices"`
}

// ComponentInfo describes one name visible through the registry and the
// layer that currently supplies its active value.
type ComponentInfo struct {
	Name  string `json:"name"`
	Layer Layer  `json:"layer"`
}

// Registry holds the default and session layers and executes bundles.
type Registry struct {
	log      *logger.Logger
	events   events.EventLogger
	timeout  time.Duration
	maxBytes int
	modules  map[string]any

	mu                sync.RWMutex
	defaultComponents map[string]Component
	defaultServices   map[string]Service
	defaultOrder      []string
	sessionComponents map[string]Component
	sessionServices   map[string]Service
	sessionOrder      []string
	sessionID         string
	lastResult        *ExecResult
}

// New constructs a registry. A nil event logger discards events.
func New(eventLog events.EventLogger, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	if eventLog == nil {
		eventLog = events.NoOpLogger{}
	}
	return &Registry{
		log:               log,
		events:            eventLog,
		timeout:           DefaultExecTimeout,
		maxBytes:          MaxBundleSize,
		modules:           make(map[string]any),
		defaultComponents: make(map[string]Component),
		defaultServices:   make(map[string]Service),
		sessionComponents: make(map[string]Component),
		sessionServices:   make(map[string]Service),
	}
}

// SetExecTimeout overrides the per-execution sandbox timeout.
func (r *Registry) SetExecTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// AllowModule exposes a host binding to bundle code under require(name).
// Only names registered here resolve; everything else throws inside the
// sandbox. Must be called before the first execution.
func (r *Registry) AllowModule(name string, binding any) {
	r.modules[name] = binding
}

// RegisterDefaultComponent installs a default-layer component. Defaults are
// registered once at process start and are never removed.
func (r *Registry) RegisterDefaultComponent(name string, c Component) error {
	if name == "" {
		return fmt.Errorf("component name is required")
	}
	if c == nil {
		return fmt.Errorf("component %s: nil implementation", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defaultComponents[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}
	r.defaultComponents[name] = c
	r.defaultOrder = append(r.defaultOrder, name)
	return nil
}

// RegisterDefaultService installs a default-layer service.
func (r *Registry) RegisterDefaultService(name string, s Service) error {
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if s == nil {
		return fmt.Errorf("service %s: nil implementation", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defaultServices[name]; exists {
		return fmt.Errorf("service %s already registered", name)
	}
	r.defaultServices[name] = s
	r.defaultOrder = append(r.defaultOrder, name)
	return nil
}

// GetComponent resolves a component by name: the session layer wins, then
// the default layer, then nil. Never fails.
func (r *Registry) GetComponent(name string) Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.sessionComponents[name]; ok {
		return c
	}
	return r.defaultComponents[name]
}

// GetService resolves a service by name with the same override semantics as
// GetComponent, in its own namespace.
func (r *Registry) GetService(name string) Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessionServices[name]; ok {
		return s
	}
	return r.defaultServices[name]
}

// IsSessionComponent reports whether the session layer currently supplies a
// component with that name.
func (r *Registry) IsSessionComponent(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessionComponents[name]
	return ok
}

// IsSessionService reports whether the session layer currently supplies a
// service with that name.
func (r *Registry) IsSessionService(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessionServices[name]
	return ok
}

// SessionID reports which session installed the current session layer, or
// empty when the layer is clear.
func (r *Registry) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

// ClearSession empties the session layer entirely. Idempotent; emits
// session-cleared on every call.
func (r *Registry) ClearSession() {
	r.mu.Lock()
	r.sessionComponents = make(map[string]Component)
	r.sessionServices = make(map[string]Service)
	r.sessionOrder = nil
	cleared := r.sessionID
	r.sessionID = ""
	r.mu.Unlock()

	r.log.WithField("session_id", cleared).Debug("session layer cleared")
	events.NewEvent(events.EventSessionCleared).
		Component("registry").
		Session(cleared).
		LogTo(r.events)
}

// Stats returns registry occupancy counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		DefaultCount:      len(r.defaultComponents) + len(r.defaultServices),
		SessionComponents: len(r.sessionComponents),
		SessionServices:   len(r.sessionServices),
	}
}

// ListComponents returns every component name visible through the registry
// in registration order (defaults first, then session-only names), each
// marked with the layer supplying its active value.
func (r *Registry) ListComponents() []ComponentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.defaultOrder)+len(r.sessionOrder))
	out := make([]ComponentInfo, 0, len(r.defaultOrder)+len(r.sessionOrder))

	for _, name := range r.defaultOrder {
		if _, isComponent := r.defaultComponents[name]; !isComponent {
			continue
		}
		seen[name] = true
		layer := LayerDefault
		if _, ok := r.sessionComponents[name]; ok {
			layer = LayerSession
		}
		out = append(out, ComponentInfo{Name: name, Layer: layer})
	}
	for _, name := range r.sessionOrder {
		if seen[name] {
			continue
		}
		if _, ok := r.sessionComponents[name]; !ok {
			continue
		}
		out = append(out, ComponentInfo{Name: name, Layer: LayerSession})
	}
	return out
}

// LastResult returns the most recent successful execution summary, or nil.
func (r *Registry) LastResult() *ExecResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.lastResult == nil {
		return nil
	}
	out := *r.lastResult
	return &out
}

// LoadSessionBundle evaluates bundle source in the sandbox and, on success,
// atomically replaces the whole session layer (components and services)
// with the bundle's exports. On any failure the previous session layer is
// left untouched and bundle-execution-error is emitted exactly once; the
// returned error carries the same message for the caller's logs.
func (r *Registry) LoadSessionBundle(ctx context.Context, source, sessionID string) error {
	start := time.Now()

	out, err := r.execute(ctx, source, sessionID)
	if err != nil {
		r.log.WithError(err).WithField("session_id", sessionID).Warn("bundle execution failed")
		events.NewEvent(events.EventBundleExecutionError).
			Component("registry").
			Session(sessionID).
			ErrorFrom(err).
			LogTo(r.events)
		return err
	}

	result := &ExecResult{
		ExecutionID: out.executionID,
		SessionID:   sessionID,
		Screens:     len(out.screenOrder),
		Services:    len(out.serviceOrder),
		Version:     out.metaVersion,
		Components:  out.metaComponents,
		Logs:        out.logs,
		Duration:    time.Since(start),
	}

	// Build the replacement layer before touching shared state so readers
	// observe either the fully-old or fully-new session layer.
	components := make(map[string]Component, len(out.screenOrder))
	for _, name := range out.screenOrder {
		components[name] = &jsComponent{name: name, rt: out.rt, value: out.screens[name]}
	}
	services := make(map[string]Service, len(out.serviceOrder))
	for _, name := range out.serviceOrder {
		services[name] = &jsService{name: name, rt: out.rt, value: out.services[name]}
	}
	order := make([]string, 0, len(out.screenOrder)+len(out.serviceOrder))
	order = append(order, out.screenOrder...)
	order = append(order, out.serviceOrder...)

	r.mu.Lock()
	r.sessionComponents = components
	r.sessionServices = services
	r.sessionOrder = order
	r.sessionID = sessionID
	r.lastResult = result
	r.mu.Unlock()

	r.log.LogWithFields(map[string]interface{}{
		"session_id": sessionID,
		"screens":    result.Screens,
		"services":   result.Services,
		"version":    result.Version,
		"duration":   result.Duration.String(),
	}).Info("session bundle executed")

	events.NewEvent(events.EventBundleExecuted).
		Component("registry").
		Session(sessionID).
		Duration(result.Duration).
		LogTo(r.events)
	events.NewEvent(events.EventComponentsUpdated).
		Component("registry").
		Session(sessionID).
		Components(result.Screens).
		LogTo(r.events)

	return nil
}
