package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

const (
	// MaxBundleSize caps accepted bundle source text.
	MaxBundleSize = 10 << 20

	// DefaultExecTimeout bounds one sandbox evaluation or render call.
	DefaultExecTimeout = 5 * time.Second
)

// ExecResult summarizes one successful bundle execution.
type ExecResult struct {
	ExecutionID string        `json:"execution_id"`
	SessionID   string        `json:"session_id"`
	Screens     int           `json:"screens"`
	Services    int           `json:"services"`
	Version     string        `json:"version,omitempty"`
	Components  []string      `json:"components,omitempty"`
	Logs        []string      `json:"logs,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// runtimeHandle owns one sandbox runtime. A goja runtime is not safe for
// concurrent use, so every call into bundle code serializes on mu. All
// entries installed by one execution share the handle; swapping the session
// layer drops the whole runtime with it.
type runtimeHandle struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	timeout time.Duration
}

// watchdog interrupts the runtime when the call outlives its budget or the
// caller's context. The returned stop func must run before the handle's
// mutex is released.
func (h *runtimeHandle) watchdog(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.vm.Interrupt("context cancelled")
		case <-time.After(h.timeout):
			h.vm.Interrupt("execution timeout")
		case <-done:
		}
	}()
	return func() {
		close(done)
		h.vm.ClearInterrupt()
	}
}

type sandboxOutput struct {
	executionID    string
	rt             *runtimeHandle
	screens        map[string]goja.Value
	screenOrder    []string
	services       map[string]goja.Value
	serviceOrder   []string
	metaVersion    string
	metaComponents []string
	logs           []string
}

// execute evaluates bundle source in a fresh runtime with an allow-listed
// capability set: createComponent, a restricted require covering only
// registered module bindings, console, and an empty global scratch object.
// There is no ambient access to the host filesystem, network, or module
// system.
func (r *Registry) execute(ctx context.Context, source, sessionID string) (out *sandboxOutput, err error) {
	if source == "" {
		return nil, fmt.Errorf("bundle source cannot be empty")
	}
	if len(source) > r.maxBytes {
		return nil, fmt.Errorf("bundle exceeds maximum size of %d bytes", r.maxBytes)
	}

	vm := goja.New()
	handle := &runtimeHandle{vm: vm, timeout: r.timeout}

	var logs []string
	consoleFn := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			line := fmt.Sprint(args...)
			logs = append(logs, line)
			r.log.WithField("session_id", sessionID).Debugf("bundle console.%s: %s", level, line)
			return goja.Undefined()
		}
	}
	console := vm.NewObject()
	_ = console.Set("log", consoleFn("log"))
	_ = console.Set("warn", consoleFn("warn"))
	_ = console.Set("error", consoleFn("error"))
	if err := vm.Set("console", console); err != nil {
		return nil, fmt.Errorf("failed to set console: %w", err)
	}

	if err := vm.Set("createComponent", func(call goja.FunctionCall) goja.Value {
		obj := vm.NewObject()
		if len(call.Arguments) > 0 {
			_ = obj.Set("displayName", call.Arguments[0].String())
		}
		if len(call.Arguments) > 1 {
			_ = obj.Set("render", call.Arguments[1])
		}
		return obj
	}); err != nil {
		return nil, fmt.Errorf("failed to set createComponent: %w", err)
	}

	if err := vm.Set("require", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("require: module name required"))
		}
		name := call.Arguments[0].String()
		binding, ok := r.modules[name]
		if !ok {
			panic(vm.NewTypeError("require: module %q is not available", name))
		}
		return vm.ToValue(binding)
	}); err != nil {
		return nil, fmt.Errorf("failed to set require: %w", err)
	}

	// Bundles get a private scratch global, never the host global object.
	if err := vm.Set("global", vm.NewObject()); err != nil {
		return nil, fmt.Errorf("failed to set global: %w", err)
	}

	moduleObj := vm.NewObject()
	exportsObj := vm.NewObject()
	_ = moduleObj.Set("exports", exportsObj)
	if err := vm.Set("module", moduleObj); err != nil {
		return nil, fmt.Errorf("failed to set module: %w", err)
	}
	if err := vm.Set("exports", exportsObj); err != nil {
		return nil, fmt.Errorf("failed to set exports: %w", err)
	}

	stop := handle.watchdog(ctx)
	ret, runErr := vm.RunString(source)
	stop()
	if runErr != nil {
		return nil, fmt.Errorf("script error: %w", runErr)
	}

	out = &sandboxOutput{
		executionID: uuid.New().String(),
		rt:          handle,
		logs:        logs,
	}

	// Property access can run bundle-defined getters, which may throw.
	// Extraction failures count as execution failures.
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = fmt.Errorf("extract exports: %v", p)
		}
	}()

	root := asObject(moduleObj.Get("exports"))
	if root == nil || len(root.Keys()) == 0 {
		if alt := asObject(ret); alt != nil {
			root = alt
		}
	}
	if root == nil {
		// Accepted but unusable shape: the execution installs an empty
		// session layer.
		return out, nil
	}

	out.screens, out.screenOrder = collectEntries(root, "screens")
	out.services, out.serviceOrder = collectEntries(root, "services")

	if metaObj := asObject(root.Get("meta")); metaObj != nil {
		if v := metaObj.Get("version"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			out.metaVersion = v.String()
		}
		if c := metaObj.Get("components"); c != nil {
			if arr, ok := c.Export().([]interface{}); ok {
				for _, item := range arr {
					if s, ok := item.(string); ok {
						out.metaComponents = append(out.metaComponents, s)
					}
				}
			}
		}
	}

	return out, nil
}

func asObject(v goja.Value) *goja.Object {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	return obj
}

// collectEntries reads a named map export preserving JS property order.
// Non-object shapes yield zero entries rather than an error.
func collectEntries(parent *goja.Object, field string) (map[string]goja.Value, []string) {
	obj := asObject(parent.Get(field))
	if obj == nil {
		return nil, nil
	}
	keys := obj.Keys()
	entries := make(map[string]goja.Value, len(keys))
	order := make([]string, 0, len(keys))
	for _, k := range keys {
		entries[k] = obj.Get(k)
		order = append(order, k)
	}
	return entries, order
}

// jsComponent adapts a bundle-exported screen entry to the Component
// interface. The entry is either a render function or a descriptor built by
// createComponent exposing render.
type jsComponent struct {
	name  string
	rt    *runtimeHandle
	value goja.Value
}

func (c *jsComponent) Render(ctx context.Context, props map[string]any) (result string, err error) {
	c.rt.mu.Lock()
	defer c.rt.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("render %s: %v", c.name, p)
		}
	}()

	stop := c.rt.watchdog(ctx)
	defer stop()

	callable := c.value
	if _, isFn := goja.AssertFunction(callable); !isFn {
		if obj := asObject(callable); obj != nil {
			if render := obj.Get("render"); render != nil {
				callable = render
			}
		}
	}
	fn, ok := goja.AssertFunction(callable)
	if !ok {
		return "", fmt.Errorf("component %s is not renderable", c.name)
	}

	if props == nil {
		props = map[string]any{}
	}
	res, err := fn(goja.Undefined(), c.rt.vm.ToValue(props))
	if err != nil {
		return "", fmt.Errorf("render %s: %w", c.name, err)
	}
	return exportString(res), nil
}

// jsService adapts a bundle-exported service object to the Service
// interface with method-level dispatch.
type jsService struct {
	name  string
	rt    *runtimeHandle
	value goja.Value
}

func (s *jsService) Invoke(ctx context.Context, method string, args map[string]any) (result any, err error) {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf("invoke %s.%s: %v", s.name, method, p)
		}
	}()

	obj := asObject(s.value)
	if obj == nil {
		return nil, fmt.Errorf("service %s is not an object", s.name)
	}
	fn, ok := goja.AssertFunction(obj.Get(method))
	if !ok {
		return nil, fmt.Errorf("service %s has no method %s", s.name, method)
	}

	stop := s.rt.watchdog(ctx)
	defer stop()

	if args == nil {
		args = map[string]any{}
	}
	res, err := fn(obj, s.rt.vm.ToValue(args))
	if err != nil {
		return nil, fmt.Errorf("invoke %s.%s: %w", s.name, method, err)
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}
	return res.Export(), nil
}

// exportString converts a render result to its string form: strings pass
// through, structured values serialize to JSON.
func exportString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	if data, err := json.Marshal(exported); err == nil {
		return string(data)
	}
	return fmt.Sprint(exported)
}
