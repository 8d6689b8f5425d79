// Package plugin holds the process-wide catalog of built-in components and
// services. Host packages register factories from init() functions; at
// startup the application installs every registered factory into the
// component registry's default layer. Defaults registered here are never
// removed for the lifetime of the process.
package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Velora-App/ota_layer/internal/app/registry"
)

// ComponentFactory builds a default-layer component instance.
type ComponentFactory func() registry.Component

// ServiceFactory builds a default-layer service instance.
type ServiceFactory func() registry.Service

// Info describes one registered default for listings and diagnostics.
type Info struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"` // component | service
	Description string `json:"description,omitempty"`
}

type componentEntry struct {
	factory ComponentFactory
	info    Info
}

type serviceEntry struct {
	factory ServiceFactory
	info    Info
}

var (
	mu         sync.RWMutex
	components = make(map[string]componentEntry)
	services   = make(map[string]serviceEntry)
)

// RegisterComponent adds a default component factory to the catalog.
// Call from an init() function. Panics on a duplicate name: two packages
// claiming the same default name is a build-time wiring mistake.
func RegisterComponent(name, description string, factory ComponentFactory) {
	mu.Lock()
	defer mu.Unlock()

	if name == "" {
		panic("plugin: component name must not be empty")
	}
	if factory == nil {
		panic(fmt.Sprintf("plugin: component %q registered with nil factory", name))
	}
	if _, exists := components[name]; exists {
		panic(fmt.Sprintf("plugin: component %q already registered", name))
	}
	components[name] = componentEntry{
		factory: factory,
		info:    Info{Name: name, Kind: "component", Description: description},
	}
}

// RegisterService adds a default service factory to the catalog.
func RegisterService(name, description string, factory ServiceFactory) {
	mu.Lock()
	defer mu.Unlock()

	if name == "" {
		panic("plugin: service name must not be empty")
	}
	if factory == nil {
		panic(fmt.Sprintf("plugin: service %q registered with nil factory", name))
	}
	if _, exists := services[name]; exists {
		panic(fmt.Sprintf("plugin: service %q already registered", name))
	}
	services[name] = serviceEntry{
		factory: factory,
		info:    Info{Name: name, Kind: "service", Description: description},
	}
}

// Install registers every cataloged default into the registry's default
// layer, components first, each kind in sorted name order so installation
// is deterministic.
func Install(reg *registry.Registry) error {
	mu.RLock()
	defer mu.RUnlock()

	for _, name := range sortedKeys(components) {
		if err := reg.RegisterDefaultComponent(name, components[name].factory()); err != nil {
			return fmt.Errorf("install default component %s: %w", name, err)
		}
	}
	for _, name := range sortedKeys(services) {
		if err := reg.RegisterDefaultService(name, services[name].factory()); err != nil {
			return fmt.Errorf("install default service %s: %w", name, err)
		}
	}
	return nil
}

// List returns every cataloged default, components first, sorted by name.
func List() []Info {
	mu.RLock()
	defer mu.RUnlock()

	infos := make([]Info, 0, len(components)+len(services))
	for _, name := range sortedKeys(components) {
		infos = append(infos, components[name].info)
	}
	for _, name := range sortedKeys(services) {
		infos = append(infos, services[name].info)
	}
	return infos
}

// IsRegistered reports whether a default with the name exists in either
// catalog.
func IsRegistered(name string) bool {
	mu.RLock()
	defer mu.RUnlock()

	if _, ok := components[name]; ok {
		return true
	}
	_, ok := services[name]
	return ok
}

// Count returns the number of cataloged defaults.
func Count() int {
	mu.RLock()
	defer mu.RUnlock()
	return len(components) + len(services)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
