// Package services provides the process-wide service registry. Plugins and
// core components register opaque service handles under well-known names and
// consumers look them up just-in-time at the point of use, never at their own
// initialization, so the service graph is resilient to plugin load order.
package services

import (
	"errors"
	"sort"
	"sync"

	"github.com/wooster-ai/wooster/runtime/config"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

// ErrUnavailable reports a lookup for a service that was never registered.
// Consumers decide whether to degrade or surface the absence to the agent as
// a tool-unavailable observation.
var ErrUnavailable = errors.New("service unavailable")

// Well-known service names used across core components and plugins.
const (
	NameKnowledgeBase = "knowledgeBase"
	NameScheduler     = "scheduler"
	NameRouter        = "modelRouter"
	NameEmail         = "email"
	NameCalendar      = "calendar"
	NameDiscord       = "discordNotify"
	NameSignal        = "signalNotify"
	NameWebSearch     = "webSearch"
)

type (
	// Registry is the process-wide name to service map. Reads are lock-free
	// hot paths relative to writes: registration happens only during plugin
	// initialization and shutdown.
	Registry struct {
		mu       sync.RWMutex
		services map[string]any
	}

	// Bundle is the capability set handed to plugins and core components. It
	// carries the registry, the configuration snapshot and the shared logger
	// so consumers do not reach for globals.
	Bundle struct {
		// Services is the shared registry.
		Services *Registry
		// Config is the read-only configuration snapshot.
		Config *config.Config
		// Logger is the shared structured logger.
		Logger telemetry.Logger
		// Metrics is the shared metrics recorder.
		Metrics telemetry.Metrics
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]any)}
}

// Register associates name with the given service handle, replacing any
// previous registration under the same name.
func (r *Registry) Register(name string, svc any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = svc
}

// Lookup returns the service registered under name. The second return value
// reports presence; a failed lookup never panics.
func (r *Registry) Lookup(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Unregister removes the registration for name. Removing an absent name is a
// no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
}

// Names returns the sorted names of all registered services.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupAs resolves the service registered under name into type T. It returns
// ErrUnavailable when the name is absent or the handle does not implement T.
func LookupAs[T any](r *Registry, name string) (T, error) {
	var zero T
	svc, ok := r.Lookup(name)
	if !ok {
		return zero, ErrUnavailable
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, ErrUnavailable
	}
	return typed, nil
}
