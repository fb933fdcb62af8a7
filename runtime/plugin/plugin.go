// Package plugin defines the in-process plugin contract and the manager
// that loads, initializes and shuts plugins down. Plugins are compiled in
// and register a constructor at init time; configuration decides which ones
// actually load.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/scheduler"
	"github.com/wooster-ai/wooster/runtime/services"
)

type (
	// Plugin is the minimal contract. Everything else is an optional
	// capability discovered by interface assertion.
	Plugin interface {
		// Name is the stable plugin identifier used in configuration and
		// logs.
		Name() string
	}

	// Initializer receives the capability bundle before tools or tasks are
	// collected. An Init error quarantines the plugin.
	Initializer interface {
		Init(ctx context.Context, b *services.Bundle) error
	}

	// Shutdowner is called in reverse load order during shutdown.
	Shutdowner interface {
		Shutdown(ctx context.Context) error
	}

	// ToolProvider contributes agent tools. Collisions with core tools
	// resolve in favor of the core tool.
	ToolProvider interface {
		Tools() []*tools.Tool
	}

	// TaskProvider seeds durable schedules at startup. Seeding is
	// idempotent: an existing task key leaves the stored schedule untouched.
	TaskProvider interface {
		Tasks() []scheduler.Item
	}

	// DirectHandlerProvider contributes handler functions for DIRECT_HANDLER
	// schedules, keyed by task key. Handlers are re-registered on every
	// load; the stored schedule itself is seeded through TaskProvider.
	DirectHandlerProvider interface {
		DirectHandlers() map[string]scheduler.DirectHandlerFunc
	}

	// Constructor builds a plugin instance.
	Constructor func() Plugin
)

var (
	ctorMu sync.Mutex
	ctors  = map[string]Constructor{}
)

// Register records a plugin constructor under its name. Plugins call this
// from init(); duplicate names panic because they are programmer error.
func Register(name string, ctor Constructor) {
	ctorMu.Lock()
	defer ctorMu.Unlock()
	if _, dup := ctors[name]; dup {
		panic(fmt.Sprintf("plugin %q registered twice", name))
	}
	ctors[name] = ctor
}

// registered returns the known constructors keyed by name.
func registered() map[string]Constructor {
	ctorMu.Lock()
	defer ctorMu.Unlock()
	out := make(map[string]Constructor, len(ctors))
	for k, v := range ctors {
		out[k] = v
	}
	return out
}

// names returns registered plugin names in lexicographic order, which is
// the deterministic load order.
func names() []string {
	ctorMu.Lock()
	defer ctorMu.Unlock()
	out := make([]string, 0, len(ctors))
	for name := range ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
