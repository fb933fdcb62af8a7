package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/scheduler"
	"github.com/wooster-ai/wooster/runtime/services"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

// Manager loads enabled plugins in lexicographic name order, collects their
// tools and seed tasks, and shuts them down in reverse order. A plugin that
// fails to initialize is quarantined: logged, excluded, and never allowed to
// take the process down.
type Manager struct {
	bundle *services.Bundle
	tools  *tools.Registry
	sched  *scheduler.Scheduler
	logger telemetry.Logger

	loaded []Plugin
	failed map[string]error
}

// NewManager wires a manager over the shared bundle, tool registry and
// scheduler.
func NewManager(b *services.Bundle, reg *tools.Registry, sched *scheduler.Scheduler) *Manager {
	return &Manager{
		bundle: b,
		tools:  reg,
		sched:  sched,
		logger: b.Logger,
		failed: map[string]error{},
	}
}

// Load initializes every registered, enabled plugin. It returns only on
// infrastructure errors; per-plugin failures are recorded and skipped.
func (m *Manager) Load(ctx context.Context) error {
	ctorsByName := registered()
	for _, name := range names() {
		if !m.bundle.Config.PluginEnabled(name) {
			m.logger.Debug(ctx, "plugin disabled", "plugin", name)
			continue
		}
		p := ctorsByName[name]()
		if p.Name() != name {
			m.quarantine(ctx, name, fmt.Errorf("plugin name mismatch: registered %q, reports %q", name, p.Name()))
			continue
		}
		if err := m.initOne(ctx, p); err != nil {
			m.quarantine(ctx, name, err)
			continue
		}
		m.loaded = append(m.loaded, p)
		m.logger.Info(ctx, "plugin loaded", "plugin", name)
	}
	return nil
}

func (m *Manager) initOne(ctx context.Context, p Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()
	if init, ok := p.(Initializer); ok {
		if err := init.Init(ctx, m.bundle); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	if tp, ok := p.(ToolProvider); ok {
		for _, t := range tp.Tools() {
			if !m.tools.Add(t, tools.OriginPlugin) {
				m.logger.Warn(ctx, "plugin tool rejected", "plugin", p.Name(), "tool", t.Name)
			}
		}
	}
	// Handlers before tasks, so a schedule never exists without its handler.
	if dh, ok := p.(DirectHandlerProvider); ok {
		for key, fn := range dh.DirectHandlers() {
			m.sched.RegisterDirectHandler(key, fn)
		}
	}
	if tp, ok := p.(TaskProvider); ok {
		for _, it := range tp.Tasks() {
			if _, err := m.sched.Create(ctx, it); err != nil {
				if errors.Is(err, scheduler.ErrDuplicateTaskKey) {
					continue
				}
				return fmt.Errorf("seed task %s: %w", it.TaskKey, err)
			}
			m.logger.Info(ctx, "seeded plugin task", "plugin", p.Name(), "task_key", it.TaskKey)
		}
	}
	return nil
}

func (m *Manager) quarantine(ctx context.Context, name string, err error) {
	m.failed[name] = err
	m.logger.Error(ctx, err, "plugin quarantined", "plugin", name)
	m.bundle.Metrics.IncCounter("plugin.load_failures", 1, "plugin", name)
}

// Shutdown stops loaded plugins in reverse load order. Errors are logged,
// not propagated, so one misbehaving plugin cannot block the rest.
func (m *Manager) Shutdown(ctx context.Context) {
	for i := len(m.loaded) - 1; i >= 0; i-- {
		p := m.loaded[i]
		sd, ok := p.(Shutdowner)
		if !ok {
			continue
		}
		if err := sd.Shutdown(ctx); err != nil {
			m.logger.Error(ctx, err, "plugin shutdown", "plugin", p.Name())
		}
	}
	m.loaded = nil
}

// Loaded returns the names of successfully loaded plugins in load order.
func (m *Manager) Loaded() []string {
	out := make([]string, len(m.loaded))
	for i, p := range m.loaded {
		out[i] = p.Name()
	}
	return out
}

// Failed returns quarantined plugins and their failure causes.
func (m *Manager) Failed() map[string]error {
	out := make(map[string]error, len(m.failed))
	for k, v := range m.failed {
		out[k] = v
	}
	return out
}
