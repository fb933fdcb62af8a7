package plugin

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/config"
	"github.com/wooster-ai/wooster/runtime/scheduler"
	"github.com/wooster-ai/wooster/runtime/services"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

// fakePlugin implements every optional capability through optional funcs.
type fakePlugin struct {
	name     string
	initErr  error
	initDone *[]string
	tools    []*tools.Tool
	tasks    []scheduler.Item
	handlers map[string]scheduler.DirectHandlerFunc
	shutDown *[]string
	panics   bool
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Init(context.Context, *services.Bundle) error {
	if p.panics {
		panic("plugin blew up")
	}
	if p.initDone != nil {
		*p.initDone = append(*p.initDone, p.name)
	}
	return p.initErr
}

func (p *fakePlugin) Shutdown(context.Context) error {
	if p.shutDown != nil {
		*p.shutDown = append(*p.shutDown, p.name)
	}
	return nil
}

func (p *fakePlugin) Tools() []*tools.Tool    { return p.tools }
func (p *fakePlugin) Tasks() []scheduler.Item { return p.tasks }

func (p *fakePlugin) DirectHandlers() map[string]scheduler.DirectHandlerFunc { return p.handlers }

// swapRegistry installs a test-only constructor set and restores the real one
// when the test finishes.
func swapRegistry(t *testing.T, plugins ...*fakePlugin) {
	t.Helper()
	ctorMu.Lock()
	old := ctors
	ctors = map[string]Constructor{}
	for _, p := range plugins {
		p := p
		ctors[p.name] = func() Plugin { return p }
	}
	ctorMu.Unlock()
	t.Cleanup(func() {
		ctorMu.Lock()
		ctors = old
		ctorMu.Unlock()
	})
}

func newTestManager(t *testing.T) (*Manager, *tools.Registry, *scheduler.Scheduler, *config.Config) {
	t.Helper()
	cfg := config.Defaults()
	sched, err := scheduler.New(filepath.Join(t.TempDir(), "sched.db"), nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})
	reg := tools.NewRegistry()
	b := &services.Bundle{
		Services: services.NewRegistry(),
		Config:   &cfg,
		Logger:   telemetry.NoopLogger{},
		Metrics:  telemetry.NoopMetrics{},
	}
	return NewManager(b, reg, sched), reg, sched, &cfg
}

func TestLoad_LexicographicOrder(t *testing.T) {
	var order []string
	swapRegistry(t,
		&fakePlugin{name: "zeta", initDone: &order},
		&fakePlugin{name: "alpha", initDone: &order},
		&fakePlugin{name: "mid", initDone: &order},
	)
	m, _, _, _ := newTestManager(t)

	require.NoError(t, m.Load(context.Background()))
	require.Equal(t, []string{"alpha", "mid", "zeta"}, order)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, m.Loaded())
}

func TestLoad_QuarantineIsolatesFailures(t *testing.T) {
	swapRegistry(t,
		&fakePlugin{name: "bad", initErr: errors.New("no config")},
		&fakePlugin{name: "good"},
		&fakePlugin{name: "panicky", panics: true},
	)
	m, _, _, _ := newTestManager(t)

	require.NoError(t, m.Load(context.Background()))
	require.Equal(t, []string{"good"}, m.Loaded())

	failed := m.Failed()
	require.Len(t, failed, 2)
	require.ErrorContains(t, failed["bad"], "no config")
	require.ErrorContains(t, failed["panicky"], "plugin panic")
}

func TestLoad_NameMismatchQuarantined(t *testing.T) {
	liar := &fakePlugin{name: "impostor"}
	ctorMu.Lock()
	old := ctors
	ctors = map[string]Constructor{"honest": func() Plugin { return liar }}
	ctorMu.Unlock()
	t.Cleanup(func() {
		ctorMu.Lock()
		ctors = old
		ctorMu.Unlock()
	})
	m, _, _, _ := newTestManager(t)

	require.NoError(t, m.Load(context.Background()))
	require.Empty(t, m.Loaded())
	require.ErrorContains(t, m.Failed()["honest"], "name mismatch")
}

func TestLoad_DisabledPluginSkipped(t *testing.T) {
	swapRegistry(t, &fakePlugin{name: "optional"}, &fakePlugin{name: "wanted"})
	m, _, _, cfg := newTestManager(t)
	cfg.Plugins = map[string]bool{"optional": false}

	require.NoError(t, m.Load(context.Background()))
	require.Equal(t, []string{"wanted"}, m.Loaded())
	require.Empty(t, m.Failed())
}

func TestLoad_CollectsToolsAndSeedsTasks(t *testing.T) {
	item := scheduler.Item{
		Description: "weekly review",
		Expression:  "0 9 * * 1",
		TaskKey:     "test.weekly",
		HandlerType: scheduler.AgentPrompt,
		Policy:      scheduler.RunOncePerPeriodCatchUp,
	}
	p := &fakePlugin{
		name:  "provider",
		tools: []*tools.Tool{{Name: "providedTool", Description: "from plugin"}},
		tasks: []scheduler.Item{item},
	}
	swapRegistry(t, p)
	m, reg, sched, _ := newTestManager(t)

	require.NoError(t, m.Load(context.Background()))
	_, ok := reg.Get("providedTool")
	require.True(t, ok)

	got, err := sched.GetByKey(context.Background(), "test.weekly")
	require.NoError(t, err)
	firstID := got.ID

	// A second load leaves the stored schedule untouched.
	m2 := NewManager(m.bundle, reg, sched)
	require.NoError(t, m2.Load(context.Background()))
	again, err := sched.GetByKey(context.Background(), "test.weekly")
	require.NoError(t, err)
	require.Equal(t, firstID, again.ID)
	require.Empty(t, m2.Failed())
}

func TestLoad_WiresDirectHandlers(t *testing.T) {
	var ran atomic.Bool
	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	p := &fakePlugin{
		name: "direct",
		tasks: []scheduler.Item{{
			Description: "missed one-off",
			Expression:  past,
			TaskKey:     "direct.catchup",
			HandlerType: scheduler.DirectHandler,
			Policy:      scheduler.RunImmediatelyIfMissed,
		}},
		handlers: map[string]scheduler.DirectHandlerFunc{
			"direct.catchup": func(context.Context, []byte) error {
				ran.Store(true)
				return nil
			},
		},
	}
	swapRegistry(t, p)
	m, _, sched, _ := newTestManager(t)

	require.NoError(t, m.Load(context.Background()))

	// Startup reconciliation fires the missed one-off through the handler
	// the plugin registered during load.
	require.NoError(t, sched.Start(context.Background()))
	require.Eventually(t, ran.Load, 5*time.Second, 10*time.Millisecond)
}

func TestShutdown_ReverseOrder(t *testing.T) {
	var down []string
	swapRegistry(t,
		&fakePlugin{name: "alpha", shutDown: &down},
		&fakePlugin{name: "beta", shutDown: &down},
	)
	m, _, _, _ := newTestManager(t)

	require.NoError(t, m.Load(context.Background()))
	m.Shutdown(context.Background())
	require.Equal(t, []string{"beta", "alpha"}, down)
	require.Empty(t, m.Loaded())
}
