package coretools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/scheduler"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

func testDeps(t *testing.T) (Deps, *tools.Registry) {
	t.Helper()
	sched, err := scheduler.New(filepath.Join(t.TempDir(), "sched.db"), nil, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})
	d := Deps{
		Scheduler: sched,
		Workspace: t.TempDir(),
		Logger:    telemetry.NoopLogger{},
	}
	reg := tools.NewRegistry()
	Register(reg, d)
	return d, reg
}

func call(t *testing.T, reg *tools.Registry, name string, args any) (any, error) {
	t.Helper()
	tool, ok := reg.Get(name)
	require.True(t, ok, "tool %q not registered", name)
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	require.NoError(t, tool.ValidateArgs(raw))
	return tool.Execute(context.Background(), raw)
}

func TestRegister_AllCoreToolsPresent(t *testing.T) {
	_, reg := testDeps(t)
	for _, name := range []string{"queryRAG", "writeNote", "captureToInbox", "schedule", "logHealthEvent"} {
		_, ok := reg.Get(name)
		require.True(t, ok, name)
	}
}

func TestWorkspacePath(t *testing.T) {
	ws := t.TempDir()

	p, err := workspacePath(ws, "notes/today.md")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(ws, "notes", "today.md"), p)

	_, err = workspacePath(ws, "/etc/passwd")
	require.Error(t, err)

	_, err = workspacePath(ws, "../outside.md")
	require.Error(t, err)

	_, err = workspacePath(ws, "notes/../../outside.md")
	require.Error(t, err)

	// Traversal that stays inside the workspace is fine.
	p, err = workspacePath(ws, "notes/../today.md")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(ws, "today.md"), p)
}

func TestWriteNote(t *testing.T) {
	d, reg := testDeps(t)

	_, err := call(t, reg, "writeNote", map[string]any{
		"path":    "notes/today.md",
		"content": "# Today\n\nfirst line\n",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(d.Workspace, "notes", "today.md"))
	require.NoError(t, err)
	require.Contains(t, string(data), "first line")

	_, err = call(t, reg, "writeNote", map[string]any{
		"path":    "notes/today.md",
		"content": "second line\n",
		"append":  true,
	})
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(d.Workspace, "notes", "today.md"))
	require.NoError(t, err)
	require.Contains(t, string(data), "first line")
	require.Contains(t, string(data), "second line")
}

func TestWriteNote_Rejections(t *testing.T) {
	_, reg := testDeps(t)

	_, err := call(t, reg, "writeNote", map[string]any{"path": "notes/today.txt", "content": "x"})
	require.Error(t, err, "non-markdown extension")

	_, err = call(t, reg, "writeNote", map[string]any{"path": "../escape.md", "content": "x"})
	require.Error(t, err, "workspace escape")
}

func TestCaptureToInbox(t *testing.T) {
	d, reg := testDeps(t)

	_, err := call(t, reg, "captureToInbox", map[string]any{"text": "buy milk"})
	require.NoError(t, err)
	_, err = call(t, reg, "captureToInbox", map[string]any{"text": "call dentist"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(d.Workspace, "gtd", "inbox.md"))
	require.NoError(t, err)
	require.Regexp(t, `(?m)^- \[ \] \d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} buy milk$`, string(data))
	require.Regexp(t, `(?m)^- \[ \] \d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} call dentist$`, string(data))

	_, err = call(t, reg, "captureToInbox", map[string]any{"text": "   "})
	require.Error(t, err, "blank capture")
}

func TestScheduleTool(t *testing.T) {
	d, reg := testDeps(t)

	out, err := call(t, reg, "schedule", map[string]any{
		"description": "Morning Review",
		"expression":  "0 7 * * *",
		"prompt":      "summarize my day",
	})
	require.NoError(t, err)
	res := out.(map[string]string)
	require.NotEmpty(t, res["id"])
	require.Contains(t, res["taskKey"], "agent.morning-review.")

	it, err := d.Scheduler.GetByKey(context.Background(), res["taskKey"])
	require.NoError(t, err)
	require.Equal(t, scheduler.AgentPrompt, it.HandlerType)
	require.Equal(t, scheduler.SkipMissed, it.Policy)
	require.Equal(t, "summarize my day", string(it.Payload))

	// Explicit task key and policy pass through; duplicates are rejected.
	_, err = call(t, reg, "schedule", map[string]any{
		"description": "weekly",
		"expression":  "0 9 * * 1",
		"prompt":      "weekly review",
		"taskKey":     "custom.weekly",
		"policy":      "RUN_ONCE_PER_PERIOD_CATCH_UP",
	})
	require.NoError(t, err)
	it, err = d.Scheduler.GetByKey(context.Background(), "custom.weekly")
	require.NoError(t, err)
	require.Equal(t, scheduler.RunOncePerPeriodCatchUp, it.Policy)

	_, err = call(t, reg, "schedule", map[string]any{
		"description": "weekly again",
		"expression":  "0 9 * * 1",
		"prompt":      "weekly review",
		"taskKey":     "custom.weekly",
	})
	require.Error(t, err)
}

func TestLogHealthEvent(t *testing.T) {
	d, reg := testDeps(t)

	_, err := call(t, reg, "logHealthEvent", map[string]any{
		"kind":  "sleep",
		"value": "7h30m",
		"note":  "restless",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(d.Workspace, "health", "log.md"))
	require.NoError(t, err)
	require.Contains(t, string(data), "| sleep | 7h30m | restless")
}

func TestSanitizeKey(t *testing.T) {
	require.Equal(t, "morning-review", sanitizeKey("Morning Review"))
	require.Equal(t, "task", sanitizeKey("!!!"))
	require.Len(t, sanitizeKey("a very long description that keeps going and going and going"), 40)
}
