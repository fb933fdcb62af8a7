package gtd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wooster-ai/wooster/runtime/config"
	"github.com/wooster-ai/wooster/runtime/services"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

func initPlugin(t *testing.T) *Plugin {
	t.Helper()
	cfg := config.Defaults()
	cfg.Workspace = t.TempDir()
	p := &Plugin{}
	require.NoError(t, p.Init(context.Background(), &services.Bundle{
		Services: services.NewRegistry(),
		Config:   &cfg,
		Logger:   telemetry.NoopLogger{},
		Metrics:  telemetry.NoopMetrics{},
	}))
	return p
}

func TestAddNextAction_TaskLineFormat(t *testing.T) {
	p := initPlugin(t)
	tool := p.addNextActionTool()

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"project":"Home Lab","action":"order new disks"}`))
	require.NoError(t, err)
	res := out.(map[string]string)
	require.Equal(t, "home-lab", res["project"])
	require.NotEmpty(t, res["id"])

	data, err := os.ReadFile(filepath.Join(p.dir, "projects", "home-lab.md"))
	require.NoError(t, err)
	// Task lines carry the project tag and end with a stable id.
	require.Regexp(t, `(?m)^- \[ \] \+home-lab order new disks \(id: [0-9a-f-]{36}\)$`, string(data))
}

func TestListProjects_CountsOpenActions(t *testing.T) {
	p := initPlugin(t)
	add := p.addNextActionTool()

	for _, action := range []string{"first", "second"} {
		_, err := add.Execute(context.Background(), json.RawMessage(`{"project":"reading","action":"`+action+`"}`))
		require.NoError(t, err)
	}

	out, err := p.listProjectsTool().Execute(context.Background(), nil)
	require.NoError(t, err)
	projects := out.(map[string]any)["projects"]
	require.Len(t, projects, 1)
}
