// Package gtd implements the task-management plugin: an inbox file for
// quick capture, per-project next-action lists, and a seeded weekly review
// schedule.
package gtd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/wooster-ai/wooster/runtime/agent/toolerrors"
	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/plugin"
	"github.com/wooster-ai/wooster/runtime/scheduler"
	"github.com/wooster-ai/wooster/runtime/services"
)

// Name is the canonical plugin name used in configuration.
const Name = "gtd"

func init() {
	plugin.Register(Name, func() plugin.Plugin { return &Plugin{} })
}

// Plugin holds the workspace paths resolved at init.
type Plugin struct {
	dir string
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return Name }

// Init resolves the gtd directory under the workspace.
func (p *Plugin) Init(_ context.Context, b *services.Bundle) error {
	p.dir = filepath.Join(b.Config.Workspace, "gtd")
	return os.MkdirAll(filepath.Join(p.dir, "projects"), 0o755)
}

// Tools implements plugin.ToolProvider.
func (p *Plugin) Tools() []*tools.Tool {
	return []*tools.Tool{p.listInboxTool(), p.addNextActionTool(), p.listProjectsTool()}
}

// Tasks seeds the weekly review. Catch-up keeps it to one run per week even
// when the process was down on Monday morning.
func (p *Plugin) Tasks() []scheduler.Item {
	return []scheduler.Item{{
		Description: "GTD weekly review",
		Expression:  "0 9 * * 1",
		Payload:     []byte("Run my GTD weekly review: list open inbox items, stalled projects and suggest next actions."),
		TaskKey:     "gtd.weeklyReview",
		HandlerType: scheduler.AgentPrompt,
		Policy:      scheduler.RunOncePerPeriodCatchUp,
	}}
}

func (p *Plugin) listInboxTool() *tools.Tool {
	return &tools.Tool{
		Name:        "listInbox",
		Description: "List the open items captured in the GTD inbox.",
		InputSchema: tools.ObjectSchema(map[string]any{}),
		Execute: func(ctx context.Context, _ json.RawMessage) (any, error) {
			data, err := os.ReadFile(filepath.Join(p.dir, "inbox.md"))
			if os.IsNotExist(err) {
				return map[string]any{"items": []string{}}, nil
			}
			if err != nil {
				return nil, toolerrors.Errorf("read inbox: %v", err)
			}
			var items []string
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(strings.TrimSpace(line), "- [ ]") {
					items = append(items, strings.TrimSpace(line))
				}
			}
			return map[string]any{"items": items}, nil
		},
	}
}

func (p *Plugin) addNextActionTool() *tools.Tool {
	type args struct {
		Project string `json:"project"`
		Action  string `json:"action"`
	}
	return &tools.Tool{
		Name:        "addNextAction",
		Description: "Add a next action to a GTD project list.",
		InputSchema: tools.ObjectSchema(map[string]any{
			"project": tools.StringProp("Project name."),
			"action":  tools.StringProp("The concrete next action."),
		}, "project", "action"),
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a args
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, toolerrors.Errorf("decode arguments: %v", err)
			}
			name := slugify(a.Project)
			if name == "" {
				return nil, toolerrors.New("project name is required")
			}
			path := filepath.Join(p.dir, "projects", name+".md")
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, toolerrors.Errorf("open project file: %v", err)
			}
			defer f.Close()
			// Task lines always end with a stable id once serialized.
			id := uuid.NewString()
			if _, err := fmt.Fprintf(f, "- [ ] +%s %s (id: %s)\n", name, strings.TrimSpace(a.Action), id); err != nil {
				return nil, toolerrors.Errorf("append action: %v", err)
			}
			return map[string]string{"project": name, "id": id, "status": "added"}, nil
		},
	}
}

func (p *Plugin) listProjectsTool() *tools.Tool {
	return &tools.Tool{
		Name:        "listProjects",
		Description: "List GTD projects and their open action counts.",
		InputSchema: tools.ObjectSchema(map[string]any{}),
		Execute: func(ctx context.Context, _ json.RawMessage) (any, error) {
			entries, err := os.ReadDir(filepath.Join(p.dir, "projects"))
			if os.IsNotExist(err) {
				return map[string]any{"projects": []any{}}, nil
			}
			if err != nil {
				return nil, toolerrors.Errorf("read projects: %v", err)
			}
			type project struct {
				Name string `json:"name"`
				Open int    `json:"open"`
			}
			var projects []project
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
					continue
				}
				data, err := os.ReadFile(filepath.Join(p.dir, "projects", e.Name()))
				if err != nil {
					continue
				}
				open := strings.Count(string(data), "- [ ]")
				projects = append(projects, project{Name: strings.TrimSuffix(e.Name(), ".md"), Open: open})
			}
			return map[string]any{"projects": projects}, nil
		},
	}
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			sb.WriteByte('-')
		}
	}
	return strings.Trim(sb.String(), "-")
}
