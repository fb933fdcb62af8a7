// Package coretools registers the built-in agent tools: knowledge base
// retrieval, note writing, inbox capture, scheduling and health logging.
// Core tools win name collisions against plugin tools.
package coretools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wooster-ai/wooster/runtime/agent/toolerrors"
	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/kb"
	"github.com/wooster-ai/wooster/runtime/scheduler"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

// Deps are the services the core tools close over.
type Deps struct {
	KB        *kb.Service
	Scheduler *scheduler.Scheduler
	Workspace string
	Logger    telemetry.Logger
}

// Register adds every core tool to the registry.
func Register(reg *tools.Registry, d Deps) {
	for _, t := range []*tools.Tool{
		queryRAGTool(d),
		writeNoteTool(d),
		captureToInboxTool(d),
		scheduleTool(d),
		logHealthEventTool(d),
	} {
		reg.Add(t, tools.OriginCore)
	}
}

type (
	queryRAGArgs struct {
		Query     string `json:"query"`
		Namespace string `json:"namespace"`
		TopK      int    `json:"topK"`
	}

	writeNoteArgs struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}

	captureArgs struct {
		Text string `json:"text"`
	}

	scheduleArgs struct {
		Description string `json:"description"`
		Expression  string `json:"expression"`
		Prompt      string `json:"prompt"`
		TaskKey     string `json:"taskKey"`
		Policy      string `json:"policy"`
	}

	healthEventArgs struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
		Note  string `json:"note"`
	}
)

func queryRAGTool(d Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "queryRAG",
		Description: "Search the knowledge base and return relevant passages with citations.",
		InputSchema: tools.ObjectSchema(map[string]any{
			"query":     tools.StringProp("What to search for."),
			"namespace": tools.StringProp("Optional namespace to search, e.g. notes or profile."),
			"topK":      map[string]any{"type": "integer", "description": "Maximum passages to return."},
		}, "query"),
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args queryRAGArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, toolerrors.Errorf("decode arguments: %v", err)
			}
			res, err := d.KB.Query(ctx, args.Query, kb.QueryOptions{
				Namespace:      args.Namespace,
				TopK:           args.TopK,
				ForceRetrieval: true,
			})
			if err != nil {
				return nil, toolerrors.NewWithCause("knowledge base query failed", err)
			}
			type passage struct {
				Text     string  `json:"text"`
				Path     string  `json:"path"`
				Start    int     `json:"start"`
				End      int     `json:"end"`
				Score    float64 `json:"score"`
				Expanded bool    `json:"expanded,omitempty"`
			}
			out := struct {
				Passages []passage `json:"passages"`
				TraceID  string    `json:"traceId"`
				Degraded bool      `json:"degraded,omitempty"`
			}{TraceID: res.TraceID, Degraded: res.Degraded}
			for _, c := range res.Contexts {
				out.Passages = append(out.Passages, passage{
					Text:     c.Block.Text,
					Path:     c.Citation.Path,
					Start:    c.Citation.Start,
					End:      c.Citation.End,
					Score:    c.Score,
					Expanded: c.Expanded,
				})
			}
			return out, nil
		},
	}
}

func writeNoteTool(d Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "writeNote",
		Description: "Create or update a Markdown note inside the workspace.",
		InputSchema: tools.ObjectSchema(map[string]any{
			"path":    tools.StringProp("Workspace-relative note path ending in .md."),
			"content": tools.StringProp("Markdown content to write."),
			"append":  map[string]any{"type": "boolean", "description": "Append instead of overwrite."},
		}, "path", "content"),
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args writeNoteArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, toolerrors.Errorf("decode arguments: %v", err)
			}
			path, err := workspacePath(d.Workspace, args.Path)
			if err != nil {
				return nil, err
			}
			if !strings.HasSuffix(path, ".md") {
				return nil, toolerrors.New("note path must end in .md")
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, toolerrors.Errorf("create note directory: %v", err)
			}
			if args.Append {
				err = appendFile(path, args.Content)
			} else {
				err = os.WriteFile(path, []byte(args.Content), 0o644)
			}
			if err != nil {
				return nil, toolerrors.Errorf("write note: %v", err)
			}
			d.Logger.Info(ctx, "note written", "path", path, "append", args.Append)
			return map[string]string{"path": path, "status": "written"}, nil
		},
	}
}

func captureToInboxTool(d Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "captureToInbox",
		Description: "Capture a quick thought or task into the inbox for later triage.",
		InputSchema: tools.ObjectSchema(map[string]any{
			"text": tools.StringProp("The thought or task to capture."),
		}, "text"),
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args captureArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, toolerrors.Errorf("decode arguments: %v", err)
			}
			text := strings.TrimSpace(args.Text)
			if text == "" {
				return nil, toolerrors.New("nothing to capture")
			}
			path := filepath.Join(d.Workspace, "gtd", "inbox.md")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, toolerrors.Errorf("create inbox directory: %v", err)
			}
			entry := fmt.Sprintf("- [ ] %s %s\n", time.Now().Format("2006-01-02 15:04:05"), text)
			if err := appendFile(path, entry); err != nil {
				return nil, toolerrors.Errorf("append to inbox: %v", err)
			}
			return map[string]string{"status": "captured"}, nil
		},
	}
}

func scheduleTool(d Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "schedule",
		Description: "Create a durable schedule: a cron expression for recurring tasks or an RFC 3339 instant for one-off reminders. The prompt runs through the agent when the schedule fires.",
		InputSchema: tools.ObjectSchema(map[string]any{
			"description": tools.StringProp("Human-readable description of the schedule."),
			"expression":  tools.StringProp("Five-field cron expression or RFC 3339 timestamp."),
			"prompt":      tools.StringProp("Agent prompt to execute when the schedule fires."),
			"taskKey":     tools.StringProp("Optional stable key; defaults to a generated one."),
			"policy":      tools.StringProp("Missed-firing policy: SKIP_MISSED, RUN_IMMEDIATELY_IF_MISSED or RUN_ONCE_PER_PERIOD_CATCH_UP."),
		}, "description", "expression", "prompt"),
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args scheduleArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, toolerrors.Errorf("decode arguments: %v", err)
			}
			policy := scheduler.ExecutionPolicy(args.Policy)
			if args.Policy == "" {
				policy = scheduler.SkipMissed
			}
			taskKey := args.TaskKey
			if taskKey == "" {
				taskKey = "agent." + sanitizeKey(args.Description) + "." + time.Now().Format("20060102T150405")
			}
			id, err := d.Scheduler.Create(ctx, scheduler.Item{
				Description: args.Description,
				Expression:  args.Expression,
				Payload:     []byte(args.Prompt),
				TaskKey:     taskKey,
				HandlerType: scheduler.AgentPrompt,
				Policy:      policy,
			})
			if err != nil {
				return nil, toolerrors.NewWithCause("create schedule", err)
			}
			return map[string]string{"id": id, "taskKey": taskKey}, nil
		},
	}
}

func logHealthEventTool(d Deps) *tools.Tool {
	return &tools.Tool{
		Name:        "logHealthEvent",
		Description: "Record a health observation (sleep, exercise, mood, symptom) in the health log.",
		InputSchema: tools.ObjectSchema(map[string]any{
			"kind":  tools.StringProp("Event kind, e.g. sleep, exercise, mood, symptom."),
			"value": tools.StringProp("Measured value, e.g. 7h30m or 5km."),
			"note":  tools.StringProp("Optional free-form note."),
		}, "kind"),
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args healthEventArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, toolerrors.Errorf("decode arguments: %v", err)
			}
			path := filepath.Join(d.Workspace, "health", "log.md")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, toolerrors.Errorf("create health directory: %v", err)
			}
			entry := fmt.Sprintf("- %s | %s", time.Now().Format(time.RFC3339), args.Kind)
			if args.Value != "" {
				entry += " | " + args.Value
			}
			if args.Note != "" {
				entry += " | " + args.Note
			}
			if err := appendFile(path, entry+"\n"); err != nil {
				return nil, toolerrors.Errorf("append health event: %v", err)
			}
			return map[string]string{"status": "logged"}, nil
		},
	}
}

// workspacePath resolves a workspace-relative path and rejects traversal
// outside the workspace root.
func workspacePath(workspace, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", toolerrors.New("path must be workspace-relative")
	}
	joined := filepath.Join(workspace, rel)
	root := filepath.Clean(workspace)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", toolerrors.New("path escapes the workspace")
	}
	return joined, nil
}

func appendFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

func sanitizeKey(s string) string {
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
	key := strings.Trim(sb.String(), "-")
	if key == "" {
		key = "task"
	}
	if len(key) > 40 {
		key = key[:40]
	}
	return key
}
