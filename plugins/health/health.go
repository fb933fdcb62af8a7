// Package health implements the health-tracking plugin: reading back the
// health log the core logHealthEvent tool writes, plus a nightly summary
// schedule.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wooster-ai/wooster/runtime/agent/toolerrors"
	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/plugin"
	"github.com/wooster-ai/wooster/runtime/scheduler"
	"github.com/wooster-ai/wooster/runtime/services"
)

// Name is the canonical plugin name used in configuration.
const Name = "health"

func init() {
	plugin.Register(Name, func() plugin.Plugin { return &Plugin{} })
}

// Plugin reads the health log under the workspace.
type Plugin struct {
	logPath     string
	summaryPath string
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return Name }

// Init resolves the health file paths.
func (p *Plugin) Init(_ context.Context, b *services.Bundle) error {
	dir := filepath.Join(b.Config.Workspace, "health")
	p.logPath = filepath.Join(dir, "log.md")
	p.summaryPath = filepath.Join(dir, "summary.md")
	return nil
}

// Tools implements plugin.ToolProvider.
func (p *Plugin) Tools() []*tools.Tool {
	return []*tools.Tool{p.recentHealthEventsTool()}
}

// Tasks seeds the nightly summary. Missed nights are skipped; a summary of
// a stale day has no value the next evening.
func (p *Plugin) Tasks() []scheduler.Item {
	return []scheduler.Item{{
		Description: "Nightly health summary",
		Expression:  "30 21 * * *",
		TaskKey:     "health.nightlySummary",
		HandlerType: scheduler.DirectHandler,
		Policy:      scheduler.SkipMissed,
	}}
}

// DirectHandlers implements plugin.DirectHandlerProvider. The summary is a
// pure file transformation, so it runs as a direct handler instead of
// spending a model call.
func (p *Plugin) DirectHandlers() map[string]scheduler.DirectHandlerFunc {
	return map[string]scheduler.DirectHandlerFunc{
		"health.nightlySummary": p.writeNightlySummary,
	}
}

// writeNightlySummary appends one line per day to the summary file: the date
// and today's event count per kind. An absent log yields an empty summary
// line rather than an error.
func (p *Plugin) writeNightlySummary(_ context.Context, _ []byte) error {
	today := time.Now().Format("2006-01-02")
	counts := map[string]int{}
	var kinds []string

	data, err := os.ReadFile(p.logPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read health log: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		fields := strings.SplitN(strings.TrimPrefix(line, "- "), " | ", 3)
		if len(fields) < 2 || !strings.HasPrefix(strings.TrimSpace(fields[0]), today) {
			continue
		}
		kind := strings.TrimSpace(fields[1])
		if counts[kind] == 0 {
			kinds = append(kinds, kind)
		}
		counts[kind]++
	}
	sort.Strings(kinds)

	entry := "- " + today + ": no events recorded\n"
	if len(kinds) > 0 {
		parts := make([]string, len(kinds))
		for i, k := range kinds {
			parts[i] = fmt.Sprintf("%s %d", k, counts[k])
		}
		entry = fmt.Sprintf("- %s: %s\n", today, strings.Join(parts, ", "))
	}

	if err := os.MkdirAll(filepath.Dir(p.summaryPath), 0o755); err != nil {
		return fmt.Errorf("create health directory: %w", err)
	}
	f, err := os.OpenFile(p.summaryPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open summary: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append summary: %w", err)
	}
	return nil
}

func (p *Plugin) recentHealthEventsTool() *tools.Tool {
	type args struct {
		Days int    `json:"days"`
		Kind string `json:"kind"`
	}
	return &tools.Tool{
		Name:        "recentHealthEvents",
		Description: "List recent health log entries, optionally filtered by kind.",
		InputSchema: tools.ObjectSchema(map[string]any{
			"days": map[string]any{"type": "integer", "description": "Lookback window in days, default 7."},
			"kind": tools.StringProp("Optional event kind filter, e.g. sleep or exercise."),
		}),
		Execute: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a args
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, toolerrors.Errorf("decode arguments: %v", err)
			}
			if a.Days <= 0 {
				a.Days = 7
			}
			data, err := os.ReadFile(p.logPath)
			if os.IsNotExist(err) {
				return map[string]any{"events": []string{}}, nil
			}
			if err != nil {
				return nil, toolerrors.Errorf("read health log: %v", err)
			}
			cutoff := time.Now().AddDate(0, 0, -a.Days)
			var events []string
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "- ") {
					continue
				}
				fields := strings.SplitN(strings.TrimPrefix(line, "- "), " | ", 4)
				if len(fields) < 2 {
					continue
				}
				ts, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[0]))
				if err != nil || ts.Before(cutoff) {
					continue
				}
				if a.Kind != "" && !strings.EqualFold(strings.TrimSpace(fields[1]), a.Kind) {
					continue
				}
				events = append(events, line)
			}
			return map[string]any{"events": events}, nil
		},
	}
}
