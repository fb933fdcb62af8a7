// Package dailyreview seeds the morning review schedule. The task is pure
// configuration: it contributes no tools, only a durable catch-up schedule
// whose prompt runs through the agent.
package dailyreview

import (
	"github.com/wooster-ai/wooster/runtime/plugin"
	"github.com/wooster-ai/wooster/runtime/scheduler"
)

// Name is the canonical plugin name used in configuration.
const Name = "dailyreview"

func init() {
	plugin.Register(Name, func() plugin.Plugin { return &Plugin{} })
}

// Plugin is stateless.
type Plugin struct{}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return Name }

// Tasks seeds the daily review. Catch-up guarantees exactly one review per
// day even when the machine was asleep at seven.
func (p *Plugin) Tasks() []scheduler.Item {
	return []scheduler.Item{{
		Description: "Morning daily review",
		Expression:  "0 7 * * *",
		Payload:     []byte("Prepare my daily review: today's schedule, open inbox items, and anything from yesterday's notes that needs follow-up."),
		TaskKey:     "system.dailyReview",
		HandlerType: scheduler.AgentPrompt,
		Policy:      scheduler.RunOncePerPeriodCatchUp,
	}}
}
