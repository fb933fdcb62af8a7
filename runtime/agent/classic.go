package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wooster-ai/wooster/runtime/agent/toolerrors"
	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/model"
	"github.com/wooster-ai/wooster/runtime/router"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

// maxToolSteps bounds the classic loop so a model stuck re-invoking tools
// cannot spin forever.
const maxToolSteps = 8

// classicLoop is the conventional tool-calling loop: send history plus tool
// schemas, execute requested calls, feed results back, repeat until the
// model produces text.
type classicLoop struct {
	router  *router.Router
	tools   *tools.Registry
	logger  telemetry.Logger
	metrics telemetry.Metrics

	// firstTag routes the opening completion; analytical turns go to the
	// reasoning tier while tool dispatch stays on the execution tier.
	firstTag    router.TaskTag
	tag         router.TaskTag
	stepTimeout time.Duration
}

// run drives the loop to completion. It returns the assistant's final text
// and the messages appended during the turn (assistant tool calls and tool
// results) so the caller can fold them into history.
func (c *classicLoop) run(ctx context.Context, messages []model.Message) (string, []model.Message, error) {
	var appended []model.Message
	defs := c.tools.Definitions()

	for step := 0; step < maxToolSteps; step++ {
		tag := c.tag
		if step == 0 && c.firstTag != "" {
			tag = c.firstTag
		}
		resp, err := c.router.Complete(ctx, tag, model.Request{
			Messages: append(append([]model.Message{}, messages...), appended...),
			Tools:    defs,
		})
		if err != nil {
			return "", appended, fmt.Errorf("model completion: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			appended = append(appended, model.Message{Role: model.RoleAssistant, Content: resp.Content})
			return resp.Content, appended, nil
		}

		appended = append(appended, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result := c.executeCall(ctx, call)
			appended = append(appended, model.Message{
				Role:       model.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	return "", appended, fmt.Errorf("tool loop exceeded %d steps without a final answer", maxToolSteps)
}

// executeCall runs one tool call with a per-step deadline. Failures come
// back as structured tool-error text so the model can correct itself instead
// of aborting the turn.
func (c *classicLoop) executeCall(ctx context.Context, call model.ToolCall) string {
	start := time.Now()
	t, ok := c.tools.Get(call.Name)
	if !ok {
		c.metrics.IncCounter("agent.tool_unknown", 1, "tool", call.Name)
		return toolErrorText(toolerrors.Unavailable(call.Name, "no such tool"))
	}

	stepCtx := ctx
	if c.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, c.stepTimeout)
		defer cancel()
	}

	if err := t.ValidateArgs(call.Arguments); err != nil {
		c.logger.Debug(ctx, "tool argument validation failed", "tool", call.Name, "error", err)
		return toolErrorText(toolerrors.NewWithCause("invalid arguments", toolerrors.FromError(err)))
	}
	out, err := t.Execute(stepCtx, call.Arguments)
	c.metrics.RecordTimer("agent.tool_latency", time.Since(start), "tool", call.Name)
	if err != nil {
		c.metrics.IncCounter("agent.tool_failures", 1, "tool", call.Name)
		c.logger.Warn(ctx, "tool execution failed", "tool", call.Name, "error", err)
		return toolErrorText(toolerrors.FromError(err))
	}
	data, err := json.Marshal(out)
	if err != nil {
		return toolErrorText(toolerrors.Errorf("serialize result: %v", err))
	}
	return string(data)
}

// toolErrorText renders a tool error as JSON the model can parse.
func toolErrorText(err error) string {
	payload := map[string]string{"error": err.Error()}
	data, _ := json.Marshal(payload)
	return string(data)
}
