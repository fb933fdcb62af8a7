// Package agent implements the dual-mode agent executor. A turn runs either
// as a classic tool-calling loop or as a code agent: the model writes a Lua
// script against the tool API, the script runs in a sandbox, and script
// failures are fed back for bounded retries before falling back to the
// classic loop.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wooster-ai/wooster/runtime/agent/sandbox"
	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/config"
	"github.com/wooster-ai/wooster/runtime/model"
	"github.com/wooster-ai/wooster/runtime/router"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

type (
	// Mode selects the execution strategy for a turn.
	Mode string

	// Turn is the outcome of one executed turn.
	Turn struct {
		// Answer is the final assistant text.
		Answer string
		// Messages are the messages appended during the turn, ready to fold
		// into conversation history.
		Messages []model.Message
		// Mode is the strategy that produced the answer.
		Mode Mode
		// Attempts counts code-agent script attempts, zero in classic mode.
		Attempts int
		// FellBack reports that code mode exhausted its attempts and the
		// classic loop finished the turn.
		FellBack bool
	}

	// Executor runs agent turns against the router and tool registry.
	Executor struct {
		router  *router.Router
		tools   *tools.Registry
		box     *sandbox.Sandbox
		cfg     config.CodeAgent
		logger  telemetry.Logger
		metrics telemetry.Metrics

		systemPrompt string
		// logContent enables full prompt/response logging; off by default so
		// personal content stays out of log files.
		logContent bool
	}
)

// Execution modes.
const (
	// ModeClassic runs the conventional tool-calling loop.
	ModeClassic Mode = "classic"
	// ModeCode asks the model for a Lua script and executes it sandboxed.
	ModeCode Mode = "code"
)

// codeAgentInstructions is appended to the system prompt in code mode.
const codeAgentInstructions = `When solving this request, respond with a single Lua script in a fenced
code block. The script may call the available tools as global functions
taking a table argument and returning (result, err). Deliver the final
user-facing text by calling finalAnswer("...") exactly once. Do not use
io, os or require; they are unavailable.`

// fencedBlockRE extracts the first fenced code block, with or without a
// language tag.
var fencedBlockRE = regexp.MustCompile("(?s)```(?:lua)?\\s*\n(.*?)```")

// New wires an executor.
func New(r *router.Router, reg *tools.Registry, box *sandbox.Sandbox, systemPrompt string, cfg config.CodeAgent, logContent bool, logger telemetry.Logger, metrics telemetry.Metrics) *Executor {
	return &Executor{
		router:       r,
		tools:        reg,
		box:          box,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		systemPrompt: systemPrompt,
		logContent:   logContent,
	}
}

// ExecuteTurn runs one turn in the requested mode under the total turn
// deadline. History carries prior turns; input is the new user message.
func (e *Executor) ExecuteTurn(ctx context.Context, input string, history []model.Message, mode Mode) (*Turn, error) {
	if e.cfg.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TotalTimeout)
		defer cancel()
	}
	e.logTurnStart(ctx, input, mode)
	start := time.Now()
	defer func() {
		e.metrics.RecordTimer("agent.turn_latency", time.Since(start), "mode", string(mode))
	}()

	switch mode {
	case ModeCode:
		return e.runCode(ctx, input, history)
	default:
		return e.runClassic(ctx, input, history)
	}
}

// RunScheduled executes an agent-prompt schedule payload: classic mode with
// empty history. It satisfies the scheduler's runner contract.
func (e *Executor) RunScheduled(ctx context.Context, prompt string) (string, error) {
	turn, err := e.ExecuteTurn(ctx, prompt, nil, ModeClassic)
	if err != nil {
		return "", err
	}
	return turn.Answer, nil
}

func (e *Executor) runClassic(ctx context.Context, input string, history []model.Message) (*Turn, error) {
	firstTag := router.TaskToolExecution
	if needsReasoning(input) {
		firstTag = router.TaskComplexReasoning
	}
	loop := &classicLoop{
		router:      e.router,
		tools:       e.tools,
		logger:      e.logger,
		metrics:     e.metrics,
		firstTag:    firstTag,
		tag:         router.TaskToolExecution,
		stepTimeout: e.cfg.StepTimeout,
	}
	messages := e.turnMessages(e.systemPrompt, history, input)
	answer, appended, err := loop.run(ctx, messages)
	if err != nil {
		return nil, err
	}
	turn := &Turn{
		Answer:   answer,
		Messages: append([]model.Message{{Role: model.RoleUser, Content: input}}, appended...),
		Mode:     ModeClassic,
	}
	e.logTurnDone(ctx, turn)
	return turn, nil
}

// runCode drives the script attempt loop: ask for a script, run it, feed
// failures back, and fall back to the classic loop once attempts run out.
func (e *Executor) runCode(ctx context.Context, input string, history []model.Message) (*Turn, error) {
	system := e.systemPrompt + "\n\n" + codeAgentInstructions + "\n\nAvailable tools:\n" + e.toolCatalog()
	messages := e.turnMessages(system, history, input)

	attempts := 0
	for attempts < e.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts++
		resp, err := e.router.Complete(ctx, router.TaskCodeAssistance, model.Request{Messages: messages})
		if err != nil {
			return nil, fmt.Errorf("code completion: %w", err)
		}
		script, ok := extractScript(resp.Content)
		if !ok {
			// The model chose to answer in prose; accept it.
			if text := strings.TrimSpace(resp.Content); text != "" {
				turn := &Turn{
					Answer:   text,
					Messages: turnTranscript(input, text),
					Mode:     ModeCode,
					Attempts: attempts,
				}
				e.logTurnDone(ctx, turn)
				return turn, nil
			}
			messages = append(messages,
				model.Message{Role: model.RoleAssistant, Content: resp.Content},
				model.Message{Role: model.RoleUser, Content: "Respond with exactly one fenced Lua code block."})
			continue
		}

		res, err := e.box.Run(ctx, script)
		if err != nil {
			return nil, fmt.Errorf("sandbox run: %w", err)
		}
		if res.Finished {
			e.metrics.IncCounter("agent.code_turns", 1)
			turn := &Turn{
				Answer:   res.Answer,
				Messages: turnTranscript(input, res.Answer),
				Mode:     ModeCode,
				Attempts: attempts,
			}
			e.logTurnDone(ctx, turn)
			return turn, nil
		}

		feedback := "The script finished without calling finalAnswer."
		if res.Err != nil {
			feedback = res.Err.Error()
		}
		if res.Output != "" {
			feedback += "\nScript output:\n" + res.Output
		}
		e.logger.Debug(ctx, "code attempt failed", "attempt", attempts, "error", feedback)
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: resp.Content},
			model.Message{Role: model.RoleUser, Content: "The script failed:\n" + feedback + "\nFix it and respond with a corrected script."})
	}

	e.metrics.IncCounter("agent.code_fallbacks", 1)
	e.logger.Info(ctx, "code mode exhausted, falling back to classic loop", "attempts", attempts)
	turn, err := e.runClassic(ctx, input, history)
	if err != nil {
		return nil, err
	}
	turn.Mode = ModeCode
	turn.Attempts = attempts
	turn.FellBack = true
	return turn, nil
}

func (e *Executor) turnMessages(system string, history []model.Message, input string) []model.Message {
	messages := make([]model.Message, 0, len(history)+2)
	messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	messages = append(messages, history...)
	return append(messages, model.Message{Role: model.RoleUser, Content: input})
}

// toolCatalog renders a short tool listing for the code-agent prompt.
func (e *Executor) toolCatalog() string {
	var sb strings.Builder
	for _, t := range e.tools.All() {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}
	sb.WriteString("- finalAnswer: deliver the final user-facing text\n")
	return sb.String()
}

func (e *Executor) logTurnStart(ctx context.Context, input string, mode Mode) {
	if e.logContent {
		e.logger.Debug(ctx, "turn started", "mode", string(mode), "input", input)
		return
	}
	e.logger.Debug(ctx, "turn started", "mode", string(mode), "input_len", len(input))
}

func (e *Executor) logTurnDone(ctx context.Context, turn *Turn) {
	if e.logContent {
		e.logger.Debug(ctx, "turn finished", "mode", string(turn.Mode), "answer", turn.Answer, "fell_back", turn.FellBack)
		return
	}
	e.logger.Debug(ctx, "turn finished", "mode", string(turn.Mode), "answer_len", len(turn.Answer), "fell_back", turn.FellBack)
}

// reasoningMarkers are the words and phrases that gate a turn onto the
// reasoning tier. Matching is word-bounded so "anyway" does not trip "why".
var reasoningMarkers = []string{
	"why", "analyze", "analyse", "compare", "evaluate", "explain",
	"plan", "design", "strategy", "tradeoff", "trade-off",
	"step by step", "pros and cons", "think through",
}

// needsReasoning is the lexical gate for the opening completion of a classic
// turn: analytical or multi-step asks route to the reasoning tier, short
// imperative ones stay on the tool-execution tier.
func needsReasoning(input string) bool {
	normalized := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == ' ' || r == '-' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return ' '
	}, input)
	padded := " " + strings.Join(strings.Fields(normalized), " ") + " "
	for _, marker := range reasoningMarkers {
		if strings.Contains(padded, " "+marker+" ") {
			return true
		}
	}
	return len(strings.Fields(normalized)) > 60
}

// extractScript pulls the first fenced code block out of a model response.
func extractScript(content string) (string, bool) {
	m := fencedBlockRE.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	script := strings.TrimSpace(m[1])
	return script, script != ""
}

func turnTranscript(input, answer string) []model.Message {
	return []model.Message{
		{Role: model.RoleUser, Content: input},
		{Role: model.RoleAssistant, Content: answer},
	}
}
