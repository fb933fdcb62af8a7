// Package model provides provider-agnostic interfaces for the chat and
// embedding clients used by the router and the agent executor. It defines a
// normalized abstraction over completion APIs (OpenAI, Anthropic,
// OpenAI-compatible local servers) so callers can invoke models without
// coupling to specific SDKs. Implementations translate these normalized types
// into provider-specific formats.
package model

import (
	"context"
	"errors"
)

type (
	// Client defines the contract used to invoke chat completions.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use and
	// reusable across turns.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response. Returns an error if the model is
		// unavailable, quota is exceeded, or the request is malformed.
		Complete(ctx context.Context, req Request) (Response, error)

		// Ping performs a lightweight liveness probe against the provider. For
		// OpenAI-compatible servers this is a model-listing call with a short
		// timeout. A nil return marks the provider healthy.
		Ping(ctx context.Context) error
	}

	// Embedder produces dense vectors for text inputs. Implementations batch
	// provider calls; the returned slice is index-aligned with texts.
	Embedder interface {
		// Embed returns one vector per input text.
		Embed(ctx context.Context, texts []string) ([][]float32, error)

		// Identity reports the embedding model identifier and its dimension.
		// The knowledge base persists this next to the vector index and
		// refuses to reinterpret vectors produced by a different identity.
		Identity() (model string, dims int)
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier (e.g. "gpt-4o-mini", "claude-sonnet-4-5").
		Model string

		// Messages is the ordered chat history, including system prompts,
		// user inputs and prior assistant responses.
		Messages []Message

		// Temperature controls sampling temperature. Zero means greedy
		// decoding.
		Temperature float64

		// Tools describes the tool schemas exposed to the model for function
		// calling. Empty if the model should not invoke tools.
		Tools []ToolDefinition

		// MaxTokens caps the number of completion tokens. Zero means the
		// provider default.
		MaxTokens int
	}

	// Response wraps the generated content and any tool call requests.
	Response struct {
		// Content is the assistant text. Empty if the model only requested
		// tool calls.
		Content string

		// ToolCalls lists tool invocations requested by the model. Empty if
		// the model produced a final text response.
		ToolCalls []ToolCall

		// Usage reports token usage when the provider makes it available.
		Usage TokenUsage

		// StopReason explains why the model stopped generating. Values are
		// provider-specific and may be empty.
		StopReason string
	}

	// Message mirrors an LLM chat message with role and content.
	Message struct {
		// Role is "system", "user", "assistant" or "tool".
		Role string

		// Content is the message text.
		Content string

		// ToolCalls carries the tool invocations an assistant message
		// requested, so providers that require the call/result handshake in
		// history can re-encode it faithfully. Only set on assistant messages.
		ToolCalls []ToolCall

		// ToolCallID links a "tool" role message back to the call it answers.
		ToolCallID string
	}

	// ToolDefinition describes a tool schema passed to model providers for
	// function calling. The model uses the name and description to decide when
	// to invoke the tool and the schema to generate valid arguments.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string

		// Description documents the tool for prompting purposes.
		Description string

		// InputSchema is the JSON Schema object describing the tool's input
		// parameters, typically a map[string]any with "type": "object".
		InputSchema any
	}

	// ToolCall captures a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider-assigned call identifier, echoed back in the
		// tool result message.
		ID string

		// Name identifies which tool should be invoked.
		Name string

		// Arguments carries the raw JSON arguments generated by the model.
		Arguments []byte
	}

	// TokenUsage records prompt/completion token counts when reported.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int

		// OutputTokens counts tokens produced in this completion.
		OutputTokens int

		// TotalTokens is the aggregate; prefer it over summing when set.
		TotalTokens int
	}
)

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrUnavailable indicates the provider rejected or could not serve the
// request for availability reasons (connection refused, 5xx, quota).
var ErrUnavailable = errors.New("model: provider unavailable")
