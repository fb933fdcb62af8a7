// Package openai provides model.Client and model.Embedder implementations
// backed by the OpenAI API (or any OpenAI-compatible server such as a local
// llama.cpp/Ollama endpoint) using github.com/openai/openai-go/v2. It translates
// normalized requests into Chat Completions calls and maps responses (text,
// tool calls, usage) back into the generic router structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/wooster-ai/wooster/runtime/model"
)

type (
	// Options configures the OpenAI adapter.
	Options struct {
		// APIKey authenticates against the provider. May be empty for local
		// OpenAI-compatible servers that do not check credentials.
		APIKey string

		// BaseURL points the client at an OpenAI-compatible endpoint. Empty
		// uses the official OpenAI API.
		BaseURL string

		// DefaultModel is the chat model identifier used when Request.Model
		// is empty.
		DefaultModel string

		// EmbeddingModel is the embedding model identifier used by Embed.
		EmbeddingModel string

		// EmbeddingDims is the dimension reported by Identity. Required when
		// the adapter is used as an Embedder.
		EmbeddingDims int

		// PingTimeout bounds the health probe's model-listing call. Zero
		// means 5 seconds.
		PingTimeout time.Duration
	}

	// Client implements model.Client and model.Embedder via the OpenAI API.
	Client struct {
		sdk         sdk.Client
		chatModel   string
		embedModel  string
		embedDims   int
		pingTimeout time.Duration
	}
)

// New builds an OpenAI-backed client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	return &Client{
		sdk:         sdk.NewClient(reqOpts...),
		chatModel:   opts.DefaultModel,
		embedModel:  opts.EmbeddingModel,
		embedDims:   opts.EmbeddingDims,
		pingTimeout: pingTimeout,
	}, nil
}

// Complete renders a chat completion using the configured client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.chatModel
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return model.Response{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}
	if toolParams, err := encodeTools(req.Tools); err != nil {
		return model.Response{}, err
	} else if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp), nil
}

// Ping probes the provider with a lightweight model-listing call. For local
// OpenAI-compatible servers this hits /v1/models with a short timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	if _, err := c.sdk.Models.List(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

// Embed returns one embedding vector per input text.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.embedModel == "" {
		return nil, errors.New("openai: embedding model not configured")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.sdk.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(c.embedModel),
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}

// Identity reports the embedding model identifier and dimension.
func (c *Client) Identity() (string, int) {
	return c.embedModel, c.embedDims
}

func encodeMessages(msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			assistant := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content.OfString = sdk.String(m.Content)
			}
			for _, call := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
						ID: call.ID,
						Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      call.Name,
							Arguments: string(call.Arguments),
						},
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case model.RoleTool:
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ChatCompletionToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		var params shared.FunctionParameters
		if def.InputSchema != nil {
			data, err := json.Marshal(def.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
			}
			if err := json.Unmarshal(data, &params); err != nil {
				return nil, fmt.Errorf("tool %s schema is not an object: %w", def.Name, err)
			}
		}
		fn := shared.FunctionDefinitionParam{Name: def.Name, Parameters: params}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		out = append(out, sdk.ChatCompletionFunctionTool(fn))
	}
	return out, nil
}

func translateResponse(resp *sdk.ChatCompletion) model.Response {
	out := model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.StopReason = string(choice.FinishReason)
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: []byte(call.Function.Arguments),
		})
	}
	return out
}
