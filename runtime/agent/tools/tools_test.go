package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes input",
		InputSchema: ObjectSchema(map[string]any{
			"text": StringProp("text to echo"),
		}, "text"),
		Execute: func(_ context.Context, args json.RawMessage) (any, error) {
			return string(args), nil
		},
	}
}

func TestRegistry_CoreWinsCollision(t *testing.T) {
	r := NewRegistry()

	require.True(t, r.Add(echoTool("echo"), OriginPlugin))
	core := echoTool("echo")
	require.True(t, r.Add(core, OriginCore))

	got, ok := r.Get("echo")
	require.True(t, ok)
	require.Same(t, core, got)

	// A later plugin tool cannot displace the core one.
	require.False(t, r.Add(echoTool("echo"), OriginPlugin))
	got, _ = r.Get("echo")
	require.Same(t, core, got)
}

func TestRegistry_AllSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.True(t, r.Add(echoTool(name), OriginCore))
	}
	all := r.All()
	require.Len(t, all, 3)
	require.Equal(t, "alpha", all[0].Name)
	require.Equal(t, "mid", all[1].Name)
	require.Equal(t, "zeta", all[2].Name)
}

func TestRegistry_Definitions(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.Add(echoTool("echo"), OriginCore))
	defs := r.Definitions()
	require.Len(t, defs, 1)
	require.Equal(t, "echo", defs[0].Name)
	require.NotNil(t, defs[0].InputSchema)
}

func TestValidateArgs(t *testing.T) {
	tool := echoTool("echo")

	require.NoError(t, tool.ValidateArgs(json.RawMessage(`{"text":"hi"}`)))
	require.Error(t, tool.ValidateArgs(json.RawMessage(`{}`)), "missing required property")
	require.Error(t, tool.ValidateArgs(json.RawMessage(`{"text":42}`)), "wrong type")
	require.Error(t, tool.ValidateArgs(json.RawMessage(`{"text":"hi","extra":true}`)), "additional property")
}

func TestValidateArgs_NilSchemaAcceptsAnything(t *testing.T) {
	tool := &Tool{
		Name: "free",
		Execute: func(context.Context, json.RawMessage) (any, error) {
			return nil, nil
		},
	}
	require.NoError(t, tool.ValidateArgs(json.RawMessage(`{"whatever":1}`)))
}
