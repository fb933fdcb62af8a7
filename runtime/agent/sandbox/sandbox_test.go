package sandbox

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/config"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

func testSandbox(t *testing.T, reg *tools.Registry, cfg config.CodeAgent) *Sandbox {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	return New(reg, cfg, telemetry.NoopLogger{}, telemetry.NoopMetrics{})
}

func TestRun_FinalAnswerStopsScript(t *testing.T) {
	box := testSandbox(t, nil, config.CodeAgent{MaxOutputLength: 1024})

	res, err := box.Run(context.Background(), `
		print("before")
		finalAnswer("42")
		print("after")
	`)
	require.NoError(t, err)
	require.True(t, res.Finished)
	require.Equal(t, "42", res.Answer)
	require.NoError(t, res.Err)
	require.Contains(t, res.Output, "before")
	require.NotContains(t, res.Output, "after")
}

func TestRun_FirstFinalAnswerWins(t *testing.T) {
	box := testSandbox(t, nil, config.CodeAgent{})

	// A script can intercept the stop raise with pcall and keep running;
	// later calls must not overwrite the recorded answer.
	res, err := box.Run(context.Background(), `
		pcall(finalAnswer, "first")
		pcall(finalAnswer, "second")
		finalAnswer("third")
	`)
	require.NoError(t, err)
	require.True(t, res.Finished)
	require.Equal(t, "first", res.Answer)
	require.NoError(t, res.Err)
}

func TestRun_SecondFinalAnswerRaisesToolError(t *testing.T) {
	box := testSandbox(t, nil, config.CodeAgent{})

	res, err := box.Run(context.Background(), `
		pcall(finalAnswer, "first")
		local ok, err = pcall(finalAnswer, "second")
		if not ok and string.find(tostring(err), "already called") then
			print("second rejected")
		end
	`)
	require.NoError(t, err)
	require.Equal(t, "first", res.Answer)
	require.Contains(t, res.Output, "second rejected")
}

func TestRun_ToolOutputCapped(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Add(&tools.Tool{
		Name: "bigDump",
		Execute: func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{"body": strings.Repeat("x", 1<<20)}, nil
		},
	}, tools.OriginCore)
	box := testSandbox(t, reg, config.CodeAgent{MaxOutputLength: 256})

	res, err := box.Run(context.Background(), `
		local out = bigDump({})
		finalAnswer(tostring(#out.body))
	`)
	require.NoError(t, err)
	n, convErr := strconv.Atoi(res.Answer)
	require.NoError(t, convErr)
	require.LessOrEqual(t, n, 256+len(truncationMarker))
}

func TestRun_ScriptErrorReported(t *testing.T) {
	box := testSandbox(t, nil, config.CodeAgent{})

	res, err := box.Run(context.Background(), `error("boom")`)
	require.NoError(t, err)
	require.False(t, res.Finished)
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "boom")
}

func TestRun_EscapeHatchesRemoved(t *testing.T) {
	box := testSandbox(t, nil, config.CodeAgent{})

	for _, name := range []string{"io", "os", "require", "dofile", "loadfile", "load", "loadstring", "collectgarbage"} {
		res, err := box.Run(context.Background(), `
			if `+name+` == nil then finalAnswer("gone") end
			finalAnswer("present")
		`)
		require.NoError(t, err)
		require.True(t, res.Finished)
		require.Equal(t, "gone", res.Answer, "global %q should be removed", name)
	}
}

func TestRun_PureLibsAvailable(t *testing.T) {
	box := testSandbox(t, nil, config.CodeAgent{})

	res, err := box.Run(context.Background(), `
		local parts = {}
		for w in string.gmatch("a,b,c", "[^,]+") do table.insert(parts, w) end
		finalAnswer(table.concat(parts, "-") .. " " .. tostring(math.floor(2.9)))
	`)
	require.NoError(t, err)
	require.Equal(t, "a-b-c 2", res.Answer)
}

func TestRun_ToolCallRoundTrip(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Add(&tools.Tool{
		Name:        "lookup",
		Description: "returns structured data",
		InputSchema: tools.ObjectSchema(map[string]any{
			"key": tools.StringProp("lookup key"),
		}, "key"),
		Execute: func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Key string `json:"key"`
			}
			require.NoError(t, json.Unmarshal(args, &in))
			return map[string]any{"key": in.Key, "values": []int{1, 2, 3}}, nil
		},
	}, tools.OriginCore)
	box := testSandbox(t, reg, config.CodeAgent{})

	res, err := box.Run(context.Background(), `
		local out, err = lookup({key = "alpha"})
		if err then finalAnswer("err: " .. err) end
		finalAnswer(out.key .. ":" .. tostring(out.values[2]))
	`)
	require.NoError(t, err)
	require.Equal(t, "alpha:2", res.Answer)
}

func TestRun_ToolValidationErrorAsLuaError(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Add(&tools.Tool{
		Name:        "strict",
		InputSchema: tools.ObjectSchema(map[string]any{"key": tools.StringProp("k")}, "key"),
		Execute: func(context.Context, json.RawMessage) (any, error) {
			t.Fatal("execute must not run on invalid args")
			return nil, nil
		},
	}, tools.OriginCore)
	box := testSandbox(t, reg, config.CodeAgent{})

	res, err := box.Run(context.Background(), `
		local out, err = strict({})
		if out == nil and err ~= nil then finalAnswer("rejected") end
		finalAnswer("accepted")
	`)
	require.NoError(t, err)
	require.Equal(t, "rejected", res.Answer)
}

func TestRun_OutputTruncated(t *testing.T) {
	box := testSandbox(t, nil, config.CodeAgent{MaxOutputLength: 64})

	res, err := box.Run(context.Background(), `
		for i = 1, 100 do print(string.rep("x", 20)) end
	`)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(res.Output, truncationMarker))
	require.LessOrEqual(t, len(res.Output), 64+len(truncationMarker))
}

func TestRun_StepTimeoutStopsInfiniteLoop(t *testing.T) {
	box := testSandbox(t, nil, config.CodeAgent{StepTimeout: 100 * time.Millisecond})

	start := time.Now()
	res, err := box.Run(context.Background(), `while true do end`)
	require.NoError(t, err)
	require.Error(t, res.Err)
	require.Less(t, time.Since(start), 5*time.Second)
}
