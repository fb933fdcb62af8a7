// Package sandbox executes code-agent scripts in an embedded Lua VM. The VM
// is stripped down to pure computation plus the registered agent tools: no
// io, no os, no require, no file loading. Scripts observe tool results as
// plain Lua tables and finish by calling finalAnswer.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/wooster-ai/wooster/runtime/agent/tools"
	"github.com/wooster-ai/wooster/runtime/config"
	"github.com/wooster-ai/wooster/runtime/telemetry"
)

type (
	// Result is the outcome of one script execution.
	Result struct {
		// Answer is the text passed to finalAnswer. Empty when the script
		// never called it.
		Answer string
		// Finished reports whether finalAnswer was called.
		Finished bool
		// Output is the captured print output, truncated to the configured
		// limit.
		Output string
		// Err is the Lua runtime error, if the script failed.
		Err error
	}

	// Sandbox runs scripts against a tool registry under the configured
	// resource bounds. It is stateless between runs; every script gets a
	// fresh VM.
	Sandbox struct {
		tools   *tools.Registry
		cfg     config.CodeAgent
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// truncationMarker terminates output that hit the length limit.
const truncationMarker = "\n[output truncated]"

// New returns a sandbox over the given tool registry.
func New(reg *tools.Registry, cfg config.CodeAgent, logger telemetry.Logger, metrics telemetry.Metrics) *Sandbox {
	return &Sandbox{tools: reg, cfg: cfg, logger: logger, metrics: metrics}
}

// Run executes one script. The VM is bounded by the step timeout and the
// memory limit; tool calls inherit the script's context. A script error is
// reported in Result.Err rather than as a Go error so callers can feed it
// back to the model for another attempt.
func (s *Sandbox) Run(ctx context.Context, script string) (*Result, error) {
	if s.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StepTimeout)
		defer cancel()
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	if s.cfg.MemoryLimitMB > 0 {
		L.SetMx(s.cfg.MemoryLimitMB)
	}
	s.openSafeLibs(L)

	res := &Result{}
	var out strings.Builder
	s.installPrint(L, &out)
	s.installFinalAnswer(L, res)
	s.installTools(ctx, L)

	start := time.Now()
	err := L.DoString(script)
	s.metrics.RecordTimer("sandbox.run_latency", time.Since(start))
	res.Output = truncate(out.String(), s.cfg.MaxOutputLength)
	if err != nil && !res.Finished {
		s.metrics.IncCounter("sandbox.script_errors", 1)
		res.Err = fmt.Errorf("script error: %w", err)
	}
	return res, nil
}

// openSafeLibs loads the pure-computation standard libraries and strips the
// escape hatches base brings along.
func (s *Sandbox) openSafeLibs(L *lua.LState) {
	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(open.fn))
		L.Push(lua.LString(open.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage", "rawget", "rawset", "getfenv", "setfenv"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// installPrint captures print into the output buffer. Once the buffer
// reaches the limit further writes are dropped.
func (s *Sandbox) installPrint(L *lua.LState, out *strings.Builder) {
	limit := s.cfg.MaxOutputLength
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		if limit > 0 && out.Len() >= limit {
			return 0
		}
		top := L.GetTop()
		parts := make([]string, top)
		for i := 1; i <= top; i++ {
			parts[i-1] = L.ToStringMeta(L.Get(i)).String()
		}
		out.WriteString(strings.Join(parts, "\t"))
		out.WriteByte('\n')
		return 0
	}))
}

// installFinalAnswer records the answer on the first call and stops the
// script by raising. The raise is interceptible by pcall, so the stop is
// best-effort; the first-call guard is what protects the answer: any later
// invocation raises a tool error without touching the recorded result.
func (s *Sandbox) installFinalAnswer(L *lua.LState, res *Result) {
	L.SetGlobal("finalAnswer", L.NewFunction(func(L *lua.LState) int {
		text := L.CheckString(1)
		if res.Finished {
			L.RaiseError("tool error: finalAnswer already called")
			return 0
		}
		res.Answer = text
		res.Finished = true
		L.RaiseError("final answer delivered")
		return 0
	}))
}

// installTools exposes every registered tool as a global Lua function. A
// tool takes one table argument and returns (result, nil) on success or
// (nil, errorString) on failure, the conventional Lua error pattern.
func (s *Sandbox) installTools(ctx context.Context, L *lua.LState) {
	for _, t := range s.tools.All() {
		tool := t
		L.SetGlobal(tool.Name, L.NewFunction(func(L *lua.LState) int {
			args := map[string]any{}
			if L.GetTop() >= 1 {
				if tbl, ok := L.Get(1).(*lua.LTable); ok {
					args, _ = luaToGo(tbl).(map[string]any)
				}
			}
			raw, err := json.Marshal(args)
			if err != nil {
				return pushToolError(L, err)
			}
			if err := tool.ValidateArgs(raw); err != nil {
				return pushToolError(L, err)
			}
			out, err := tool.Execute(ctx, raw)
			if err != nil {
				s.metrics.IncCounter("sandbox.tool_failures", 1, "tool", tool.Name)
				return pushToolError(L, err)
			}
			L.Push(goToLua(L, capResult(normalizeJSON(out), s.cfg.MaxOutputLength)))
			L.Push(lua.LNil)
			return 2
		}))
	}
}

func pushToolError(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// capResult bounds every string in a tool result to the output limit before
// it becomes visible inside the VM, so a tool returning megabytes of text
// cannot flood the script.
func capResult(v any, limit int) any {
	if limit <= 0 {
		return v
	}
	switch val := v.(type) {
	case string:
		return truncate(val, limit)
	case []any:
		for i, item := range val {
			val[i] = capResult(item, limit)
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = capResult(item, limit)
		}
		return val
	default:
		return v
	}
}

// normalizeJSON round-trips a tool result through JSON so arbitrary Go
// structs become the maps and slices goToLua understands.
func normalizeJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		// Arrays become slices, everything else maps.
		maxN := val.MaxN()
		if maxN > 0 {
			out := make([]any, 0, maxN)
			for i := 1; i <= maxN; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := map[string]any{}
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = luaToGo(item)
		})
		return out
	default:
		return v.String()
	}
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + truncationMarker
}
