// Package tools defines the tool descriptor shared by core components and
// plugins, plus the process-wide tool registry consulted by the agent
// executor. Tool input arguments are validated against the descriptor's JSON
// Schema before execution.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wooster-ai/wooster/runtime/model"
)

type (
	// Tool is the descriptor plus execute function that makes a capability
	// available to the agent. Execute receives the raw JSON arguments
	// generated by the model after schema validation.
	Tool struct {
		// Name is the identifier presented to the model. Names are unique
		// across all enabled tools.
		Name string
		// Description documents the tool for prompting purposes.
		Description string
		// InputSchema is the JSON Schema object for the tool arguments,
		// typically a map[string]any with "type": "object". Nil skips
		// validation.
		InputSchema any
		// Execute runs the tool. Results must be JSON-serializable; errors
		// are returned to the agent as structured observations.
		Execute func(ctx context.Context, args json.RawMessage) (any, error)

		compileOnce sync.Once
		compiled    *jsonschema.Schema
		compileErr  error
	}

	// Origin identifies where a tool came from for collision resolution.
	Origin int

	// Registry collects tools from core components and plugins, enforcing
	// name uniqueness. On collision, core-provided tools win over
	// plugin-provided tools, and earlier-loaded plugins win over later.
	Registry struct {
		mu     sync.RWMutex
		byName map[string]*registered
	}

	registered struct {
		tool   *Tool
		origin Origin
	}
)

// Tool origins, in decreasing precedence.
const (
	// OriginCore marks tools provided by core components.
	OriginCore Origin = iota
	// OriginPlugin marks tools contributed by plugins.
	OriginPlugin
)

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*registered)}
}

// Add registers a tool. It returns false when the name is already taken by a
// tool of equal or higher precedence, in which case the existing registration
// is kept. A core tool replaces a previously added plugin tool of the same
// name.
func (r *Registry) Add(t *Tool, origin Origin) bool {
	if t == nil || t.Name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.byName[t.Name]
	if ok {
		if existing.origin <= origin {
			return false
		}
		// Core wins over a plugin tool registered earlier.
		existing.tool = t
		existing.origin = origin
		return true
	}
	r.byName[t.Name] = &registered{tool: t, origin: origin}
	return true
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// All returns every registered tool sorted by name.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.byName[name].tool)
	}
	return out
}

// Definitions renders every registered tool as a model.ToolDefinition for
// inclusion in completion requests.
func (r *Registry) Definitions() []model.ToolDefinition {
	all := r.All()
	defs := make([]model.ToolDefinition, 0, len(all))
	for _, t := range all {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}

// ValidateArgs checks the raw JSON arguments against the tool's input schema.
// A nil schema accepts any arguments.
func (t *Tool) ValidateArgs(args json.RawMessage) error {
	if t.InputSchema == nil {
		return nil
	}
	t.compileOnce.Do(func() {
		t.compiled, t.compileErr = compileSchema(t.InputSchema)
	})
	if t.compileErr != nil {
		return fmt.Errorf("compile schema for tool %s: %w", t.Name, t.compileErr)
	}
	var doc any
	if len(args) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("tool %s arguments are not valid JSON: %w", t.Name, err)
	}
	if err := t.compiled.Validate(doc); err != nil {
		return fmt.Errorf("tool %s arguments invalid: %w", t.Name, err)
	}
	return nil
}

// compileSchema compiles a JSON Schema document (any JSON-serializable value)
// into a validator.
func compileSchema(schema any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so struct-typed schemas normalize to the
	// map/slice shapes the compiler expects.
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// ObjectSchema is a convenience for the common "object with properties"
// schema shape. required lists the mandatory property names.
func ObjectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProp builds a string property schema with a description.
func StringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
