// Package toolkit builds tool catalogs from typed Go functions. Input
// schemas are reflected from argument structs with invopop/jsonschema and
// down-converted to the simplified MCP schema shape.
package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/commsio/mcp-gateway/dispatcher"
	"github.com/commsio/mcp-gateway/mcp"
)

// Handler executes a tool invocation against raw JSON arguments.
type Handler func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)

// Tool pairs an MCP tool descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    Handler
}

// NewTool constructs a tool whose arguments decode directly into A. Unknown
// argument fields are rejected.
func NewTool[A any](name, description string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error)) Tool {
	desc := mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: reflectInputSchema[A](),
	}
	handler := func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
		a, errResult := decodeArgs[A](args)
		if errResult != nil {
			return errResult, nil
		}
		return fn(ctx, a)
	}
	return Tool{Descriptor: desc, Handler: handler}
}

// NewRequestTool constructs a tool whose generated schema nests the typed
// arguments under a single request property. The transport's schema
// flattening presents these to clients as flat argument lists and re-wraps
// call arguments to match.
func NewRequestTool[A any](name, description string, fn func(ctx context.Context, req A) (*mcp.CallToolResult, error)) Tool {
	inner := reflectInputSchema[A]()
	desc := mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]mcp.SchemaProperty{
				"request": {
					Type:        "object",
					Properties:  inner.Properties,
					Required:    inner.Required,
					Description: description,
				},
			},
			Required: []string{"request"},
		},
	}
	handler := func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
		var wrapper struct {
			Request json.RawMessage `json:"request"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &wrapper); err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
		}
		a, errResult := decodeArgs[A](wrapper.Request)
		if errResult != nil {
			return errResult, nil
		}
		return fn(ctx, a)
	}
	return Tool{Descriptor: desc, Handler: handler}
}

func decodeArgs[A any](raw json.RawMessage) (A, *mcp.CallToolResult) {
	var a A
	if len(raw) == 0 {
		return a, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return a, Errorf("invalid arguments: %v", err)
	}
	return a, nil
}

// reflectInputSchema reflects a Go type A into the simplified MCP input
// schema. Non-object types collapse to an empty object schema.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]mcp.SchemaProperty{},
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP
// SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
		if len(s.Required) > 0 {
			p.Required = append(p.Required, s.Required...)
		}
	}
	return p
}

// Registry owns a mutable, threadsafe tool catalog. It satisfies the
// dispatcher's ToolRegistry contract.
type Registry struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]Handler
}

// NewRegistry constructs a Registry with the given tool definitions.
// Duplicate names resolve last-write-wins.
func NewRegistry(defs ...Tool) *Registry {
	r := &Registry{}
	r.Replace(defs...)
	return r
}

// Replace atomically swaps the entire tool set.
func (r *Registry) Replace(defs ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make([]mcp.Tool, 0, len(defs))
	r.handlers = make(map[string]Handler, len(defs))
	for _, d := range defs {
		r.tools = append(r.tools, d.Descriptor)
		if d.Handler != nil {
			r.handlers[d.Descriptor.Name] = d.Handler
		}
	}
}

// Add registers a tool unless its name is taken. Reports whether it was
// added.
func (r *Registry) Add(def Tool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]Handler)
	}
	name := def.Descriptor.Name
	if _, exists := r.handlers[name]; exists {
		return false
	}
	r.tools = append(r.tools, def.Descriptor)
	if def.Handler != nil {
		r.handlers[name] = def.Handler
	}
	return true
}

// ListTools returns a copy of the current tool descriptors.
func (r *Registry) ListTools(ctx context.Context) []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// CallTool dispatches to the named tool's handler.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	r.mu.RLock()
	h := r.handlers[name]
	r.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", dispatcher.ErrToolNotFound, name)
	}
	return h(ctx, args)
}

// TextResult builds a single-text-block CallToolResult.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// JSONResult renders v as indented JSON in a text block, with the decoded
// object mirrored as structured content when it is an object.
func JSONResult(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Errorf("encode result: %v", err)
	}
	res := TextResult(string(b))
	if m, ok := v.(map[string]any); ok {
		res.StructuredContent = m
	}
	return res
}

// Errorf returns an error CallToolResult with a single text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: fmt.Sprintf(format, a...)}},
		IsError: true,
	}
}
