// Package dispatcher routes decoded JSON-RPC messages to their MCP method
// handlers: the initialize handshake, tool listing and invocation, and the
// resource stubs. It is transport-agnostic; the streaming HTTP layer hands
// it envelopes and renders whatever outcome it returns.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/commsio/mcp-gateway/internal/jsonrpc"
	"github.com/commsio/mcp-gateway/internal/logctx"
	"github.com/commsio/mcp-gateway/mcp"
)

// ErrToolNotFound is returned by a ToolRegistry when the named tool does not
// exist. The dispatcher maps it to an invalid-params error.
var ErrToolNotFound = errors.New("tool not found")

// ToolRegistry is the dispatcher's view of the tool catalog.
type ToolRegistry interface {
	// ListTools returns the registered tools with their raw input schemas.
	ListTools(ctx context.Context) []mcp.Tool
	// CallTool invokes a tool by name. Unknown names yield ErrToolNotFound;
	// other errors are internal failures.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithServerInfo sets the identity reported in initialize results.
func WithServerInfo(name, version string) Option {
	return func(d *Dispatcher) {
		d.serverName = name
		d.serverVer = version
	}
}

// WithFlattenOverrides installs hand-tuned flat schemas for tools whose
// generated schema nests everything under a single request property.
func WithFlattenOverrides(overrides map[string]mcp.ToolInputSchema) Option {
	return func(d *Dispatcher) { d.overrides = overrides }
}

// Dispatcher routes MCP methods. Safe for concurrent use.
type Dispatcher struct {
	registry  ToolRegistry
	overrides map[string]mcp.ToolInputSchema
	log       *slog.Logger

	serverName string
	serverVer  string

	mu          sync.Mutex
	initialized map[string]struct{}
}

func New(registry ToolRegistry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		log:         slog.Default(),
		serverName:  "MCP Gateway",
		serverVer:   "0.5.0",
		initialized: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Outcome is the result of processing an envelope. Responses carries one
// entry per answered request, in batch order; it is empty when every message
// was a notification.
type Outcome struct {
	Batch     bool
	Responses []*jsonrpc.Response
}

// Process runs every message in the envelope. Batch entries that do not
// carry a "2.0" version marker are dropped without a response; a single
// non-batch message with a bad version gets an invalid-request error.
func (d *Dispatcher) Process(ctx context.Context, env *jsonrpc.Envelope, sessionID, baseURL string) *Outcome {
	out := &Outcome{Batch: env.Batch}
	for _, msg := range env.Messages {
		if env.Batch && msg.JSONRPCVersion != jsonrpc.ProtocolVersion {
			continue
		}
		if resp := d.dispatch(ctx, msg, sessionID, baseURL); resp != nil {
			out.Responses = append(out.Responses, resp)
		}
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *jsonrpc.Request, sessionID, baseURL string) *jsonrpc.Response {
	if msg.JSONRPCVersion != jsonrpc.ProtocolVersion {
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request - must be JSON-RPC 2.0", nil)
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   messageType(msg),
	})

	var (
		resp *jsonrpc.Response
		err  error
	)
	switch mcp.Method(msg.Method) {
	case mcp.InitializeMethod:
		resp, err = d.handleInitialize(ctx, msg, sessionID, baseURL)
	case mcp.InitializedNotificationMethod:
		d.log.InfoContext(ctx, "session.initialized.confirm")
		return nil
	case mcp.ToolsListMethod:
		resp, err = d.handleToolsList(ctx, msg)
	case mcp.ToolsCallMethod:
		resp, err = d.handleToolsCall(ctx, msg)
	case mcp.ResourcesListMethod:
		resp, err = d.handleResourcesList(ctx, msg)
	case mcp.ResourcesReadMethod:
		resp = d.handleResourcesRead(ctx, msg)
	case mcp.PingMethod:
		resp, err = jsonrpc.NewResultResponse(msg.ID, struct{}{})
	default:
		d.log.WarnContext(ctx, "rpc.method.unknown")
		resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("Method not found: %s", msg.Method), nil)
	}
	if err != nil {
		d.log.ErrorContext(ctx, "rpc.handle.fail", slog.String("err", err.Error()))
		resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "Internal error", err.Error())
	}

	if msg.IsNotification() {
		return nil
	}
	return resp
}

func messageType(msg *jsonrpc.Request) string {
	if msg.IsNotification() {
		return "notification"
	}
	return "request"
}

func (d *Dispatcher) handleInitialize(ctx context.Context, msg *jsonrpc.Request, sessionID, baseURL string) (*jsonrpc.Response, error) {
	var params mcp.InitializeRequest
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid initialize params", err.Error()), nil
		}
	}

	// Version negotiation is permissive: an unknown client revision is
	// echoed back rather than refused.
	version := params.ProtocolVersion
	if version == "" || version == mcp.ProtocolVersion {
		version = mcp.ProtocolVersion
	}

	if sessionID != "" {
		d.mu.Lock()
		d.initialized[sessionID] = struct{}{}
		d.mu.Unlock()
	}

	d.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("client", params.ClientInfo.Name),
		slog.String("client_version", params.ProtocolVersion))

	result := mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: true},
			Resources: &struct {
				ListChanged bool `json:"listChanged"`
				Subscribe   bool `json:"subscribe"`
			}{ListChanged: true, Subscribe: true},
			Logging: &struct{}{},
			Auth: &mcp.AuthCapability{
				OAuth2:               true,
				AuthorizationServers: []string{baseURL},
			},
		},
		ServerInfo: mcp.ImplementationInfo{
			Name:    d.serverName,
			Version: d.serverVer,
		},
	}
	return jsonrpc.NewResultResponse(msg.ID, result)
}

// SessionInitialized reports whether the given session completed an
// initialize exchange.
func (d *Dispatcher) SessionInitialized(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.initialized[sessionID]
	return ok
}

func (d *Dispatcher) handleToolsList(ctx context.Context, msg *jsonrpc.Request) (*jsonrpc.Response, error) {
	tools := d.registry.ListTools(ctx)
	flattened := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		tool.InputSchema = d.flattenSchema(tool.Name, tool.InputSchema)
		flattened = append(flattened, tool)
	}
	d.log.InfoContext(ctx, "tools.list.ok", slog.Int("count", len(flattened)))
	return jsonrpc.NewResultResponse(msg.ID, mcp.ListToolsResult{Tools: flattened})
}

// flattenSchema rewrites single-request-property schemas into flat argument
// schemas: an override wins when registered, otherwise the nested request
// object's own properties are promoted to the top level.
func (d *Dispatcher) flattenSchema(name string, schema mcp.ToolInputSchema) mcp.ToolInputSchema {
	if !isNestedRequestSchema(schema) {
		return schema
	}
	if override, ok := d.overrides[name]; ok {
		return override
	}
	req := schema.Properties["request"]
	flat := mcp.ToolInputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	for propName, prop := range req.Properties {
		flat.Properties[propName] = prop
	}
	flat.Required = append(flat.Required, req.Required...)
	return flat
}

func isNestedRequestSchema(schema mcp.ToolInputSchema) bool {
	if len(schema.Properties) != 1 {
		return false
	}
	_, ok := schema.Properties["request"]
	return ok
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, msg *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CallToolRequest
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, "Invalid tools/call params", err.Error()), nil
		}
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	args := params.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	// Clients see the flattened schema, so arguments arrive flat and must
	// be re-wrapped for tools that take a nested request object.
	if tool, ok := d.lookupTool(ctx, params.Name); ok && isNestedRequestSchema(tool.InputSchema) {
		wrapped, err := json.Marshal(map[string]json.RawMessage{"request": args})
		if err != nil {
			return nil, fmt.Errorf("wrap arguments: %w", err)
		}
		args = wrapped
	}

	result, err := d.registry.CallTool(ctx, params.Name, args)
	if err != nil {
		if errors.Is(err, ErrToolNotFound) {
			d.log.WarnContext(ctx, "tools.call.unknown")
			return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("Tool '%s' not found", params.Name), nil), nil
		}
		d.log.ErrorContext(ctx, "tools.call.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "Internal error", err.Error()), nil
	}

	d.log.InfoContext(ctx, "tools.call.ok", slog.Bool("is_error", result.IsError))
	return jsonrpc.NewResultResponse(msg.ID, result)
}

func (d *Dispatcher) lookupTool(ctx context.Context, name string) (mcp.Tool, bool) {
	for _, tool := range d.registry.ListTools(ctx) {
		if tool.Name == name {
			return tool, true
		}
	}
	return mcp.Tool{}, false
}

func (d *Dispatcher) handleResourcesList(ctx context.Context, msg *jsonrpc.Request) (*jsonrpc.Response, error) {
	// Resources are advertised as a capability but none are published yet.
	return jsonrpc.NewResultResponse(msg.ID, mcp.ListResourcesResult{Resources: []mcp.Resource{}})
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, msg *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ReadResourceRequest
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &params)
	}
	return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("Resource '%s' not found", params.URI), nil)
}
