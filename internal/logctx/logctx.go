package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if fd, ok := ctx.Value(flowDataKey{}).(*FlowData); ok {
		r.AddAttrs(slog.Group("flow",
			slog.String("session_id", fd.SessionID),
			slog.String("client_id", fd.ClientID),
		))
	}

	if id, ok := ctx.Value(identityDataKey{}).(*IdentityData); ok {
		r.AddAttrs(slog.Group("user",
			slog.String("id", id.UserID),
			slog.String("email", id.Email),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if td, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.ToolName),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type flowDataKey struct{}

// FlowData identifies the OAuth flow session being serviced by the
// current request, when there is one.
type FlowData struct {
	SessionID string
	ClientID  string
}

func WithFlowData(ctx context.Context, data *FlowData) context.Context {
	return context.WithValue(ctx, flowDataKey{}, data)
}

type identityDataKey struct{}

// IdentityData identifies the authenticated bearer of the current request.
type IdentityData struct {
	UserID string
	Email  string
}

func WithIdentityData(ctx context.Context, data *IdentityData) context.Context {
	return context.WithValue(ctx, identityDataKey{}, data)
}

type toolCallDataKey struct{}

type ToolCallData struct {
	ToolName string
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}
