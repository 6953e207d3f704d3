// Package jsonrpc carries the JSON-RPC 2.0 message shapes used by the MCP
// transport: single requests, notifications, responses, and ordered batches.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Request represents a JSON-RPC request or, when it carries no id, a
// notification. The version field is not validated at decode time; the
// dispatcher rejects mismatches with an invalid-request error so that a
// malformed envelope still yields a well-formed JSON-RPC response.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// must not produce a response.
func (r *Request) IsNotification() bool { return r.ID.IsNil() }

// Response represents a JSON-RPC response. The id member is always emitted,
// as null when the request id could not be determined.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Envelope is a decoded POST body: either a single message or an ordered
// batch. Batch ordering is preserved so responses can mirror it.
type Envelope struct {
	Batch    bool
	Messages []*Request
}

// DecodeEnvelope parses a request body into an Envelope. It fails only on
// structurally unusable JSON; per-message validation (version, method) is the
// dispatcher's job.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var probe json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if isArray(probe) {
		var raws []json.RawMessage
		if err := json.Unmarshal(probe, &raws); err != nil {
			return nil, fmt.Errorf("invalid batch: %w", err)
		}
		env := &Envelope{Batch: true, Messages: make([]*Request, 0, len(raws))}
		for _, raw := range raws {
			var msg Request
			if err := json.Unmarshal(raw, &msg); err != nil {
				// Keep a placeholder so batch positions survive; the
				// dispatcher skips entries with no usable version.
				env.Messages = append(env.Messages, &Request{})
				continue
			}
			env.Messages = append(env.Messages, &msg)
		}
		return env, nil
	}

	var msg Request
	if err := json.Unmarshal(probe, &msg); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &Envelope{Messages: []*Request{&msg}}, nil
}

func isArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return b == '['
		}
	}
	return false
}
