package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/commsio/mcp-gateway/dispatcher"
	"github.com/commsio/mcp-gateway/mcp"
)

type echoArgs struct {
	Message string   `json:"message" jsonschema:"description=Text to echo back"`
	Repeat  int      `json:"repeat,omitempty" jsonschema:"description=Repeat count"`
	Tags    []string `json:"tags,omitempty"`
}

func TestNewToolSchemaReflection(t *testing.T) {
	tool := NewTool("echo", "Echo a message", func(ctx context.Context, args echoArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Message), nil
	})

	schema := tool.Descriptor.InputSchema
	if schema.Type != "object" {
		t.Fatalf("schema type = %q", schema.Type)
	}
	msg, ok := schema.Properties["message"]
	if !ok {
		t.Fatalf("message property missing: %+v", schema.Properties)
	}
	if msg.Type != "string" || msg.Description != "Text to echo back" {
		t.Errorf("message property = %+v", msg)
	}
	if schema.Properties["repeat"].Type != "integer" {
		t.Errorf("repeat type = %q", schema.Properties["repeat"].Type)
	}
	tags := schema.Properties["tags"]
	if tags.Type != "array" || tags.Items == nil || tags.Items.Type != "string" {
		t.Errorf("tags property = %+v", tags)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "message" {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestNewRequestToolNestsSchema(t *testing.T) {
	tool := NewRequestTool("echo", "Echo a message", func(ctx context.Context, req echoArgs) (*mcp.CallToolResult, error) {
		return TextResult(req.Message), nil
	})

	schema := tool.Descriptor.InputSchema
	if len(schema.Properties) != 1 {
		t.Fatalf("properties = %+v, want only request", schema.Properties)
	}
	req, ok := schema.Properties["request"]
	if !ok {
		t.Fatal("request property missing")
	}
	if req.Type != "object" {
		t.Errorf("request type = %q", req.Type)
	}
	if req.Properties["message"].Type != "string" {
		t.Errorf("inner properties = %+v", req.Properties)
	}
	if len(req.Required) != 1 || req.Required[0] != "message" {
		t.Errorf("inner required = %v", req.Required)
	}
}

func TestNewRequestToolDecodesWrappedArguments(t *testing.T) {
	var got echoArgs
	tool := NewRequestTool("echo", "", func(ctx context.Context, req echoArgs) (*mcp.CallToolResult, error) {
		got = req
		return TextResult("ok"), nil
	})

	res, err := tool.Handler(context.Background(), json.RawMessage(`{"request":{"message":"hi","repeat":2}}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if got.Message != "hi" || got.Repeat != 2 {
		t.Errorf("decoded args = %+v", got)
	}
}

func TestNewToolRejectsUnknownFields(t *testing.T) {
	tool := NewTool("echo", "", func(ctx context.Context, args echoArgs) (*mcp.CallToolResult, error) {
		return TextResult("ok"), nil
	})

	res, err := tool.Handler(context.Background(), json.RawMessage(`{"message":"hi","bogus":true}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if !res.IsError {
		t.Fatal("unknown field accepted")
	}
	if !strings.Contains(res.Content[0].Text, "invalid arguments") {
		t.Errorf("error text = %q", res.Content[0].Text)
	}
}

func TestRegistry(t *testing.T) {
	echo := NewTool("echo", "", func(ctx context.Context, args echoArgs) (*mcp.CallToolResult, error) {
		return TextResult(args.Message), nil
	})
	reg := NewRegistry(echo)

	tools := reg.ListTools(context.Background())
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", tools)
	}

	res, err := reg.CallTool(context.Background(), "echo", json.RawMessage(`{"message":"hello"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Content[0].Text != "hello" {
		t.Errorf("result = %+v", res)
	}

	if _, err := reg.CallTool(context.Background(), "missing", nil); !errors.Is(err, dispatcher.ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}

	if reg.Add(echo) {
		t.Error("duplicate name added")
	}
	other := NewTool("other", "", func(ctx context.Context, args struct{}) (*mcp.CallToolResult, error) {
		return TextResult(""), nil
	})
	if !reg.Add(other) {
		t.Error("distinct tool rejected")
	}
	if got := len(reg.ListTools(context.Background())); got != 2 {
		t.Errorf("tool count = %d", got)
	}
}

func TestJSONResult(t *testing.T) {
	res := JSONResult(map[string]any{"id": "msg-1"})
	if res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
	if !strings.Contains(res.Content[0].Text, `"id": "msg-1"`) {
		t.Errorf("text = %q", res.Content[0].Text)
	}
	if res.StructuredContent["id"] != "msg-1" {
		t.Errorf("structuredContent = %v", res.StructuredContent)
	}
}

func TestErrorf(t *testing.T) {
	res := Errorf("boom: %d", 7)
	if !res.IsError || res.Content[0].Text != "boom: 7" {
		t.Errorf("result = %+v", res)
	}
}
