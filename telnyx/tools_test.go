package telnyx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/commsio/mcp-gateway/toolkit"
)

type recordedRequest struct {
	method string
	path   string
	query  map[string]string
	body   map[string]any
}

// newTestAPI stands in for api.telnyx.com and records every request.
func newTestAPI(t *testing.T, status int, response string) (*Client, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer KEY-super-secret" {
			t.Errorf("Authorization = %q", got)
		}
		rec := recordedRequest{method: r.Method, path: r.URL.Path, query: map[string]string{}}
		for k := range r.URL.Query() {
			rec.query[k] = r.URL.Query().Get(k)
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		requests = append(requests, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	c, err := New("KEY-super-secret", WithBaseURL(srv.URL), WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, &requests
}

func findTool(t *testing.T, c *Client, name string) toolkit.Tool {
	t.Helper()
	for _, tool := range Tools(c) {
		if tool.Descriptor.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %q not in catalog", name)
	return toolkit.Tool{}
}

// invoke runs a tool handler with arguments wrapped in the nested request
// envelope, the shape the dispatcher delivers.
func invoke(t *testing.T, c *Client, name, args string) error {
	t.Helper()
	tool := findTool(t, c, name)
	wrapped, _ := json.Marshal(map[string]json.RawMessage{"request": json.RawMessage(args)})
	res, err := tool.Handler(context.Background(), wrapped)
	if err != nil {
		return err
	}
	if res.IsError {
		t.Fatalf("tool error: %+v", res.Content)
	}
	return nil
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestSendMessage(t *testing.T) {
	c, reqs := newTestAPI(t, http.StatusOK, `{"data":{"id":"msg-1"}}`)

	err := invoke(t, c, "send_message", `{"from":"+15550001111","to":"+15550002222","text":"hello","type":"SMS"}`)
	if err != nil {
		t.Fatalf("send_message: %v", err)
	}

	req := (*reqs)[0]
	if req.method != http.MethodPost || req.path != "/messages" {
		t.Fatalf("request = %s %s", req.method, req.path)
	}
	if got := req.body["from"]; got != "+15550001111" {
		t.Errorf("from = %v", got)
	}
	to, ok := req.body["to"].([]any)
	if !ok || len(to) != 1 || to[0] != "+15550002222" {
		t.Errorf("to = %v, want single-element list", req.body["to"])
	}
	if got := req.body["use_profile_webhooks"]; got != true {
		t.Errorf("use_profile_webhooks = %v, want default true", got)
	}
	if got := req.body["type"]; got != "SMS" {
		t.Errorf("type = %v", got)
	}
	if _, present := req.body["subject"]; present {
		t.Error("subject should be omitted when unset")
	}
}

func TestSendMessageRejectsUnknownArguments(t *testing.T) {
	c, _ := newTestAPI(t, http.StatusOK, `{}`)
	tool := findTool(t, c, "send_message")

	res, err := tool.Handler(context.Background(),
		json.RawMessage(`{"request":{"from":"a","to":"b","text":"c","bogus":true}}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected argument error result")
	}
}

func TestGetMessage(t *testing.T) {
	c, reqs := newTestAPI(t, http.StatusOK, `{"data":{"id":"msg-9"}}`)

	if err := invoke(t, c, "get_message", `{"message_id":"msg-9"}`); err != nil {
		t.Fatalf("get_message: %v", err)
	}
	req := (*reqs)[0]
	if req.method != http.MethodGet || req.path != "/messages/msg-9" {
		t.Fatalf("request = %s %s", req.method, req.path)
	}
}

func TestListPhoneNumbers(t *testing.T) {
	c, reqs := newTestAPI(t, http.StatusOK, `{"data":[]}`)

	err := invoke(t, c, "list_phone_numbers", `{"filter_status":"active"}`)
	if err != nil {
		t.Fatalf("list_phone_numbers: %v", err)
	}

	req := (*reqs)[0]
	if req.path != "/phone_numbers" {
		t.Fatalf("path = %s", req.path)
	}
	if got := req.query["page[number]"]; got != "1" {
		t.Errorf("page[number] = %q, want default 1", got)
	}
	if got := req.query["page[size]"]; got != "20" {
		t.Errorf("page[size] = %q, want default 20", got)
	}
	if got := req.query["filter[status]"]; got != "active" {
		t.Errorf("filter[status] = %q", got)
	}
	if _, present := req.query["filter[tag]"]; present {
		t.Error("filter[tag] should be omitted when unset")
	}
}

func TestGetAssistant(t *testing.T) {
	c, reqs := newTestAPI(t, http.StatusOK, `{"id":"asst-1"}`)

	err := invoke(t, c, "get_assistant", `{"assistant_id":"asst-1","call_control_id":"cc-5"}`)
	if err != nil {
		t.Fatalf("get_assistant: %v", err)
	}
	req := (*reqs)[0]
	if req.path != "/ai/assistants/asst-1" {
		t.Fatalf("path = %s", req.path)
	}
	if got := req.query["call_control_id"]; got != "cc-5" {
		t.Errorf("call_control_id = %q", got)
	}
}

func TestStartAssistantCall(t *testing.T) {
	c, reqs := newTestAPI(t, http.StatusOK,
		`{"telephony_settings":{"default_texml_app_id":"app-42"},"data":{}}`)

	err := invoke(t, c, "start_assistant_call",
		`{"assistant_id":"asst-1","to":"+15550002222","from":"+15550001111"}`)
	if err != nil {
		t.Fatalf("start_assistant_call: %v", err)
	}

	if len(*reqs) != 2 {
		t.Fatalf("requests = %d, want assistant lookup then call", len(*reqs))
	}
	if (*reqs)[0].path != "/ai/assistants/asst-1" {
		t.Errorf("first request path = %s", (*reqs)[0].path)
	}
	call := (*reqs)[1]
	if call.method != http.MethodPost || call.path != "/texml/calls/app-42" {
		t.Fatalf("call request = %s %s", call.method, call.path)
	}
	if call.body["To"] != "+15550002222" || call.body["From"] != "+15550001111" {
		t.Errorf("call body = %v", call.body)
	}
}

func TestStartAssistantCallWithoutTexmlApp(t *testing.T) {
	c, _ := newTestAPI(t, http.StatusOK, `{"telephony_settings":{}}`)

	err := invoke(t, c, "start_assistant_call",
		`{"assistant_id":"asst-1","to":"+15550002222","from":"+15550001111"}`)
	if err == nil {
		t.Fatal("expected error for missing TeXML application")
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	c, _ := newTestAPI(t, http.StatusUnprocessableEntity,
		`{"errors":[{"code":"10015","title":"Invalid phone number","detail":"The to number is malformed"}]}`)

	err := invoke(t, c, "get_message", `{"message_id":"msg-1"}`)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", apiErr.StatusCode)
	}
	if len(apiErr.Errors) != 1 || apiErr.Errors[0].Title != "Invalid phone number" {
		t.Errorf("errors = %+v", apiErr.Errors)
	}
}

func TestFlattenOverridesCoverCatalog(t *testing.T) {
	c, _ := newTestAPI(t, http.StatusOK, `{}`)
	overrides := FlattenOverrides()

	for _, tool := range Tools(c) {
		schema, ok := overrides[tool.Descriptor.Name]
		if !ok {
			t.Errorf("no flatten override for %s", tool.Descriptor.Name)
			continue
		}
		if schema.Type != "object" {
			t.Errorf("%s override type = %q", tool.Descriptor.Name, schema.Type)
		}
	}
}
