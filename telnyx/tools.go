package telnyx

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/commsio/mcp-gateway/mcp"
	"github.com/commsio/mcp-gateway/toolkit"
)

// SendMessageRequest is the argument set for the send_message tool.
type SendMessageRequest struct {
	From               string   `json:"from" jsonschema:"description=Sending address (phone number, alphanumeric sender ID, or short code)"`
	To                 string   `json:"to" jsonschema:"description=Receiving address(es)"`
	Text               string   `json:"text" jsonschema:"description=Message text"`
	MessagingProfileID string   `json:"messaging_profile_id,omitempty" jsonschema:"description=Messaging profile ID"`
	Subject            string   `json:"subject,omitempty" jsonschema:"description=Message subject"`
	MediaURLs          []string `json:"media_urls,omitempty" jsonschema:"description=List of media URLs"`
	WebhookURL         string   `json:"webhook_url,omitempty" jsonschema:"description=Webhook URL"`
	WebhookFailoverURL string   `json:"webhook_failover_url,omitempty" jsonschema:"description=Webhook failover URL"`
	UseProfileWebhooks *bool    `json:"use_profile_webhooks,omitempty" jsonschema:"description=Whether to use profile webhooks"`
	Type               string   `json:"type,omitempty" jsonschema:"enum=SMS,enum=MMS,description=The protocol for sending the message"`
	AutoDetect         *bool    `json:"auto_detect,omitempty" jsonschema:"description=Automatically detect if an SMS message is unusually long"`
}

// GetMessageRequest is the argument set for the get_message tool.
type GetMessageRequest struct {
	MessageID string `json:"message_id" jsonschema:"description=The ID of the message to retrieve"`
}

// ListPhoneNumbersRequest is the argument set for the list_phone_numbers tool.
type ListPhoneNumbersRequest struct {
	Page                   int    `json:"page,omitempty" jsonschema:"description=Page number"`
	PageSize               int    `json:"page_size,omitempty" jsonschema:"description=Page size"`
	FilterTag              string `json:"filter_tag,omitempty" jsonschema:"description=Filter by phone number tag"`
	FilterPhoneNumber      string `json:"filter_phone_number,omitempty" jsonschema:"description=Filter by phone number"`
	FilterStatus           string `json:"filter_status,omitempty" jsonschema:"description=Filter by phone number status"`
	FilterCountryISOAlpha2 string `json:"filter_country_iso_alpha2,omitempty" jsonschema:"description=Filter by country ISO alpha-2 code"`
}

// GetAssistantRequest is the argument set for the get_assistant tool.
type GetAssistantRequest struct {
	AssistantID                      string `json:"assistant_id" jsonschema:"description=Assistant ID"`
	FetchDynamicVariablesFromWebhook *bool  `json:"fetch_dynamic_variables_from_webhook,omitempty" jsonschema:"description=Whether to fetch dynamic variables from webhook"`
	From                             string `json:"from,omitempty" jsonschema:"description=From parameter for dynamic variables"`
	To                               string `json:"to,omitempty" jsonschema:"description=To parameter for dynamic variables"`
	CallControlID                    string `json:"call_control_id,omitempty" jsonschema:"description=Call control ID for dynamic variables"`
}

// StartAssistantCallRequest is the argument set for the start_assistant_call
// tool.
type StartAssistantCallRequest struct {
	AssistantID string `json:"assistant_id" jsonschema:"description=ID of the assistant to use for the call"`
	To          string `json:"to" jsonschema:"description=Destination phone number to call"`
	From        string `json:"from" jsonschema:"description=Source phone number to call from (must be a number on your Telnyx account)"`
}

// Tools returns the telephony tool catalog backed by c. All tools use the
// nested request convention; the transport flattens them for clients.
func Tools(c *Client) []toolkit.Tool {
	return []toolkit.Tool{
		toolkit.NewRequestTool("send_message", "Send an SMS or MMS message.", c.sendMessage),
		toolkit.NewRequestTool("get_message", "Retrieve a message by ID.", c.getMessage),
		toolkit.NewRequestTool("list_phone_numbers", "List phone numbers on the account.", c.listPhoneNumbers),
		toolkit.NewRequestTool("get_assistant", "Get an AI Assistant by ID.", c.getAssistant),
		toolkit.NewRequestTool("start_assistant_call", "Start a phone call handled by an AI Assistant.", c.startAssistantCall),
	}
}

func (c *Client) sendMessage(ctx context.Context, req SendMessageRequest) (*mcp.CallToolResult, error) {
	useProfileWebhooks := true
	if req.UseProfileWebhooks != nil {
		useProfileWebhooks = *req.UseProfileWebhooks
	}
	body := map[string]any{
		"from":                 req.From,
		"to":                   []string{req.To},
		"text":                 req.Text,
		"use_profile_webhooks": useProfileWebhooks,
	}
	if req.MessagingProfileID != "" {
		body["messaging_profile_id"] = req.MessagingProfileID
	}
	if req.Subject != "" {
		body["subject"] = req.Subject
	}
	if len(req.MediaURLs) > 0 {
		body["media_urls"] = req.MediaURLs
	}
	if req.WebhookURL != "" {
		body["webhook_url"] = req.WebhookURL
	}
	if req.WebhookFailoverURL != "" {
		body["webhook_failover_url"] = req.WebhookFailoverURL
	}
	if req.Type != "" {
		body["type"] = req.Type
	}
	if req.AutoDetect != nil {
		body["auto_detect"] = *req.AutoDetect
	}

	resp, err := c.Post(ctx, "messages", body)
	if err != nil {
		return nil, err
	}
	return toolkit.JSONResult(resp), nil
}

func (c *Client) getMessage(ctx context.Context, req GetMessageRequest) (*mcp.CallToolResult, error) {
	resp, err := c.Get(ctx, "messages/"+url.PathEscape(req.MessageID), nil)
	if err != nil {
		return nil, err
	}
	return toolkit.JSONResult(resp), nil
}

func (c *Client) listPhoneNumbers(ctx context.Context, req ListPhoneNumbersRequest) (*mcp.CallToolResult, error) {
	page := req.Page
	if page == 0 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize == 0 {
		pageSize = 20
	}
	query := url.Values{
		"page[number]": {strconv.Itoa(page)},
		"page[size]":   {strconv.Itoa(pageSize)},
	}
	if req.FilterTag != "" {
		query.Set("filter[tag]", req.FilterTag)
	}
	if req.FilterPhoneNumber != "" {
		query.Set("filter[phone_number]", req.FilterPhoneNumber)
	}
	if req.FilterStatus != "" {
		query.Set("filter[status]", req.FilterStatus)
	}
	if req.FilterCountryISOAlpha2 != "" {
		query.Set("filter[country_iso_alpha2]", req.FilterCountryISOAlpha2)
	}

	resp, err := c.Get(ctx, "phone_numbers", query)
	if err != nil {
		return nil, err
	}
	return toolkit.JSONResult(resp), nil
}

func (c *Client) getAssistant(ctx context.Context, req GetAssistantRequest) (*mcp.CallToolResult, error) {
	query := url.Values{}
	if req.FetchDynamicVariablesFromWebhook != nil {
		query.Set("fetch_dynamic_variables_from_webhook", strconv.FormatBool(*req.FetchDynamicVariablesFromWebhook))
	}
	if req.From != "" {
		query.Set("from", req.From)
	}
	if req.To != "" {
		query.Set("to", req.To)
	}
	if req.CallControlID != "" {
		query.Set("call_control_id", req.CallControlID)
	}

	resp, err := c.Get(ctx, "ai/assistants/"+url.PathEscape(req.AssistantID), query)
	if err != nil {
		return nil, err
	}
	return toolkit.JSONResult(resp), nil
}

// startAssistantCall looks up the assistant's TeXML application and places
// an outbound call through it.
func (c *Client) startAssistantCall(ctx context.Context, req StartAssistantCallRequest) (*mcp.CallToolResult, error) {
	assistant, err := c.Get(ctx, "ai/assistants/"+url.PathEscape(req.AssistantID), nil)
	if err != nil {
		return nil, err
	}
	appID := texmlAppID(assistant)
	if appID == "" {
		return nil, fmt.Errorf("assistant %s has no default TeXML application configured", req.AssistantID)
	}

	resp, err := c.Post(ctx, "texml/calls/"+url.PathEscape(appID), map[string]any{
		"To":   req.To,
		"From": req.From,
	})
	if err != nil {
		return nil, err
	}
	return toolkit.JSONResult(resp), nil
}

func texmlAppID(assistant map[string]any) string {
	settings, ok := assistant["telephony_settings"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := settings["default_texml_app_id"].(string)
	return id
}

// FlattenOverrides returns the hand-tuned flat wire schemas for tools whose
// generated flattening would be too noisy for clients. Keys are tool names.
func FlattenOverrides() map[string]mcp.ToolInputSchema {
	return map[string]mcp.ToolInputSchema{
		"send_message": {
			Type: "object",
			Properties: map[string]mcp.SchemaProperty{
				"from":                 {Type: "string", Description: "Sending address (phone number, alphanumeric sender ID, or short code)"},
				"to":                   {Type: "string", Description: "Receiving address(es)"},
				"text":                 {Type: "string", Description: "Message text"},
				"messaging_profile_id": {Type: "string", Description: "Optional. Messaging profile ID"},
				"subject":              {Type: "string", Description: "Optional. Message subject"},
				"media_urls":           {Type: "array", Items: &mcp.SchemaProperty{Type: "string"}, Description: "Optional. List of media URLs"},
				"webhook_url":          {Type: "string", Description: "Optional. Webhook URL"},
				"type":                 {Type: "string", Enum: []any{"SMS", "MMS"}, Description: "Optional. The protocol for sending the message"},
			},
			Required: []string{"from", "to", "text"},
		},
		"get_message": {
			Type: "object",
			Properties: map[string]mcp.SchemaProperty{
				"message_id": {Type: "string", Description: "The ID of the message to retrieve"},
			},
			Required: []string{"message_id"},
		},
		"list_phone_numbers": {
			Type: "object",
			Properties: map[string]mcp.SchemaProperty{
				"page":                {Type: "integer", Description: "Page number"},
				"page_size":           {Type: "integer", Description: "Page size"},
				"filter_phone_number": {Type: "string", Description: "Filter by phone number"},
				"filter_status":       {Type: "string", Description: "Filter by status"},
			},
			Required: []string{},
		},
		"get_assistant": {
			Type: "object",
			Properties: map[string]mcp.SchemaProperty{
				"assistant_id": {Type: "string", Description: "Assistant ID"},
			},
			Required: []string{"assistant_id"},
		},
		"start_assistant_call": {
			Type: "object",
			Properties: map[string]mcp.SchemaProperty{
				"assistant_id": {Type: "string", Description: "ID of the assistant to use for the call"},
				"to":           {Type: "string", Description: "Destination phone number to call"},
				"from":         {Type: "string", Description: "Source phone number to call from (must be a number on your Telnyx account)"},
			},
			Required: []string{"assistant_id", "to", "from"},
		},
	}
}
