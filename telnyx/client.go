// Package telnyx is a minimal REST client for the Telnyx v2 API, covering
// the endpoints the gateway's tool catalog needs.
package telnyx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the production Telnyx API endpoint.
const DefaultBaseURL = "https://api.telnyx.com/v2"

type Option func(*Client)

// WithBaseURL overrides the API endpoint, primarily for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client issues authenticated requests against the Telnyx API.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	log     *slog.Logger
}

func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("telnyx: api key is required")
	}
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 30 * time.Second},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log.Debug("telnyx.client.init",
		slog.String("base_url", c.baseURL),
		slog.String("api_key", maskKey(apiKey)))
	return c, nil
}

// ErrorDetail is one entry of a Telnyx error response body.
type ErrorDetail struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// APIError is a non-2xx response from the Telnyx API.
type APIError struct {
	StatusCode int
	Errors     []ErrorDetail
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("telnyx: %d %s: %s", e.StatusCode, e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("telnyx: unexpected status %d", e.StatusCode)
}

// Get issues a GET request. Query may be nil.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, path, nil, body)
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (map[string]any, error) {
	return c.do(ctx, http.MethodPatch, path, nil, body)
}

// Delete issues a DELETE request. An empty response body yields an empty map.
func (c *Client) Delete(ctx context.Context, path string) (map[string]any, error) {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (map[string]any, error) {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.InfoContext(ctx, "telnyx.request", slog.String("method", method), slog.String("path", path))
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telnyx request: %w", err)
	}
	defer resp.Body.Close()
	c.log.InfoContext(ctx, "telnyx.response", slog.String("path", path), slog.Int("status", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errBody struct {
			Errors []ErrorDetail `json:"errors"`
		}
		if json.Unmarshal(raw, &errBody) == nil {
			apiErr.Errors = errBody.Errors
		}
		return nil, apiErr
	}

	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// maskKey keeps only a short prefix of an API key for debug logging.
func maskKey(key string) string {
	if len(key) > 8 {
		return key[:5] + "..."
	}
	return "[redacted]"
}
