// Package streaminghttp implements the MCP Streamable HTTP transport: a
// POST endpoint that answers JSON-RPC messages as JSON or server-sent
// events depending on the client's Accept header, and a GET endpoint that
// holds open a keepalive SSE stream.
package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/commsio/mcp-gateway/authbroker"
	"github.com/commsio/mcp-gateway/dispatcher"
	"github.com/commsio/mcp-gateway/internal/jsonrpc"
	"github.com/commsio/mcp-gateway/internal/logctx"
)

const (
	sessionIDHeader = "mcp-session-id"

	// maxBodyBytes bounds a POST body; JSON-RPC traffic is small.
	maxBodyBytes = 4 << 20
)

var eventStreamMediaTypes = []contenttype.MediaType{
	contenttype.NewMediaType("text/event-stream"),
}

// Authenticator resolves a request's bearer credentials to an identity,
// returning nil for anonymous requests.
type Authenticator interface {
	Authenticate(r *http.Request) *authbroker.Identity
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithPingInterval overrides the keepalive cadence of the GET stream.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) { h.ping = d }
}

// Handler serves the /mcp endpoint pair.
type Handler struct {
	dispatcher *dispatcher.Dispatcher
	auth       Authenticator
	log        *slog.Logger
	ping       time.Duration
}

func New(d *dispatcher.Dispatcher, auth Authenticator, opts ...Option) *Handler {
	h := &Handler{
		dispatcher: d,
		auth:       auth,
		log:        slog.Default(),
		ping:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the transport endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /mcp", h.handlePost)
	mux.HandleFunc("GET /mcp", h.handleGet)
}

func baseURLFromRequest(r *http.Request) string {
	proto := r.Header.Get("x-forwarded-proto")
	host := r.Header.Get("x-forwarded-host")
	if host == "" {
		host = r.Host
	}
	if proto == "" {
		if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	return proto + "://" + host
}

// exemptFromAuth reports whether the envelope may proceed anonymously: only
// a single non-batch initialize handshake message qualifies.
func exemptFromAuth(env *jsonrpc.Envelope) bool {
	if env.Batch || len(env.Messages) != 1 {
		return false
	}
	switch env.Messages[0].Method {
	case "initialize", "notifications/initialized":
		return true
	default:
		return false
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	prefersSSE := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	sessionID := r.Header.Get(sessionIDHeader)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.log.WarnContext(ctx, "http.post.body.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	env, decodeErr := jsonrpc.DecodeEnvelope(body)

	// Authentication gates everything except the initialize handshake, but
	// undecodable bodies fall through to the parse error response.
	identity := h.auth.Authenticate(r)
	if decodeErr == nil && identity == nil && !exemptFromAuth(env) {
		h.log.InfoContext(ctx, "auth.fail")
		h.writeAuthRequired(w, r, env)
		return
	}
	if identity != nil {
		ctx = logctx.WithIdentityData(ctx, &logctx.IdentityData{UserID: identity.UserID, Email: identity.Email})
		h.log.InfoContext(ctx, "auth.ok")
	}

	if decodeErr != nil {
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", decodeErr.Error()))
		resp := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error", decodeErr.Error())
		if prefersSSE {
			h.writeSSEResponses(ctx, w, sessionID, []*jsonrpc.Response{resp})
			return
		}
		h.writeJSONResponse(w, sessionID, resp)
		return
	}

	outcome := h.dispatcher.Process(ctx, env, sessionID, baseURLFromRequest(r))

	if len(outcome.Responses) == 0 {
		// Notifications only.
		if sessionID != "" {
			w.Header().Set(sessionIDHeader, sessionID)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	if prefersSSE {
		h.writeSSEResponses(ctx, w, sessionID, outcome.Responses)
		h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)), slog.Bool("sse", true))
		return
	}

	if outcome.Batch {
		h.writeJSONResponse(w, sessionID, outcome.Responses)
	} else {
		h.writeJSONResponse(w, sessionID, outcome.Responses[0])
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// writeAuthRequired renders the 401 challenge: bearer and discovery headers
// plus a JSON-RPC error body pointing at the authorization server metadata.
func (h *Handler) writeAuthRequired(w http.ResponseWriter, r *http.Request, env *jsonrpc.Envelope) {
	baseURL := baseURLFromRequest(r)
	metadataURL := baseURL + "/.well-known/oauth-authorization-server"

	var id *jsonrpc.RequestID
	if !env.Batch && len(env.Messages) == 1 {
		id = env.Messages[0].ID
	}

	w.Header().Set("WWW-Authenticate", `Bearer realm="MCP Server"`)
	w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="oauth-authorization-server"`, metadataURL))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	resp := jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "Authentication required", map[string]string{
		"oauth_url": metadataURL,
	})
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeJSONResponse(w http.ResponseWriter, sessionID string, payload any) {
	if sessionID != "" {
		w.Header().Set(sessionIDHeader, sessionID)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// writeSSEResponses streams one SSE event per response and closes.
func (h *Handler) writeSSEResponses(ctx context.Context, w http.ResponseWriter, sessionID string, responses []*jsonrpc.Response) {
	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	wf := &lockedWriteFlusher{w: w, f: f}

	if sessionID != "" {
		w.Header().Set(sessionIDHeader, sessionID)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, resp := range responses {
		payload, err := json.Marshal(resp)
		if err != nil {
			h.log.ErrorContext(ctx, "sse.encode.fail", slog.String("err", err.Error()))
			return
		}
		if err := writeSSEEvent(wf, "", payload); err != nil {
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	identity := h.auth.Authenticate(r)
	if identity == nil {
		baseURL := baseURLFromRequest(r)
		w.Header().Set("WWW-Authenticate", `Bearer realm="MCP Server"`)
		w.Header().Set("Link", fmt.Sprintf(`<%s/.well-known/oauth-authorization-server>; rel="oauth-authorization-server"`, baseURL))
		h.log.InfoContext(ctx, "auth.fail")
		http.Error(w, "Authentication required for SSE stream", http.StatusUnauthorized)
		return
	}
	ctx = logctx.WithIdentityData(ctx, &logctx.IdentityData{UserID: identity.UserID, Email: identity.Email})

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "http.get.accept.unsupported")
		http.Error(w, "Method not allowed - this endpoint requires Accept: text/event-stream", http.StatusMethodNotAllowed)
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	wf := &lockedWriteFlusher{w: w, f: f}

	if sessionID := r.Header.Get(sessionIDHeader); sessionID != "" {
		w.Header().Set(sessionIDHeader, sessionID)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	h.log.InfoContext(ctx, "sse.stream.open")
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.close")
			return
		case <-ticker.C:
			if err := writeSSEEvent(wf, "ping", nil); err != nil {
				h.log.InfoContext(ctx, "sse.stream.close", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// lockedWriteFlusher serializes writes and flushes so an event frame is
// never interleaved.
type lockedWriteFlusher struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

func (wf *lockedWriteFlusher) writeAndFlush(p []byte) error {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if _, err := wf.w.Write(p); err != nil {
		return err
	}
	wf.f.Flush()
	return nil
}

// writeSSEEvent writes a single Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	var sb strings.Builder
	if event != "" {
		sb.WriteString("event: ")
		sb.WriteString(event)
		sb.WriteByte('\n')
	}
	sb.WriteString("data: ")
	sb.Write(payload)
	sb.WriteString("\n\n")
	if err := wf.writeAndFlush([]byte(sb.String())); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	return nil
}

// RequestLogger annotates every request's context with correlation data and
// logs the request/response pair the way the rest of the gateway logs.
func RequestLogger(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		log.InfoContext(ctx, "http.request",
			slog.Int("status", sw.status),
			slog.Duration("dur", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Flush forwards flushes so SSE streaming works through the middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
