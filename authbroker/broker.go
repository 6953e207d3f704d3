// Package authbroker implements the gateway's OAuth 2.0 surface: the
// authorization, callback, token, userinfo and registration endpoints plus
// the discovery documents under /.well-known/. It brokers between MCP
// clients speaking authorization-code-with-PKCE and the upstream identity
// provider, and mints the bearer tokens the MCP transport checks.
package authbroker

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/commsio/mcp-gateway/authstore"
	"github.com/commsio/mcp-gateway/idp"
)

// DefaultTokenTTL is the lifetime of minted access tokens.
const DefaultTokenTTL = 24 * time.Hour

type Option func(*newConfig)

type newConfig struct {
	logger     *slog.Logger
	tokenTTL   time.Duration
	serverName string
	serverVer  string
}

func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithTokenTTL overrides the minted token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(c *newConfig) { c.tokenTTL = ttl }
}

// WithServerInfo sets the name and version reported by the informational
// endpoints.
func WithServerInfo(name, version string) Option {
	return func(c *newConfig) {
		c.serverName = name
		c.serverVer = version
	}
}

// Broker owns the OAuth endpoints. Safe for concurrent use.
type Broker struct {
	store      authstore.Store
	idp        *idp.Client
	log        *slog.Logger
	secret     []byte
	tokenTTL   time.Duration
	serverName string
	serverVer  string
}

// New builds a Broker. The secret signs and verifies bearer tokens and must
// not be empty.
func New(store authstore.Store, upstream *idp.Client, secret []byte, opts ...Option) (*Broker, error) {
	if store == nil {
		return nil, errors.New("authbroker: store is required")
	}
	if upstream == nil {
		return nil, errors.New("authbroker: upstream idp client is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("authbroker: signing secret is required")
	}

	cfg := &newConfig{
		logger:     slog.Default(),
		tokenTTL:   DefaultTokenTTL,
		serverName: "MCP Gateway",
		serverVer:  "0.5.0",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Broker{
		store:      store,
		idp:        upstream,
		log:        cfg.logger,
		secret:     secret,
		tokenTTL:   cfg.tokenTTL,
		serverName: cfg.serverName,
		serverVer:  cfg.serverVer,
	}, nil
}

// Routes mounts the broker's endpoints on mux.
func (b *Broker) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /authorize", b.handleAuthorize)
	mux.HandleFunc("GET /auth/callback", b.handleCallback)
	mux.HandleFunc("POST /token", b.handleToken)
	mux.HandleFunc("GET /userinfo", b.handleUserInfo)
	mux.HandleFunc("POST /register", b.handleRegister)

	mux.HandleFunc("GET /.well-known/oauth-authorization-server", b.handleAuthServerMetadata)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", b.handleProtectedResourceMetadata)
	mux.HandleFunc("GET /.well-known/openid-configuration", b.handleOpenIDConfiguration)

	mux.HandleFunc("GET /{$}", b.handleRoot)
	mux.HandleFunc("GET /health", b.handleHealth)
}

// baseURLFromRequest reconstructs the externally visible origin, honoring
// the forwarding headers set by fronting proxies.
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
