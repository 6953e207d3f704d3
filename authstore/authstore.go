// Package authstore defines the storage contract for the short-lived OAuth
// artifacts the gateway mints while brokering logins: internal authorization
// codes and in-flight browser flow sessions. Implementations live in the
// memorystore and redisstore subpackages.
package authstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"
)

const (
	// DefaultCodeTTL bounds how long an internal authorization code may be
	// exchanged after the upstream callback mints it.
	DefaultCodeTTL = 60 * time.Second
	// DefaultSessionTTL bounds how long a browser-based authorization attempt
	// may take before its correlation state is forgotten.
	DefaultSessionTTL = time.Hour
)

// UserProfile is the upstream identity bound to an authorization code.
type UserProfile struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// AuthCode is a single-use credential minted after a successful upstream
// login. It is unusable once Used is set or ExpiresAt has passed.
type AuthCode struct {
	Code              string          `json:"code"`
	UpstreamToken     string          `json:"upstream_token"`
	UpstreamTokenData json.RawMessage `json:"upstream_token_data,omitempty"`
	Profile           UserProfile     `json:"profile"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	Used              bool            `json:"used"`
	State             string          `json:"state,omitempty"`
	RedirectURI       string          `json:"redirect_uri,omitempty"`
	PKCEChallenge     string          `json:"pkce_challenge,omitempty"`
	PKCEMethod        string          `json:"pkce_method,omitempty"`
}

// FlowSession correlates an MCP client's authorization request with the
// upstream provider's eventual callback, keyed by the OAuth state value.
type FlowSession struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	RedirectURI   string    `json:"redirect_uri,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	PKCEChallenge string    `json:"pkce_challenge,omitempty"`
	PKCEMethod    string    `json:"pkce_method,omitempty"`
}

// AuthCodeParams carries the inputs for minting an authorization code.
type AuthCodeParams struct {
	UpstreamToken     string
	UpstreamTokenData json.RawMessage
	Profile           UserProfile
	State             string
	RedirectURI       string
	PKCEChallenge     string
	PKCEMethod        string
}

// SessionParams carries the inputs for starting a flow session.
type SessionParams struct {
	State         string
	RedirectURI   string
	PKCEChallenge string
	PKCEMethod    string
}

// Store is the contract for authorization artifact storage. Lookups return
// (nil, nil) for absent, expired, or exhausted entries; errors are reserved
// for genuine backend failures.
//
// ConsumeAuthCode is the find-and-mark-used operation the token endpoint
// relies on: it must be atomic so that concurrent exchanges of the same code
// yield exactly one winner.
type Store interface {
	CreateAuthCode(ctx context.Context, params AuthCodeParams) (string, error)
	GetAuthCode(ctx context.Context, code string) (*AuthCode, error)
	ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error)
	MarkCodeUsed(ctx context.Context, code string) (bool, error)

	CreateSession(ctx context.Context, params SessionParams) (string, error)
	GetSession(ctx context.Context, sessionID string) (*FlowSession, error)
	GetSessionByState(ctx context.Context, state string) (*FlowSession, error)
	DeleteSession(ctx context.Context, sessionID string) (bool, error)

	Close() error
}

// NewToken returns a fresh opaque identifier with 256 bits of entropy,
// encoded with the URL-safe base64 alphabet and no padding. It is used for
// authorization codes, flow session ids, and generated state values.
func NewToken() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms; treat it as fatal.
		panic("authstore: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf[:])
}
