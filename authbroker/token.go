package authbroker

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/commsio/mcp-gateway/authstore"
)

// Identity is the authenticated principal extracted from a bearer token.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// mintToken signs a bearer token for an upstream identity.
func (b *Broker) mintToken(profile authstore.UserProfile) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   profile.ID,
		"email": profile.Email,
		"name":  profile.DisplayName,
		"iat":   now.Unix(),
		"exp":   now.Add(b.tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
}

// VerifyToken validates a bearer token and returns the identity it carries.
// The accepted algorithm is pinned to HS256 so an attacker-chosen alg header
// is never honored.
func (b *Broker) VerifyToken(raw string) (*Identity, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return b.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("verify token: unexpected claims type %T", tok.Claims)
	}

	id := &Identity{}
	if sub, ok := claims["sub"].(string); ok {
		id.UserID = sub
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}
	return id, nil
}

// Authenticate extracts and verifies the request's bearer token. It returns
// nil when the request carries no usable credentials.
func (b *Broker) Authenticate(r *http.Request) *Identity {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil
	}
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil
	}
	id, err := b.VerifyToken(token)
	if err != nil {
		b.log.DebugContext(r.Context(), "auth.token.invalid", slog.String("err", err.Error()))
		return nil
	}
	return id
}
