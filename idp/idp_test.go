package idp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// mockProvider serves OIDC discovery, token, userinfo and JWKS endpoints so
// the client can be exercised end to end without a real identity provider.
type mockProvider struct {
	srv    *httptest.Server
	issuer string

	key *rsa.PrivateKey
	kid string

	tokenStatus  int
	tokenBody    map[string]any
	userStatus   int
	userBody     map[string]any
	lastExchange url.Values
}

func newMockProvider(t *testing.T) *mockProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	m := &mockProvider{
		key:         key,
		kid:         "test-key",
		tokenStatus: http.StatusOK,
		userStatus:  http.StatusOK,
		userBody: map[string]any{
			"id":                "user-1",
			"displayName":       "Test User",
			"mail":              "",
			"userPrincipalName": "test@contoso.example",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 m.issuer,
			"authorization_endpoint": m.issuer + "/oauth2/authorize",
			"token_endpoint":         m.issuer + "/oauth2/token",
			"userinfo_endpoint":      m.issuer + "/me",
			"jwks_uri":               m.issuer + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &m.key.PublicKey, KeyID: m.kid, Algorithm: "RS256", Use: "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		m.lastExchange = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(m.tokenStatus)
		_ = json.NewEncoder(w).Encode(m.tokenBody)
	})
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer upstream-at" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid token"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(m.userStatus)
		_ = json.NewEncoder(w).Encode(m.userBody)
	})

	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	m.tokenBody = map[string]any{
		"access_token": "upstream-at",
		"token_type":   "Bearer",
		"expires_in":   3599,
	}
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockProvider) signIDToken(t *testing.T, aud string) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: m.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", m.kid),
	)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	claims, _ := json.Marshal(map[string]any{
		"iss": m.issuer,
		"aud": aud,
		"sub": "user-1",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	jws, err := signer.Sign(claims)
	if err != nil {
		t.Fatalf("sign id_token: %v", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize id_token: %v", err)
	}
	return compact
}

func newDiscoveredClient(t *testing.T, m *mockProvider) *Client {
	t.Helper()
	c, err := New(context.Background(), Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		Issuer:       m.issuer,
		RedirectURI:  "https://gw.example/auth/callback",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestAuthCodeURL(t *testing.T) {
	m := newMockProvider(t)
	c := newDiscoveredClient(t, m)

	raw, err := c.AuthCodeURL("state-123")
	if err != nil {
		t.Fatalf("AuthCodeURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-1" || q.Get("state") != "state-123" {
		t.Fatalf("unexpected query: %v", q)
	}
	if q.Get("response_type") != "code" || q.Get("response_mode") != "query" {
		t.Fatalf("unexpected query: %v", q)
	}
	if !strings.Contains(q.Get("scope"), "openid") {
		t.Fatalf("scope missing openid: %q", q.Get("scope"))
	}
}

func TestAuthCodeURLRequiresConfig(t *testing.T) {
	c, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.AuthCodeURL("st"); !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestExchange(t *testing.T) {
	m := newMockProvider(t)
	c := newDiscoveredClient(t, m)

	tok, err := c.Exchange(context.Background(), "upstream-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.AccessToken != "upstream-at" {
		t.Fatalf("access token = %q", tok.AccessToken)
	}
	if len(tok.Raw) == 0 {
		t.Fatal("raw token response not captured")
	}
	if got := m.lastExchange.Get("grant_type"); got != "authorization_code" {
		t.Fatalf("grant_type = %q", got)
	}
	if got := m.lastExchange.Get("code"); got != "upstream-code" {
		t.Fatalf("code = %q", got)
	}
}

func TestExchangeVerifiesIDToken(t *testing.T) {
	m := newMockProvider(t)
	c := newDiscoveredClient(t, m)

	m.tokenBody["id_token"] = m.signIDToken(t, "client-1")
	if _, err := c.Exchange(context.Background(), "upstream-code"); err != nil {
		t.Fatalf("Exchange with valid id_token: %v", err)
	}

	m.tokenBody["id_token"] = m.signIDToken(t, "someone-else")
	if _, err := c.Exchange(context.Background(), "upstream-code"); err == nil {
		t.Fatal("expected id_token audience rejection")
	}
}

func TestExchangeUpstreamError(t *testing.T) {
	m := newMockProvider(t)
	c := newDiscoveredClient(t, m)

	m.tokenStatus = http.StatusBadRequest
	m.tokenBody = map[string]any{"error": "invalid_grant"}

	_, err := c.Exchange(context.Background(), "bad-code")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if ue.Status != http.StatusBadRequest || !strings.Contains(string(ue.Body), "invalid_grant") {
		t.Fatalf("unexpected upstream error: %+v", ue)
	}
}

func TestExchangeRejectsMissingAccessToken(t *testing.T) {
	m := newMockProvider(t)
	c := newDiscoveredClient(t, m)

	m.tokenBody = map[string]any{"token_type": "Bearer"}
	_, err := c.Exchange(context.Background(), "upstream-code")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UpstreamError for missing access_token", err)
	}
}

func TestExchangeRequiresSecret(t *testing.T) {
	m := newMockProvider(t)
	c, err := New(context.Background(), Config{ClientID: "client-1", Issuer: m.issuer})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Exchange(context.Background(), "code"); !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestUserInfo(t *testing.T) {
	m := newMockProvider(t)
	c := newDiscoveredClient(t, m)

	p, err := c.UserInfo(context.Background(), "upstream-at")
	if err != nil {
		t.Fatalf("UserInfo: %v", err)
	}
	if p.ID != "user-1" || p.DisplayName != "Test User" {
		t.Fatalf("unexpected profile: %+v", p)
	}
	// Mail is empty in the directory record; Email falls back to the UPN.
	if got := p.Email(); got != "test@contoso.example" {
		t.Fatalf("Email() = %q", got)
	}
}

func TestUserInfoUpstreamError(t *testing.T) {
	m := newMockProvider(t)
	c := newDiscoveredClient(t, m)

	_, err := c.UserInfo(context.Background(), "wrong-token")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if ue.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d", ue.Status)
	}
}

func TestTenantTemplatedEndpoints(t *testing.T) {
	c, err := New(context.Background(), Config{
		ClientID:    "client-1",
		TenantID:    "contoso-tenant",
		RedirectURI: "https://gw.example/auth/callback",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := c.AuthCodeURL("st")
	if err != nil {
		t.Fatalf("AuthCodeURL: %v", err)
	}
	if !strings.HasPrefix(raw, "https://login.microsoftonline.com/contoso-tenant/oauth2/v2.0/authorize?") {
		t.Fatalf("unexpected authorize URL: %q", raw)
	}
}
