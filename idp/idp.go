// Package idp is a thin client for the upstream OAuth2/OIDC identity
// provider the gateway brokers logins through. It performs the
// authorization-code exchange and the user profile fetch; it has no knowledge
// of the gateway's own tokens or stores.
package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ErrConfig indicates the upstream provider is not configured well enough to
// serve the requested operation. Not retryable without operator intervention.
var ErrConfig = errors.New("idp: incomplete provider configuration")

// UpstreamError carries a non-2xx upstream response for diagnostics.
type UpstreamError struct {
	Op     string
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("idp: %s failed with status %d: %s", e.Op, e.Status, e.Body)
}

// Config describes the upstream provider. Either Issuer (OIDC discovery) or
// TenantID (endpoint templating) must be set.
type Config struct {
	ClientID     string
	ClientSecret string
	// TenantID selects the provider tenant when endpoints are templated.
	TenantID string
	// Issuer, when set, takes precedence and endpoints are discovered via
	// OIDC discovery.
	Issuer      string
	RedirectURI string
	Scopes      []string
	// Timeout bounds every outbound call. Defaults to 15s.
	Timeout time.Duration
}

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"openid", "profile", "email", "User.Read"}

// Token is the result of an upstream authorization-code exchange.
type Token struct {
	AccessToken string
	IDToken     string
	// Raw is the verbatim upstream token response body.
	Raw json.RawMessage
}

// Profile is the authenticated user's upstream identity.
type Profile struct {
	ID                string          `json:"id"`
	DisplayName       string          `json:"displayName"`
	Mail              string          `json:"mail"`
	UserPrincipalName string          `json:"userPrincipalName"`
	Raw               json.RawMessage `json:"-"`
}

// Email returns the user's mail address, falling back to the principal name
// when the directory record has no mail attribute.
func (p *Profile) Email() string {
	if p.Mail != "" {
		return p.Mail
	}
	return p.UserPrincipalName
}

// Client talks to the upstream provider. Safe for concurrent use.
type Client struct {
	cfg         Config
	http        *http.Client
	oauth       oauth2.Config
	userinfoURL string
	verifier    *oidc.IDTokenVerifier
}

// ClientID returns the upstream application id.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// RedirectURI returns the callback registered with the upstream provider.
func (c *Client) RedirectURI() string { return c.cfg.RedirectURI }

// New builds a Client. When cfg.Issuer is set, endpoints come from OIDC
// discovery and upstream id_tokens are verified against the provider's JWKS;
// otherwise endpoints are templated from cfg.TenantID and the profile is
// fetched from the directory API.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	c.oauth = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       scopes,
	}

	if cfg.Issuer != "" {
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.http), cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("idp: discovery failed: %w", err)
		}
		var meta struct {
			UserinfoEndpoint string `json:"userinfo_endpoint"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("idp: invalid discovery metadata: %w", err)
		}
		c.oauth.Endpoint = provider.Endpoint()
		c.userinfoURL = meta.UserinfoEndpoint
		c.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
		return c, nil
	}

	if cfg.TenantID != "" {
		base := "https://login.microsoftonline.com/" + cfg.TenantID + "/oauth2/v2.0"
		c.oauth.Endpoint = oauth2.Endpoint{
			AuthURL:  base + "/authorize",
			TokenURL: base + "/token",
		}
		c.userinfoURL = "https://graph.microsoft.com/v1.0/me"
	}
	// A client with neither issuer nor tenant is permitted to exist; every
	// operation then fails with ErrConfig, surfaced at the HTTP boundary.
	return c, nil
}

// AuthCodeURL builds the upstream authorization URL carrying the given state.
func (c *Client) AuthCodeURL(state string) (string, error) {
	if c.cfg.ClientID == "" || c.oauth.Endpoint.AuthURL == "" {
		return "", fmt.Errorf("%w: client id and tenant (or issuer) are required", ErrConfig)
	}
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("response_mode", "query")), nil
}

// Exchange performs the authorization-code grant against the upstream token
// endpoint and returns the parsed access token alongside the raw response.
func (c *Client) Exchange(ctx context.Context, code string) (*Token, error) {
	if c.cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: client secret is required", ErrConfig)
	}
	if c.oauth.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("%w: tenant (or issuer) is required", ErrConfig)
	}

	form := url.Values{
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {c.cfg.RedirectURI},
		"scope":         {strings.Join(c.oauth.Scopes, " ")},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("idp: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("idp: token exchange: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("idp: read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Op: "token exchange", Status: resp.StatusCode, Body: body}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		IDToken     string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("idp: decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, &UpstreamError{Op: "token exchange", Status: resp.StatusCode, Body: body}
	}

	if c.verifier != nil && parsed.IDToken != "" {
		if _, err := c.verifier.Verify(ctx, parsed.IDToken); err != nil {
			return nil, fmt.Errorf("idp: id_token verification: %w", err)
		}
	}

	return &Token{AccessToken: parsed.AccessToken, IDToken: parsed.IDToken, Raw: body}, nil
}

// UserInfo fetches the authenticated user's profile with a bearer header.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*Profile, error) {
	if c.userinfoURL == "" {
		return nil, fmt.Errorf("%w: tenant (or issuer) is required", ErrConfig)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("idp: build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("idp: userinfo: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("idp: read userinfo response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Op: "userinfo", Status: resp.StatusCode, Body: body}
	}

	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, fmt.Errorf("idp: decode userinfo response: %w", err)
	}
	profile.Raw = body
	return &profile, nil
}
