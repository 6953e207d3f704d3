package authbroker

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/commsio/mcp-gateway/authstore"
	"github.com/commsio/mcp-gateway/internal/logctx"
	"github.com/commsio/mcp-gateway/internal/wellknown"
	"github.com/commsio/mcp-gateway/mcp"
)

// oauthError is the RFC 6749 error body returned by the token endpoint.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, oauthError{Error: code, Description: description})
}

// handleAuthorize starts the two-layer flow: it records the client's
// redirect target and PKCE challenge, then forwards the browser to the
// upstream provider with a correlating state value.
func (b *Broker) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	if responseType == "" {
		responseType = "code"
	}
	state := q.Get("state")
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if method == "" {
		method = "S256"
	}

	ctx = logctx.WithFlowData(ctx, &logctx.FlowData{ClientID: clientID})
	b.log.InfoContext(ctx, "authorize.start", slog.String("redirect_uri", redirectURI))

	if clientID == "" || redirectURI == "" {
		http.Error(w, "client_id and redirect_uri are required", http.StatusBadRequest)
		return
	}
	if responseType != "code" {
		http.Error(w, "Only response_type=code is supported", http.StatusBadRequest)
		return
	}
	// PKCE is mandatory for public clients (RFC 7636).
	if challenge == "" {
		b.log.WarnContext(ctx, "authorize.pkce.missing")
		http.Error(w, "code_challenge is required for public clients", http.StatusBadRequest)
		return
	}
	if method != "S256" {
		b.log.WarnContext(ctx, "authorize.pkce.method.unsupported", slog.String("method", method))
		http.Error(w, "Only S256 code_challenge_method is supported", http.StatusBadRequest)
		return
	}

	// The state both correlates the upstream callback and rides back to the
	// client untouched. Generate one when the client sent none.
	if state == "" {
		state = authstore.NewToken()
	}

	sessionID, err := b.store.CreateSession(ctx, authstore.SessionParams{
		State:         state,
		RedirectURI:   redirectURI,
		PKCEChallenge: challenge,
		PKCEMethod:    method,
	})
	if err != nil {
		b.log.ErrorContext(ctx, "authorize.session.create.fail", slog.String("err", err.Error()))
		http.Error(w, "failed to start authorization", http.StatusInternalServerError)
		return
	}
	ctx = logctx.WithFlowData(ctx, &logctx.FlowData{SessionID: sessionID, ClientID: clientID})

	authURL, err := b.idp.AuthCodeURL(state)
	if err != nil {
		b.log.ErrorContext(ctx, "authorize.upstream_url.fail", slog.String("err", err.Error()))
		http.Error(w, "authorization is not configured", http.StatusInternalServerError)
		return
	}

	b.log.InfoContext(ctx, "authorize.redirect.upstream")
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback receives the upstream provider's redirect, exchanges its
// code, fetches the user's profile, and mints the internal authorization
// code that the client will present at the token endpoint.
func (b *Broker) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		b.log.WarnContext(ctx, "callback.upstream.denied",
			slog.String("error", errCode),
			slog.String("description", q.Get("error_description")))
		b.renderFailurePage(w, http.StatusOK, errCode, q.Get("error_description"))
		return
	}

	code := q.Get("code")
	if code == "" {
		b.log.WarnContext(ctx, "callback.code.missing")
		b.renderFailurePage(w, http.StatusOK, "invalid_request", "Missing authorization code")
		return
	}
	state := q.Get("state")

	var session *authstore.FlowSession
	if state != "" {
		var err error
		session, err = b.store.GetSessionByState(ctx, state)
		if err != nil {
			b.log.ErrorContext(ctx, "callback.session.load.fail", slog.String("err", err.Error()))
			b.renderFailurePage(w, http.StatusInternalServerError, "server_error", "An internal error occurred")
			return
		}
		if session == nil {
			b.log.WarnContext(ctx, "callback.session.miss")
		} else {
			ctx = logctx.WithFlowData(ctx, &logctx.FlowData{SessionID: session.ID})
		}
	}

	token, err := b.idp.Exchange(ctx, code)
	if err != nil {
		b.log.ErrorContext(ctx, "callback.exchange.fail", slog.String("err", err.Error()))
		b.renderFailurePage(w, http.StatusInternalServerError, "server_error", "Failed to exchange authorization code")
		return
	}

	profile, err := b.idp.UserInfo(ctx, token.AccessToken)
	if err != nil {
		b.log.ErrorContext(ctx, "callback.userinfo.fail", slog.String("err", err.Error()))
		b.renderFailurePage(w, http.StatusInternalServerError, "server_error", "Failed to get user information")
		return
	}
	ctx = logctx.WithIdentityData(ctx, &logctx.IdentityData{UserID: profile.ID, Email: profile.Email()})

	params := authstore.AuthCodeParams{
		UpstreamToken:     token.AccessToken,
		UpstreamTokenData: token.Raw,
		Profile: authstore.UserProfile{
			ID:          profile.ID,
			Email:       profile.Email(),
			DisplayName: profile.DisplayName,
		},
		State: state,
	}
	if session != nil {
		params.RedirectURI = session.RedirectURI
		params.PKCEChallenge = session.PKCEChallenge
		params.PKCEMethod = session.PKCEMethod
	}

	authCode, err := b.store.CreateAuthCode(ctx, params)
	if err != nil {
		b.log.ErrorContext(ctx, "callback.code.create.fail", slog.String("err", err.Error()))
		b.renderFailurePage(w, http.StatusInternalServerError, "server_error", "An internal error occurred")
		return
	}
	b.log.InfoContext(ctx, "callback.code.minted")

	if session != nil {
		// The flow is settled; the state value must not resolve again.
		if _, err := b.store.DeleteSession(ctx, session.ID); err != nil {
			b.log.WarnContext(ctx, "callback.session.delete.fail", slog.String("err", err.Error()))
		}
	}

	if session != nil && session.RedirectURI != "" {
		dest, err := url.Parse(session.RedirectURI)
		if err != nil {
			b.log.ErrorContext(ctx, "callback.redirect.parse.fail", slog.String("err", err.Error()))
			b.renderFailurePage(w, http.StatusInternalServerError, "server_error", "Invalid redirect URI")
			return
		}
		dq := dest.Query()
		dq.Set("code", authCode)
		if state != "" {
			dq.Set("state", state)
		}
		dest.RawQuery = dq.Encode()

		b.log.InfoContext(ctx, "callback.redirect.client")
		http.Redirect(w, r, dest.String(), http.StatusFound)
		return
	}

	// No registered redirect: show the code for manual completion.
	b.renderSuccessPage(w, authCode)
}

// handleToken exchanges an internal authorization code for a bearer token.
// The code is consumed atomically before PKCE verification so a failed
// verification still burns it.
func (b *Broker) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Malformed form body")
		return
	}
	grantType := r.PostFormValue("grant_type")
	code := r.PostFormValue("code")
	verifier := r.PostFormValue("code_verifier")

	if grantType != "authorization_code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "Only authorization_code grant type is supported")
		return
	}
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Missing authorization code")
		return
	}

	record, err := b.store.ConsumeAuthCode(ctx, code)
	if err != nil {
		b.log.ErrorContext(ctx, "token.code.consume.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "An internal error occurred")
		return
	}
	if record == nil {
		b.log.WarnContext(ctx, "token.code.invalid")
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Authorization code is invalid or expired")
		return
	}

	if record.PKCEChallenge != "" {
		if verifier == "" {
			b.log.WarnContext(ctx, "token.pkce.verifier.missing")
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code_verifier is required for PKCE")
			return
		}
		if record.PKCEMethod != "S256" {
			b.log.WarnContext(ctx, "token.pkce.method.unsupported", slog.String("method", record.PKCEMethod))
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Only S256 code_challenge_method is supported")
			return
		}
		if !verifyPKCE(verifier, record.PKCEChallenge) {
			b.log.WarnContext(ctx, "token.pkce.mismatch")
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
	}

	accessToken, err := b.mintToken(record.Profile)
	if err != nil {
		b.log.ErrorContext(ctx, "token.mint.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "An internal error occurred")
		return
	}

	ctx = logctx.WithIdentityData(ctx, &logctx.IdentityData{UserID: record.Profile.ID, Email: record.Profile.Email})
	b.log.InfoContext(ctx, "token.issued")

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(b.tokenTTL / time.Second),
		"scope":        "openid profile email",
	})
}

// verifyPKCE checks an S256 verifier against the stored challenge
// (RFC 7636 §4.6).
func verifyPKCE(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// handleUserInfo is the OIDC userinfo endpoint, served from the bearer
// token's own claims.
func (b *Broker) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	id := b.Authenticate(r)
	if id == nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="MCP Gateway"`)
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token", "Missing or invalid bearer token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":            id.UserID,
		"email":          id.Email,
		"name":           id.Name,
		"email_verified": true,
		"updated_at":     time.Now().Unix(),
	})
}

// handleRegister is a static RFC 7591 response: every client shares the
// upstream app registration and authenticates as a public client.
func (b *Broker) handleRegister(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":                       b.idp.ClientID(),
		"client_secret":                   "",
		"registration_access_token":       "",
		"registration_client_uri":         "",
		"client_id_issued_at":             time.Now().Unix(),
		"client_secret_expires_at":        0,
		"redirect_uris":                   []string{b.idp.RedirectURI()},
		"grant_types":                     []string{"authorization_code"},
		"response_types":                  []string{"code"},
		"token_endpoint_auth_method":      "none",
		"application_type":                "web",
		"token_endpoint_auth_signing_alg": "RS256",
	})
}

func (b *Broker) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wellknown.NewAuthorizationServer(baseURLFromRequest(r)))
}

func (b *Broker) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wellknown.NewProtectedResource(baseURLFromRequest(r)))
}

func (b *Broker) handleOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wellknown.NewOpenIDConfiguration(baseURLFromRequest(r)))
}

func (b *Broker) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":             b.serverName,
		"version":          b.serverVer,
		"protocol_version": mcp.ProtocolVersion,
		"status":           "healthy",
		"endpoints": map[string]string{
			"mcp":                        "/mcp",
			"oauth_authorization_server": "/.well-known/oauth-authorization-server",
			"health":                     "/health",
		},
	})
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"service":          b.serverName,
		"version":          b.serverVer,
		"protocol_version": mcp.ProtocolVersion,
	})
}
