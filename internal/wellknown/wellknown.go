// Package wellknown holds the discovery documents served under
// /.well-known/. Each type marshals to the wire shape of its RFC; the
// constructors stamp out documents for a concrete base URL so handlers
// stay trivial.
package wellknown

// ProtectedResourceMetadata is the RFC 9728 protected resource document.
type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
	ResourcePolicyURI                 string   `json:"resource_policy_uri,omitempty"`
	ResourceTosURI                    string   `json:"resource_tos_uri,omitempty"`
}

// AuthorizationServerMetadata is the RFC 8414 authorization server document.
//
// No jwks_uri is advertised: access tokens are signed with a symmetric key
// that is never published, and advertising the upstream IdP's JWKS would
// only mislead clients into verifying the wrong tokens.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
	ServiceDocumentation              string   `json:"service_documentation,omitempty"`
}

// NewProtectedResource builds the protected resource document for the
// given externally visible base URL.
func NewProtectedResource(baseURL string) *ProtectedResourceMetadata {
	return &ProtectedResourceMetadata{
		Resource:                          baseURL,
		AuthorizationServers:              []string{baseURL},
		ScopesSupported:                   []string{"openid", "profile", "email"},
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: []string{"RS256"},
		ResourceDocumentation:             baseURL + "/docs",
		ResourcePolicyURI:                 baseURL + "/privacy",
		ResourceTosURI:                    baseURL + "/terms",
	}
}

// NewAuthorizationServer builds the authorization server document. The
// gateway itself is the issuer; the upstream IdP never appears here.
func NewAuthorizationServer(baseURL string) *AuthorizationServerMetadata {
	return &AuthorizationServerMetadata{
		Issuer:                            baseURL,
		AuthorizationEndpoint:             baseURL + "/authorize",
		TokenEndpoint:                     baseURL + "/token",
		UserinfoEndpoint:                  baseURL + "/userinfo",
		RegistrationEndpoint:              baseURL + "/register",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		ScopesSupported:                   []string{"openid", "profile", "email", "User.Read"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		ClaimsSupported:                   []string{"sub", "email", "name", "exp", "iat"},
		ServiceDocumentation:              baseURL + "/docs",
	}
}

// NewOpenIDConfiguration builds the OpenID Connect discovery document.
// It is the authorization server document minus the registration and
// documentation pointers, which OIDC discovery does not define.
func NewOpenIDConfiguration(baseURL string) *AuthorizationServerMetadata {
	doc := NewAuthorizationServer(baseURL)
	doc.RegistrationEndpoint = ""
	doc.ServiceDocumentation = ""
	doc.ScopesSupported = []string{"openid", "profile", "email"}
	return doc
}
