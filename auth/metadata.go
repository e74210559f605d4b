package auth

// OAuthMetadata is the OAuth 2.0 authorization server discovery document a
// provider advertises (RFC 8414 plus the dynamic registration alias used by
// MCP clients).
type OAuthMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	DynamicClientRegistrationEndpoint string   `json:"dynamic_client_registration_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// Copy returns a deep copy so callers cannot mutate provider state.
func (m *OAuthMetadata) Copy() *OAuthMetadata {
	if m == nil {
		return nil
	}
	c := *m
	c.ResponseTypesSupported = append([]string(nil), m.ResponseTypesSupported...)
	c.GrantTypesSupported = append([]string(nil), m.GrantTypesSupported...)
	c.ScopesSupported = append([]string(nil), m.ScopesSupported...)
	c.TokenEndpointAuthMethodsSupported = append([]string(nil), m.TokenEndpointAuthMethodsSupported...)
	c.CodeChallengeMethodsSupported = append([]string(nil), m.CodeChallengeMethodsSupported...)
	return &c
}
