package oauthproxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/githound/mcp-auth/auth"
	"golang.org/x/oauth2/google"
)

const googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// Google is a proxy bound to Google OAuth clients, optionally restricted to
// a single Workspace domain.
type Google struct {
	*Proxy
	workspace *WorkspaceConfig
}

// WorkspaceConfig restricts sign-in to one hosted domain.
type WorkspaceConfig struct {
	Domain string
	// AdminEmails are full addresses granted the admin role.
	AdminEmails []string
	// AdminPrefixes are local-part prefixes granted the admin role. Defaults
	// to "admin".
	AdminPrefixes []string
}

func googleDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "google"
	}
	if cfg.AuthorizationEndpoint == "" {
		cfg.AuthorizationEndpoint = google.Endpoint.AuthURL
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = google.Endpoint.TokenURL
	}
	if cfg.UserinfoEndpoint == "" {
		cfg.UserinfoEndpoint = googleUserinfoURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}
}

func NewGoogle(cfg Config) (*Google, error) {
	googleDefaults(&cfg)
	g := &Google{}
	p, err := New(cfg, g.mapUserInfo)
	if err != nil {
		return nil, err
	}
	g.Proxy = p
	return g, nil
}

// NewGoogleWorkspace returns a Google proxy that rejects accounts outside
// ws.Domain and asks the consent screen to preselect that domain.
func NewGoogleWorkspace(cfg Config, ws WorkspaceConfig) (*Google, error) {
	ws.Domain = strings.ToLower(strings.TrimSpace(ws.Domain))
	if ws.Domain == "" {
		return nil, auth.MissingField("domain")
	}
	if len(ws.AdminPrefixes) == 0 {
		ws.AdminPrefixes = []string{"admin"}
	}
	if cfg.Name == "" {
		cfg.Name = "google_workspace"
	}
	googleDefaults(&cfg)
	params := map[string]string{"hd": ws.Domain}
	for k, v := range cfg.AuthURLParams {
		params[k] = v
	}
	cfg.AuthURLParams = params

	g := &Google{workspace: &ws}
	p, err := New(cfg, g.mapUserInfo)
	if err != nil {
		return nil, err
	}
	g.Proxy = p
	return g, nil
}

func (g *Google) mapUserInfo(_ context.Context, _ string, profile map[string]any) (*auth.TokenInfo, error) {
	sub := stringClaim(profile, "sub")
	if sub == "" {
		return nil, nil
	}
	email := stringClaim(profile, "email")
	username := email
	if username == "" {
		username = "user_" + sub
	}
	info := &auth.TokenInfo{
		UserID:      sub,
		Username:    username,
		Email:       email,
		Roles:       []string{auth.RoleUser},
		Permissions: []string{"read"},
	}
	if g.workspace == nil {
		return info, nil
	}

	local, domain, ok := strings.Cut(strings.ToLower(email), "@")
	if !ok || domain != g.workspace.Domain {
		return nil, fmt.Errorf("%w: account domain %q is not allowed", auth.ErrInvalidCredential, domain)
	}
	if hd := stringClaim(profile, "hd"); hd != "" && !strings.EqualFold(hd, g.workspace.Domain) {
		return nil, fmt.Errorf("%w: hosted domain %q is not allowed", auth.ErrInvalidCredential, hd)
	}
	if g.isAdmin(strings.ToLower(email), local) {
		info.Roles = []string{auth.RoleAdmin}
		info.Permissions = []string{"read", "write", auth.PermissionAdmin}
	}
	return info, nil
}

func (g *Google) isAdmin(email, local string) bool {
	for _, a := range g.workspace.AdminEmails {
		if strings.EqualFold(a, email) {
			return true
		}
	}
	for _, prefix := range g.workspace.AdminPrefixes {
		if prefix != "" && strings.HasPrefix(local, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}
