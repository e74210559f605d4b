package oauthproxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/internal/httpclient"
	"golang.org/x/oauth2/github"
)

const githubUserURL = "https://api.github.com/user"

// GitHub is a proxy bound to GitHub OAuth apps.
type GitHub struct {
	*Proxy
	emailsURL string
}

// NewGitHub fills in GitHub's endpoints and default scopes where cfg leaves
// them empty.
func NewGitHub(cfg Config) (*GitHub, error) {
	if cfg.Name == "" {
		cfg.Name = "github"
	}
	if cfg.AuthorizationEndpoint == "" {
		cfg.AuthorizationEndpoint = github.Endpoint.AuthURL
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = github.Endpoint.TokenURL
	}
	if cfg.UserinfoEndpoint == "" {
		cfg.UserinfoEndpoint = githubUserURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:user", "user:email"}
	}

	g := &GitHub{emailsURL: strings.TrimSuffix(cfg.UserinfoEndpoint, "/user") + "/user/emails"}
	p, err := New(cfg, g.mapUserInfo)
	if err != nil {
		return nil, err
	}
	g.Proxy = p
	return g, nil
}

func (g *GitHub) mapUserInfo(ctx context.Context, token string, profile map[string]any) (*auth.TokenInfo, error) {
	id := stringClaim(profile, "id")
	if id == "" {
		return nil, nil
	}
	login := stringClaim(profile, "login")
	email := stringClaim(profile, "email")
	if email == "" {
		email = g.primaryEmail(ctx, token)
	}

	perms := []string{"read"}
	if stringClaim(profile, "type") == "Organization" {
		perms = append(perms, auth.PermissionAdmin)
	}
	return &auth.TokenInfo{
		UserID:      id,
		Username:    login,
		Email:       email,
		Roles:       []string{auth.RoleUser},
		Permissions: perms,
	}, nil
}

// primaryEmail resolves a private address from the emails listing. Failures
// leave the email empty.
func (g *GitHub) primaryEmail(ctx context.Context, token string) string {
	resp, err := g.http.Get(ctx, g.emailsURL, httpclient.WithAuthToken(token))
	if err != nil || resp.IsError() {
		g.log.DebugContext(ctx, "oauthproxy.github.emails_unavailable", slog.Any("error", err))
		return ""
	}
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(resp.Body(), &emails); err != nil {
		return ""
	}
	for _, e := range emails {
		if e.Primary {
			return e.Email
		}
	}
	return ""
}
