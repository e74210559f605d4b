package factory

import (
	"context"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/oauthproxy"
)

var builtins = map[string]ProviderFactory{
	"jwt":              buildJWT,
	"jwks":             buildJWKS,
	"static_jwt":       buildStaticJWT,
	"github":           buildGitHub,
	"google":           buildGoogle,
	"google_workspace": buildGoogleWorkspace,
}

// aliases maps older provider names onto built-ins.
var aliases = map[string]string{
	"bearer_auth":  "jwt",
	"static_token": "static_jwt",
}

func verifierOptions(cfg Config, deps *Deps) []auth.VerifierOption {
	opts := []auth.VerifierOption{auth.WithLogger(deps.Logger)}
	if cfg.Leeway > 0 {
		opts = append(opts, auth.WithLeeway(cfg.Leeway))
	}
	return opts
}

// buildJWT picks a key source from whatever cfg provides: a JWKS URI, then
// a shared secret, then OIDC discovery on the issuer.
func buildJWT(ctx context.Context, cfg Config, deps *Deps) (auth.Provider, error) {
	switch {
	case cfg.JWKSURI != "":
		return buildJWKS(ctx, cfg, deps)
	case cfg.Secret != "":
		return buildStaticJWT(ctx, cfg, deps)
	case cfg.Issuer != "":
		return auth.NewFromDiscovery(ctx, cfg.Issuer, cfg.Audience, verifierOptions(cfg, deps)...)
	}
	return nil, auth.MissingField("FASTMCP_SERVER_AUTH_JWKS_URI")
}

func buildJWKS(ctx context.Context, cfg Config, deps *Deps) (auth.Provider, error) {
	opts := verifierOptions(cfg, deps)
	if cfg.Algorithm != "" {
		opts = append(opts, auth.WithAllowedAlgs(cfg.Algorithm))
	}
	return auth.NewJWKSVerifier(ctx, auth.JWKSConfig{
		JWKSURI:  cfg.JWKSURI,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
	}, opts...)
}

func buildStaticJWT(_ context.Context, cfg Config, deps *Deps) (auth.Provider, error) {
	return auth.NewStaticJWTVerifier(auth.StaticConfig{
		Secret:    cfg.Secret,
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
		Algorithm: cfg.Algorithm,
	}, verifierOptions(cfg, deps)...)
}

func proxyConfig(ctx context.Context, cfg Config, deps *Deps, clientID, clientSecret, scopes string) (oauthproxy.Config, error) {
	pc := oauthproxy.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       splitList(scopes),
		BaseURL:      cfg.BaseURL,
		Timeout:      cfg.Timeout,
		HTTPClient:   deps.HTTPClient,
		Logger:       deps.Logger,
	}
	store, err := deps.Storage(ctx)
	if err != nil {
		return pc, err
	}
	pc.Store = store
	return pc, nil
}

func buildGitHub(ctx context.Context, cfg Config, deps *Deps) (auth.Provider, error) {
	pc, err := proxyConfig(ctx, cfg, deps, cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubScopes)
	if err != nil {
		return nil, err
	}
	p, err := oauthproxy.NewGitHub(pc)
	if err != nil {
		return nil, err
	}
	deps.OnClose(p.Close)
	return p, nil
}

func buildGoogle(ctx context.Context, cfg Config, deps *Deps) (auth.Provider, error) {
	pc, err := proxyConfig(ctx, cfg, deps, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleScopes)
	if err != nil {
		return nil, err
	}
	p, err := oauthproxy.NewGoogle(pc)
	if err != nil {
		return nil, err
	}
	deps.OnClose(p.Close)
	return p, nil
}

func buildGoogleWorkspace(ctx context.Context, cfg Config, deps *Deps) (auth.Provider, error) {
	if cfg.GoogleWorkspaceDomain == "" {
		return nil, auth.MissingField("FASTMCP_SERVER_AUTH_GOOGLE_WORKSPACE_DOMAIN")
	}
	pc, err := proxyConfig(ctx, cfg, deps, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleScopes)
	if err != nil {
		return nil, err
	}
	p, err := oauthproxy.NewGoogleWorkspace(pc, oauthproxy.WorkspaceConfig{
		Domain:      cfg.GoogleWorkspaceDomain,
		AdminEmails: splitList(cfg.GoogleWorkspaceAdminEmails),
	})
	if err != nil {
		return nil, err
	}
	deps.OnClose(p.Close)
	return p, nil
}
