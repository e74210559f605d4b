package factory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/githound/mcp-auth/authz/eunomia"
	"github.com/githound/mcp-auth/authz/permit"
)

// Storage backends for OAuth proxy state.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config selects the base provider and the decorators layered over it. The
// env tags name the variables FromEnv reads.
type Config struct {
	// Provider is a registry key or a legacy dotted class path.
	Provider string `env:"FASTMCP_SERVER_AUTH"`

	JWKSURI   string        `env:"FASTMCP_SERVER_AUTH_JWKS_URI"`
	Issuer    string        `env:"FASTMCP_SERVER_AUTH_ISSUER"`
	Audience  string        `env:"FASTMCP_SERVER_AUTH_AUDIENCE"`
	Algorithm string        `env:"FASTMCP_SERVER_AUTH_ALGORITHM"`
	Secret    string        `env:"FASTMCP_SERVER_AUTH_SECRET"`
	Leeway    time.Duration `env:"FASTMCP_SERVER_AUTH_LEEWAY"`

	// BaseURL is where the OAuth proxy endpoints are reachable.
	BaseURL string        `env:"FASTMCP_SERVER_AUTH_BASE_URL"`
	Timeout time.Duration `env:"FASTMCP_SERVER_AUTH_TIMEOUT,default=10s"`

	GitHubClientID     string `env:"FASTMCP_SERVER_AUTH_GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"FASTMCP_SERVER_AUTH_GITHUB_CLIENT_SECRET"`
	GitHubScopes       string `env:"FASTMCP_SERVER_AUTH_GITHUB_SCOPES"`

	GoogleClientID     string `env:"FASTMCP_SERVER_AUTH_GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"FASTMCP_SERVER_AUTH_GOOGLE_CLIENT_SECRET"`
	GoogleScopes       string `env:"FASTMCP_SERVER_AUTH_GOOGLE_SCOPES"`

	GoogleWorkspaceDomain      string `env:"FASTMCP_SERVER_AUTH_GOOGLE_WORKSPACE_DOMAIN"`
	GoogleWorkspaceAdminEmails string `env:"FASTMCP_SERVER_AUTH_GOOGLE_WORKSPACE_ADMIN_EMAILS"`

	Storage         string `env:"GITHOUND_AUTH_STORAGE,default=memory"`
	StorageMaxItems uint64 `env:"GITHOUND_AUTH_STORAGE_MAX_ITEMS,default=0"`
	RedisAddr       string `env:"REDIS_ADDR"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB,default=0"`
	RedisKeyPrefix  string `env:"GITHOUND_AUTH_REDIS_PREFIX"`

	// Decorator settings. A decorator is applied when its Enable is set;
	// FromEnv fills them from EUNOMIA_* and PERMIT_*.
	Eunomia eunomia.Config
	Permit  permit.Config
}

// ConfigFromEnv decodes the provider and decorator settings.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("auth config: %w", err)
	}
	var err error
	if cfg.Eunomia, err = eunomia.ConfigFromEnv(); err != nil {
		return cfg, err
	}
	if cfg.Permit, err = permit.ConfigFromEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decorators returns the requested decorators, innermost first.
func (c Config) Decorators() []string {
	var out []string
	if c.Eunomia.Enable {
		out = append(out, DecoratorEunomia)
	}
	if c.Permit.Enable {
		out = append(out, DecoratorPermit)
	}
	return out
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}
