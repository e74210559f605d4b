package permit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/githound/mcp-auth/auth"
	"github.com/joeshaw/envdecode"
)

// Identity modes select how the Permit user key is derived.
const (
	// IdentityFixed uses IdentityFixedValue for every request.
	IdentityFixed = "fixed"
	// IdentityHeader uses the raw value of IdentityHeader.
	IdentityHeader = "header"
	// IdentityJWT verifies the bearer token in IdentityHeader with
	// IdentityJWTSecret and uses the IdentityJWTField claim.
	IdentityJWT = "jwt"
	// IdentitySource uses the authenticated user's name.
	IdentitySource = "source"
)

var DefaultBypassedMethods = []string{"initialize", "ping", "notifications/*"}

// Config for the Permit.io decorator. Defaults can be loaded via envdecode.
type Config struct {
	Enable bool `env:"PERMIT_ENABLE,default=false"`

	PDPURL string `env:"PERMIT_MCP_PERMIT_PDP_URL,default=http://localhost:7766"`
	APIKey string `env:"PERMIT_MCP_PERMIT_API_KEY"`
	Tenant string `env:"PERMIT_MCP_PERMIT_TENANT,default=default"`

	ServerName string `env:"PERMIT_MCP_SERVER_NAME,default=githound"`

	IdentityMode       string `env:"PERMIT_MCP_IDENTITY_MODE,default=source"`
	IdentityHeader     string `env:"PERMIT_MCP_IDENTITY_HEADER,default=Authorization"`
	IdentityJWTSecret  string `env:"PERMIT_MCP_IDENTITY_JWT_SECRET"`
	IdentityJWTField   string `env:"PERMIT_MCP_IDENTITY_JWT_FIELD,default=sub"`
	IdentityFixedValue string `env:"PERMIT_MCP_IDENTITY_FIXED_VALUE,default=client"`

	// BypassedMethodsJSON is a JSON array. ENV: PERMIT_MCP_BYPASSED_METHODS
	BypassedMethodsJSON string        `env:"PERMIT_MCP_BYPASSED_METHODS"`
	EnableAuditLogging  bool          `env:"PERMIT_MCP_ENABLE_AUDIT_LOGGING,default=true"`
	Timeout             time.Duration `env:"PERMIT_MCP_TIMEOUT,default=5s"`

	BypassedMethods []string
}

// ConfigFromEnv decodes PERMIT_* variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("permit config: %w", err)
	}
	if cfg.BypassedMethodsJSON != "" {
		if err := json.Unmarshal([]byte(cfg.BypassedMethodsJSON), &cfg.BypassedMethods); err != nil {
			return cfg, fmt.Errorf("PERMIT_MCP_BYPASSED_METHODS must be a JSON array of strings: %w", err)
		}
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.PDPURL == "" {
		c.PDPURL = "http://localhost:7766"
	}
	if c.Tenant == "" {
		c.Tenant = "default"
	}
	if c.ServerName == "" {
		c.ServerName = "githound"
	}
	if c.IdentityMode == "" {
		c.IdentityMode = IdentitySource
	}
	if c.IdentityHeader == "" {
		c.IdentityHeader = "Authorization"
	}
	if c.IdentityJWTField == "" {
		c.IdentityJWTField = "sub"
	}
	if c.BypassedMethods == nil {
		c.BypassedMethods = append([]string(nil), DefaultBypassedMethods...)
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

func (c Config) validate() error {
	switch c.IdentityMode {
	case IdentityFixed, IdentityHeader, IdentitySource:
	case IdentityJWT:
		if c.IdentityJWTSecret == "" {
			return auth.MissingField("PERMIT_MCP_IDENTITY_JWT_SECRET")
		}
	default:
		return &auth.ConfigError{Field: "PERMIT_MCP_IDENTITY_MODE", Reason: fmt.Sprintf("unknown identity mode %q", c.IdentityMode)}
	}
	return nil
}
