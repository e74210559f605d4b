package eunomia

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// DefaultBypassMethods are protocol methods every authenticated caller may
// invoke.
var DefaultBypassMethods = []string{
	"initialize",
	"ping",
	"notifications/*",
	"tools/list",
	"resources/list",
	"prompts/list",
}

// Config for the Eunomia decorator. Defaults can be loaded via envdecode.
type Config struct {
	Enable bool `env:"EUNOMIA_ENABLE,default=false"`
	// PolicyFile is the JSON policy document. ENV: EUNOMIA_POLICY_FILE
	PolicyFile         string `env:"EUNOMIA_POLICY_FILE,default=mcp_policies.json"`
	ServerName         string `env:"EUNOMIA_SERVER_NAME,default=githound"`
	EnableAuditLogging bool   `env:"EUNOMIA_ENABLE_AUDIT_LOGGING,default=true"`
	// BypassMethodsJSON is a JSON array of permission patterns. ENV: EUNOMIA_BYPASS_METHODS
	BypassMethodsJSON string `env:"EUNOMIA_BYPASS_METHODS"`

	// Endpoint switches to a remote Eunomia server instead of the local
	// policy file.
	Endpoint string        `env:"EUNOMIA_ENDPOINT"`
	APIKey   string        `env:"EUNOMIA_API_KEY"`
	Timeout  time.Duration `env:"EUNOMIA_TIMEOUT,default=5s"`

	BypassMethods []string
}

// ConfigFromEnv decodes EUNOMIA_* variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("eunomia config: %w", err)
	}
	if err := cfg.decodeBypass(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) decodeBypass() error {
	if c.BypassMethodsJSON == "" {
		return nil
	}
	var methods []string
	if err := json.Unmarshal([]byte(c.BypassMethodsJSON), &methods); err != nil {
		return fmt.Errorf("EUNOMIA_BYPASS_METHODS must be a JSON array of strings: %w", err)
	}
	c.BypassMethods = methods
	return nil
}

func (c Config) withDefaults() Config {
	if c.PolicyFile == "" {
		c.PolicyFile = "mcp_policies.json"
	}
	if c.ServerName == "" {
		c.ServerName = "githound"
	}
	if c.BypassMethods == nil {
		c.BypassMethods = append([]string(nil), DefaultBypassMethods...)
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}
