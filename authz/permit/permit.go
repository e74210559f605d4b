// Package permit authorizes requests against a Permit.io policy decision
// point, layered over an inner authentication provider.
package permit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/authz"
	"github.com/githound/mcp-auth/internal/httpclient"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

// Name identifies the decorator in the factory registry and logs.
const Name = "permit"

type Provider struct {
	*authz.Decorator

	mu  sync.Mutex
	hc  *http.Client
	log *slog.Logger
}

type Option func(*Provider)

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.hc = hc }
}

// New wraps inner with PDP checks. The PDP is not contacted until the
// first permission check.
func New(inner auth.Provider, cfg Config, opts ...Option) (*Provider, error) {
	p := &Provider{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(p)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d, err := authz.NewDecorator(inner, Name, settingsOf(cfg), p.engine(cfg), p.log)
	if err != nil {
		return nil, err
	}
	p.Decorator = d
	return p, nil
}

func settingsOf(cfg Config) authz.Settings {
	return authz.Settings{
		ServerName:    cfg.ServerName,
		BypassMethods: cfg.BypassedMethods,
		AuditLog:      cfg.EnableAuditLogging,
		Config:        cfg,
	}
}

func (p *Provider) engine(cfg Config) *PDPEngine {
	var client *httpclient.Client
	if p.hc != nil {
		client = httpclient.NewWithHTTPClient(p.hc, cfg.Timeout)
	} else {
		client = httpclient.New(cfg.Timeout)
	}
	return &PDPEngine{http: client, cfg: cfg, log: p.log}
}

// Config returns a copy of the active configuration. It always matches the
// PDP client in service.
func (p *Provider) Config() Config {
	c, _ := p.Settings().Config.(Config)
	c.BypassedMethods = append([]string(nil), c.BypassedMethods...)
	return c
}

// UpdateConfig applies fn to a copy of the configuration and swaps in a
// freshly built PDP client.
func (p *Provider) UpdateConfig(fn func(*Config)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.Config()
	fn(&next)
	next = next.withDefaults()
	if err := next.validate(); err != nil {
		return err
	}
	return p.Reconfigure(settingsOf(next), p.engine(next))
}

// PDPEngine calls the Permit.io /allowed endpoint.
type PDPEngine struct {
	http *httpclient.Client
	cfg  Config
	log  *slog.Logger
}

type allowedRequest struct {
	User     pdpUser        `json:"user"`
	Action   string         `json:"action"`
	Resource pdpResource    `json:"resource"`
	Context  map[string]any `json:"context"`
}

type pdpUser struct {
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type pdpResource struct {
	Type       string         `json:"type"`
	Key        string         `json:"key,omitempty"`
	Tenant     string         `json:"tenant"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *PDPEngine) Evaluate(ctx context.Context, req authz.Request) (authz.Decision, error) {
	resType, resKey, _ := strings.Cut(req.Resource, ":")
	userAttrs := map[string]any{}
	resAttrs := map[string]any{}
	for k, v := range req.Context {
		if strings.HasPrefix(k, auth.ToolArgPrefix) || k == "tool" {
			resAttrs[k] = v
			continue
		}
		userAttrs[k] = v
	}
	body := allowedRequest{
		User:     pdpUser{Key: e.userKey(ctx, req), Attributes: userAttrs},
		Action:   req.Action,
		Resource: pdpResource{Type: resType, Key: resKey, Tenant: e.cfg.Tenant, Attributes: resAttrs},
		Context:  map[string]any{},
	}

	opts := []httpclient.RequestOption{httpclient.WithBody(body)}
	if e.cfg.APIKey != "" {
		opts = append(opts, httpclient.WithAuthToken(e.cfg.APIKey))
	}
	resp, err := e.http.Post(ctx, strings.TrimSuffix(e.cfg.PDPURL, "/")+"/allowed", opts...)
	if err != nil {
		return authz.Decision{}, err
	}
	if resp.IsError() {
		return authz.Decision{}, fmt.Errorf("permit pdp returned %d", resp.StatusCode())
	}
	allow := gjson.GetBytes(resp.Body(), "allow")
	if !allow.Exists() {
		return authz.Decision{}, errors.New("permit pdp response carries no decision")
	}
	return authz.Decision{Allowed: allow.Bool(), Reason: "permit pdp"}, nil
}

// userKey derives the Permit user key. Whenever the configured mode yields
// nothing the authenticated user's name is used.
func (e *PDPEngine) userKey(ctx context.Context, req authz.Request) string {
	switch e.cfg.IdentityMode {
	case IdentityFixed:
		if e.cfg.IdentityFixedValue != "" {
			return e.cfg.IdentityFixedValue
		}
	case IdentityHeader:
		if v := strings.TrimSpace(auth.RequestHeaderFromContext(ctx).Get(e.cfg.IdentityHeader)); v != "" {
			return v
		}
	case IdentityJWT:
		v, err := e.jwtIdentity(ctx)
		if err == nil {
			return v
		}
		e.log.DebugContext(ctx, "permit.identity.jwt_failed", slog.String("err", err.Error()))
	}
	if u, _ := req.Context["username"].(string); u != "" {
		return u
	}
	return req.Subject
}

func (e *PDPEngine) jwtIdentity(ctx context.Context) (string, error) {
	raw := auth.StripBearer(auth.RequestHeaderFromContext(ctx).Get(e.cfg.IdentityHeader))
	if raw == "" {
		return "", fmt.Errorf("no %s header", e.cfg.IdentityHeader)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(e.cfg.IdentityJWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}
	v, ok := claims[e.cfg.IdentityJWTField]
	if !ok {
		return "", fmt.Errorf("claim %q absent", e.cfg.IdentityJWTField)
	}
	s := fmt.Sprint(v)
	if s == "" {
		return "", fmt.Errorf("claim %q empty", e.cfg.IdentityJWTField)
	}
	return s, nil
}
