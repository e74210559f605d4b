package authz

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/githound/mcp-auth/auth"
	"github.com/tidwall/match"
)

// Settings is the reconfigurable part of a Decorator.
type Settings struct {
	ServerName string
	// BypassMethods are permission names (glob patterns allowed) granted to
	// any authenticated user without consulting the engine.
	BypassMethods []string
	AuditLog      bool
	// Config is the owning provider's full configuration. It is swapped
	// together with the engine so readers never pair one with the other's
	// predecessor.
	Config any
}

func (s Settings) clone() Settings {
	s.BypassMethods = append([]string(nil), s.BypassMethods...)
	return s
}

type snapshot struct {
	settings Settings
	engine   Engine
}

// Decorator is the composing core shared by policy-engine providers.
type Decorator struct {
	inner auth.Provider
	name  string
	log   *slog.Logger

	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

var (
	_ auth.ContextPermissionChecker  = (*Decorator)(nil)
	_ auth.ResourcePermissionChecker = (*Decorator)(nil)
	_ auth.ToolPermissionChecker     = (*Decorator)(nil)
	_ auth.Wrapper                   = (*Decorator)(nil)
)

// NewDecorator wraps inner. name identifies the decorator in logs.
func NewDecorator(inner auth.Provider, name string, settings Settings, engine Engine, logger *slog.Logger) (*Decorator, error) {
	if inner == nil {
		return nil, auth.MissingField("inner provider")
	}
	if engine == nil {
		return nil, auth.MissingField("engine")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Decorator{inner: inner, name: name, log: logger.With(slog.String("authz", name))}
	d.current.Store(&snapshot{settings: settings.clone(), engine: engine})
	return d, nil
}

// Reconfigure installs new settings and engine. Concurrent checks observe
// either the previous or the new pair, never a mix.
func (d *Decorator) Reconfigure(settings Settings, engine Engine) error {
	if engine == nil {
		return auth.MissingField("engine")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current.Store(&snapshot{settings: settings.clone(), engine: engine})
	d.log.Info("authz.reconfigured", slog.String("server", settings.ServerName))
	return nil
}

// Update applies fn to a copy of the current settings and installs the
// result with the engine returned by rebuild, all under the writer lock.
func (d *Decorator) Update(fn func(*Settings), rebuild func(Settings) (Engine, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.current.Load().settings.clone()
	fn(&next)
	engine := d.current.Load().engine
	if rebuild != nil {
		var err error
		if engine, err = rebuild(next); err != nil {
			return err
		}
	}
	d.current.Store(&snapshot{settings: next, engine: engine})
	d.log.Info("authz.reconfigured", slog.String("server", next.ServerName))
	return nil
}

// Settings returns a copy of the active settings.
func (d *Decorator) Settings() Settings { return d.current.Load().settings.clone() }

// Engine returns the active engine.
func (d *Decorator) Engine() Engine { return d.current.Load().engine }

func (d *Decorator) Name() string { return d.name }

func (d *Decorator) Unwrap() auth.Provider { return d.inner }

func (d *Decorator) Authenticate(ctx context.Context, credential string) *auth.AuthResult {
	return d.inner.Authenticate(ctx, credential)
}

func (d *Decorator) ValidateToken(ctx context.Context, credential string) (*auth.TokenInfo, error) {
	return d.inner.ValidateToken(ctx, credential)
}

func (d *Decorator) OAuthMetadata() *auth.OAuthMetadata { return d.inner.OAuthMetadata() }

func (d *Decorator) SupportsDynamicClientRegistration() bool {
	return d.inner.SupportsDynamicClientRegistration()
}

func (d *Decorator) PermissionVariants() auth.PermissionVariant {
	return auth.VariantBasic | auth.VariantWithResource | auth.VariantWithContext
}

func (d *Decorator) CheckPermission(ctx context.Context, user *auth.User, permission string) (bool, error) {
	return d.CheckPermissionWithContext(ctx, user, permission, "", nil)
}

func (d *Decorator) CheckResourcePermission(ctx context.Context, user *auth.User, permission, resource string) (bool, error) {
	return d.CheckPermissionWithContext(ctx, user, permission, resource, nil)
}

func (d *Decorator) CheckPermissionWithContext(ctx context.Context, user *auth.User, permission, resource string, attrs map[string]any) (bool, error) {
	return d.evaluate(ctx, user, permission, resource, attrs, func() (bool, error) {
		return auth.DispatchPermission(ctx, d.inner, user, permission, resource, attrs)
	})
}

// CheckToolPermission evaluates the tool name as the action on the tool's
// resource with arguments exposed as arg_<name> attributes.
func (d *Decorator) CheckToolPermission(ctx context.Context, user *auth.User, tool string, args map[string]any) (bool, error) {
	attrs := FlattenToolArgs(args)
	attrs["tool"] = tool
	return d.evaluate(ctx, user, tool, auth.ToolResource(tool), attrs, func() (bool, error) {
		return auth.DispatchToolPermission(ctx, d.inner, user, tool, args)
	})
}

func (d *Decorator) evaluate(ctx context.Context, user *auth.User, permission, resource string, attrs map[string]any, fallback func() (bool, error)) (bool, error) {
	if user == nil {
		return false, nil
	}
	if user.IsAdmin() {
		return true, nil
	}
	snap := d.current.Load()
	if bypassed(snap.settings.BypassMethods, permission) {
		return true, nil
	}

	// The user's own attributes win over caller-supplied context.
	reqCtx := make(map[string]any, len(attrs)+3)
	maps.Copy(reqCtx, attrs)
	maps.Copy(reqCtx, user.Attributes())
	req := Request{
		Subject:  Subject(user),
		Action:   permission,
		Resource: ScopedResource(snap.settings.ServerName, resource),
		Context:  reqCtx,
	}
	dec, err := snap.engine.Evaluate(ctx, req)
	if err != nil {
		d.log.WarnContext(ctx, "authz.engine.unavailable",
			slog.String("action", permission),
			slog.String("resource", req.Resource),
			slog.String("err", fmt.Errorf("%w: %w", auth.ErrPolicyEngineUnavailable, err).Error()),
		)
		return fallback()
	}
	if snap.settings.AuditLog {
		d.log.InfoContext(ctx, "authz.decision", slog.Group("audit",
			slog.String("subject", req.Subject),
			slog.String("user", user.Username),
			slog.String("action", req.Action),
			slog.String("resource", req.Resource),
			slog.Bool("allowed", dec.Allowed),
			slog.String("rule", dec.Rule),
			slog.String("reason", dec.Reason),
		))
	}
	return dec.Allowed, nil
}

func bypassed(patterns []string, permission string) bool {
	for _, p := range patterns {
		if match.Match(permission, p) {
			return true
		}
	}
	return false
}
