package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Guard is the handle collaborators use to authenticate and authorize.
// It is constructed once at startup and passed to whatever needs it; the
// provider behind it may be replaced at runtime with Swap, and readers
// always observe either the old or the new provider in full.
type Guard struct {
	current atomic.Pointer[providerHandle]
	logger  *slog.Logger
}

type providerHandle struct{ p Provider }

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger used to record denied and failed checks.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// NewGuard returns a Guard serving p.
func NewGuard(p Provider, opts ...GuardOption) (*Guard, error) {
	if p == nil {
		return nil, MissingField("provider")
	}
	g := &Guard{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(g)
	}
	g.current.Store(&providerHandle{p: p})
	return g, nil
}

// Provider returns the provider currently in service.
func (g *Guard) Provider() Provider { return g.current.Load().p }

// Swap atomically replaces the provider and returns the previous one.
func (g *Guard) Swap(p Provider) (Provider, error) {
	if p == nil {
		return nil, MissingField("provider")
	}
	old := g.current.Swap(&providerHandle{p: p})
	g.logger.Info("auth.provider.swapped", slog.String("provider", fmt.Sprintf("%T", p)))
	return old.p, nil
}

// AuthenticateRequest resolves a credential to a User. The returned error
// describes why authentication failed and is suitable for a 401 response.
func (g *Guard) AuthenticateRequest(ctx context.Context, credential string) (*User, error) {
	res := g.Provider().Authenticate(ctx, credential)
	if res == nil {
		return nil, ErrInvalidCredential
	}
	if !res.Success || res.User == nil {
		err := res.Err
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrInvalidCredential, res.Error)
		}
		g.logger.InfoContext(ctx, "auth.authenticate.fail", slog.String("err", err.Error()))
		return nil, err
	}
	return res.User, nil
}

// CheckPermission reports whether user may perform permission, optionally
// on resource with extra attributes. Failures are logged and deny.
func (g *Guard) CheckPermission(ctx context.Context, user *User, permission, resource string, attrs map[string]any) bool {
	ok, err := DispatchPermission(ctx, g.Provider(), user, permission, resource, attrs)
	if err != nil {
		g.logger.WarnContext(ctx, "auth.permission.error",
			slog.String("permission", permission),
			slog.String("resource", resource),
			slog.String("err", err.Error()))
		return false
	}
	return ok
}

// CheckToolPermission reports whether user may invoke tool with args.
func (g *Guard) CheckToolPermission(ctx context.Context, user *User, tool string, args map[string]any) bool {
	ok, err := DispatchToolPermission(ctx, g.Provider(), user, tool, args)
	if err != nil {
		g.logger.WarnContext(ctx, "auth.tool_permission.error",
			slog.String("tool", tool),
			slog.String("err", err.Error()))
		return false
	}
	return ok
}

// OAuthMetadata returns the current provider's discovery metadata.
func (g *Guard) OAuthMetadata() *OAuthMetadata { return g.Provider().OAuthMetadata().Copy() }

func (g *Guard) SupportsDynamicClientRegistration() bool {
	return g.Provider().SupportsDynamicClientRegistration()
}
