// Package authtest provides in-memory providers for tests exercising code
// that depends on auth.Provider.
package authtest

import (
	"context"
	"errors"
	"sync"

	"github.com/githound/mcp-auth/auth"
)

// Call records one permission check received by a Provider.
type Call struct {
	Variant    auth.PermissionVariant
	Permission string
	Resource   string
	Attrs      map[string]any
}

// Provider is a static-token provider. Tokens maps credentials to the
// TokenInfo they resolve to. Only the basic permission check is
// implemented; wrap it with WithResource or WithContext for richer variants.
type Provider struct {
	Tokens map[string]*auth.TokenInfo
	// Decide overrides the base permission rule when set.
	Decide func(user *auth.User, permission string) (bool, error)
	// Metadata is returned from OAuthMetadata; DCR is reported when non-nil.
	Metadata *auth.OAuthMetadata

	mu    sync.Mutex
	calls []Call
}

var _ auth.Provider = (*Provider)(nil)

// NewProvider returns a Provider that knows a single token.
func NewProvider(token string, info *auth.TokenInfo) *Provider {
	return &Provider{Tokens: map[string]*auth.TokenInfo{token: info}}
}

func (p *Provider) Authenticate(ctx context.Context, credential string) *auth.AuthResult {
	return auth.AuthenticateToken(ctx, p, credential)
}

func (p *Provider) ValidateToken(_ context.Context, credential string) (*auth.TokenInfo, error) {
	info, ok := p.Tokens[auth.StripBearer(credential)]
	if !ok || info == nil {
		return nil, auth.ErrInvalidCredential
	}
	c := *info
	return &c, nil
}

func (p *Provider) CheckPermission(_ context.Context, user *auth.User, permission string) (bool, error) {
	p.record(Call{Variant: auth.VariantBasic, Permission: permission})
	if p.Decide != nil {
		return p.Decide(user, permission)
	}
	return auth.BasePermissionCheck(user, permission), nil
}

func (p *Provider) OAuthMetadata() *auth.OAuthMetadata { return p.Metadata.Copy() }

func (p *Provider) SupportsDynamicClientRegistration() bool { return p.Metadata != nil }

// Calls returns the permission checks received so far.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

func (p *Provider) record(c Call) {
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()
}

// ResourceProvider adds the resource variant.
type ResourceProvider struct{ *Provider }

func WithResource(p *Provider) *ResourceProvider { return &ResourceProvider{p} }

func (p *ResourceProvider) CheckResourcePermission(_ context.Context, user *auth.User, permission, resource string) (bool, error) {
	p.record(Call{Variant: auth.VariantWithResource, Permission: permission, Resource: resource})
	return auth.BasePermissionCheck(user, permission), nil
}

// ContextProvider adds the context variant on top of the resource variant.
// Declared, when non-zero, is reported through PermissionVariants.
type ContextProvider struct {
	*ResourceProvider
	Declared auth.PermissionVariant
	// Reject makes CheckPermissionWithContext report ErrVariantUnsupported.
	Reject bool
}

func WithContext(p *Provider) *ContextProvider {
	return &ContextProvider{ResourceProvider: WithResource(p)}
}

func (p *ContextProvider) CheckPermissionWithContext(_ context.Context, user *auth.User, permission, resource string, attrs map[string]any) (bool, error) {
	if p.Reject {
		return false, auth.ErrVariantUnsupported
	}
	p.record(Call{Variant: auth.VariantWithContext, Permission: permission, Resource: resource, Attrs: attrs})
	return auth.BasePermissionCheck(user, permission), nil
}

func (p *ContextProvider) PermissionVariants() auth.PermissionVariant {
	if p.Declared == 0 {
		return auth.VariantBasic | auth.VariantWithResource | auth.VariantWithContext
	}
	return p.Declared
}

// ErrEngineDown is returned by FailingEngine-style fakes.
var ErrEngineDown = errors.New("authtest: engine down")
