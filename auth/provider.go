package auth

import (
	"context"
	"strings"
)

// Provider is the capability contract every credential strategy satisfies,
// leaf or decorator.
type Provider interface {
	// Authenticate resolves a bearer credential (an optional "Bearer " prefix
	// is stripped). Recoverable failures are reported in the result, never
	// as a panic or error return.
	Authenticate(ctx context.Context, credential string) *AuthResult

	// ValidateToken inspects a credential without side effects. It returns a
	// nil TokenInfo exactly when it returns a non-nil error.
	ValidateToken(ctx context.Context, credential string) (*TokenInfo, error)

	// CheckPermission is the basic two-argument permission check.
	CheckPermission(ctx context.Context, user *User, permission string) (bool, error)

	// OAuthMetadata returns discovery metadata, or nil for providers that are
	// not OAuth identity providers.
	OAuthMetadata() *OAuthMetadata

	SupportsDynamicClientRegistration() bool
}

// ResourcePermissionChecker is implemented by providers that can scope a
// permission check to a resource.
type ResourcePermissionChecker interface {
	CheckResourcePermission(ctx context.Context, user *User, permission, resource string) (bool, error)
}

// ContextPermissionChecker is implemented by providers that accept a
// resource plus free-form attributes.
type ContextPermissionChecker interface {
	CheckPermissionWithContext(ctx context.Context, user *User, permission, resource string, attrs map[string]any) (bool, error)
}

// ToolPermissionChecker is implemented by providers that authorize tool
// invocations with their arguments as attributes.
type ToolPermissionChecker interface {
	CheckToolPermission(ctx context.Context, user *User, tool string, args map[string]any) (bool, error)
}

// PermissionVariant is a bit set of the permission check calling
// conventions a provider supports.
type PermissionVariant uint8

const (
	VariantBasic PermissionVariant = 1 << iota
	VariantWithResource
	VariantWithContext
)

// Has reports whether all bits of o are set in v.
func (v PermissionVariant) Has(o PermissionVariant) bool { return v&o == o }

func (v PermissionVariant) String() string {
	var parts []string
	if v.Has(VariantBasic) {
		parts = append(parts, "basic")
	}
	if v.Has(VariantWithResource) {
		parts = append(parts, "resource")
	}
	if v.Has(VariantWithContext) {
		parts = append(parts, "context")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// PermissionVariantDeclarer lets a provider state its supported variants
// explicitly, overriding what its method set suggests.
type PermissionVariantDeclarer interface {
	PermissionVariants() PermissionVariant
}

// VariantsOf returns the permission variants p supports. A declaration is
// intersected with the interfaces p actually implements.
func VariantsOf(p Provider) PermissionVariant {
	implemented := VariantBasic
	if _, ok := p.(ResourcePermissionChecker); ok {
		implemented |= VariantWithResource
	}
	if _, ok := p.(ContextPermissionChecker); ok {
		implemented |= VariantWithContext
	}
	if d, ok := p.(PermissionVariantDeclarer); ok {
		return (d.PermissionVariants() & implemented) | VariantBasic
	}
	return implemented
}

// Wrapper is implemented by decorators to expose the provider they wrap.
type Wrapper interface {
	Unwrap() Provider
}

// Chain returns p followed by every provider it wraps, outermost first.
func Chain(p Provider) []Provider {
	var out []Provider
	for p != nil {
		out = append(out, p)
		w, ok := p.(Wrapper)
		if !ok {
			break
		}
		p = w.Unwrap()
	}
	return out
}
