package auth

import (
	"context"
	"errors"
	"fmt"
)

// DispatchPermission invokes the richest permission check p supports for
// the given arguments. Without a resource or attributes the basic check is
// always used. Otherwise the context variant is tried first, then the
// resource variant, then the basic check; a step is skipped when the
// provider does not support it or reports ErrVariantUnsupported, so extra
// arguments are dropped rather than causing a failure. Any error yields a
// deny.
func DispatchPermission(ctx context.Context, p Provider, user *User, permission, resource string, attrs map[string]any) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: no provider", ErrDispatchIncompatible)
	}
	if resource != "" || len(attrs) > 0 {
		variants := VariantsOf(p)
		if variants.Has(VariantWithContext) {
			ok, err := p.(ContextPermissionChecker).CheckPermissionWithContext(ctx, user, permission, resource, attrs)
			if !errors.Is(err, ErrVariantUnsupported) {
				return decided(ok, err)
			}
		}
		if resource != "" && variants.Has(VariantWithResource) {
			ok, err := p.(ResourcePermissionChecker).CheckResourcePermission(ctx, user, permission, resource)
			if !errors.Is(err, ErrVariantUnsupported) {
				return decided(ok, err)
			}
		}
	}
	ok, err := p.CheckPermission(ctx, user, permission)
	if errors.Is(err, ErrVariantUnsupported) {
		return false, fmt.Errorf("%w: %w", ErrDispatchIncompatible, err)
	}
	return decided(ok, err)
}

// ToolResource names the resource a tool invocation is checked against when
// the provider has no dedicated tool check.
func ToolResource(tool string) string { return "tools/" + tool }

// DispatchToolPermission authorizes a tool call. Providers implementing
// ToolPermissionChecker decide directly; others receive a permission check
// named after the tool with its arguments as arg_<name> attributes.
func DispatchToolPermission(ctx context.Context, p Provider, user *User, tool string, args map[string]any) (bool, error) {
	if tc, ok := p.(ToolPermissionChecker); ok {
		allowed, err := tc.CheckToolPermission(ctx, user, tool, args)
		if !errors.Is(err, ErrVariantUnsupported) {
			return decided(allowed, err)
		}
	}
	return DispatchPermission(ctx, p, user, tool, ToolResource(tool), ToolAttributes(tool, args))
}

func decided(ok bool, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	return ok, nil
}
