// Package auth defines the provider contract used to authenticate bearer
// credentials and authorize operations in front of the githound repository
// analysis API, together with the JWT verifiers, the permission dispatch
// layer and the HTTP middleware built on it.
//
// # Providers
//
// A Provider resolves credentials (Authenticate, ValidateToken), answers the
// basic permission check (CheckPermission) and advertises OAuth discovery
// metadata. Richer checks are optional interfaces:
//
//   - ResourcePermissionChecker scopes a check to a resource.
//   - ContextPermissionChecker adds free-form attributes (ABAC).
//   - ToolPermissionChecker authorizes tool calls using their arguments.
//
// A provider may also declare its supported PermissionVariant set
// explicitly. DispatchPermission uses the richest variant available and
// drops arguments one step at a time when a provider cannot take them.
//
// # Token Verifiers
//
// NewJWKSVerifier, NewStaticJWTVerifier and NewFromDiscovery return a
// JWTVerifier. Validation runs in a fixed order (signature, issuer,
// audience, expiry) and each failure wraps a distinct sentinel:
//
//	res := verifier.Authenticate(ctx, "Bearer "+tok)
//	if !res.Success {
//	    switch {
//	    case errors.Is(res.Err, auth.ErrExpiredCredential):
//	    case errors.Is(res.Err, auth.ErrSignatureMismatch):
//	    }
//	}
//
// # Guard
//
// A Guard is the handle the rest of the application holds. It is created
// once at startup, passed where needed, and its provider can be replaced
// atomically:
//
//	guard, err := auth.NewGuard(provider, auth.WithGuardLogger(logger))
//	if err != nil { log.Fatal(err) }
//	mux.Handle("/mcp", auth.Middleware(guard)(mcpHandler))
//
// # Errors
//
// Request-time failures never escape as errors from Guard checks: they are
// logged and become a deny. ConfigError (matching ErrMissingConfiguration)
// is returned only from constructors.
package auth
