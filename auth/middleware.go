package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/githound/mcp-auth/internal/logctx"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middleware)

// WithRealm sets the realm advertised in Bearer challenges.
func WithRealm(realm string) MiddlewareOption {
	return func(m *middleware) { m.realm = realm }
}

// WithResourceMetadataURL advertises the protected resource metadata
// document (RFC 9728) in Bearer challenges.
func WithResourceMetadataURL(u string) MiddlewareOption {
	return func(m *middleware) { m.resourceMetadata = u }
}

// WithMiddlewareLogger sets the logger for authentication outcomes.
func WithMiddlewareLogger(l *slog.Logger) MiddlewareOption {
	return func(m *middleware) { m.log = l }
}

type middleware struct {
	guard            *Guard
	realm            string
	resourceMetadata string
	log              *slog.Logger
}

// Middleware authenticates every request's bearer token through guard. On
// success the User is available via UserFromContext; otherwise an RFC 6750
// challenge is written and next is not called.
func Middleware(guard *Guard, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	m := &middleware{guard: guard, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(m)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
				RequestID:  uuid.NewString(),
				Method:     r.Method,
				RemoteAddr: r.RemoteAddr,
				Path:       r.URL.Path,
			})
			user := m.check(ctx, w, r)
			if user == nil {
				return
			}
			ctx = WithUser(ctx, user)
			ctx = WithRequestHeader(ctx, r.Header)
			ctx = logctx.WithAuthData(ctx, &logctx.AuthData{
				Provider: fmt.Sprintf("%T", guard.Provider()),
				Username: user.Username,
				Role:     user.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m *middleware) check(ctx context.Context, w http.ResponseWriter, r *http.Request) *User {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: no error code when the request lacks credentials.
		m.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, BearerChallenge(m.realm, m.resourceMetadata, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	const bearerPrefix = "bearer "
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) ||
		strings.TrimSpace(authHeader[len(bearerPrefix):]) == "" {
		m.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, BearerChallenge(m.realm, m.resourceMetadata, map[string]string{
			"error":             "invalid_request",
			"error_description": "malformed bearer authorization header",
		}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	user, err := m.guard.AuthenticateRequest(ctx, authHeader)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		status := http.StatusUnauthorized
		if errors.Is(err, ErrUpstreamUnavailable) {
			status = http.StatusServiceUnavailable
		}
		m.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, BearerChallenge(m.realm, m.resourceMetadata, map[string]string{
			"error":             "invalid_token",
			"error_description": firstLine(err.Error()),
		}))
		w.WriteHeader(status)
		return nil
	}
	return user
}

// BearerChallenge renders a WWW-Authenticate value. The error,
// error_description and scope parameters come first, others follow sorted.
func BearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	rest := make([]string, 0, len(params))
	for k := range params {
		if k != "error" && k != "error_description" && k != "scope" {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(params[k])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
