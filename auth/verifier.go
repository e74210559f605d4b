package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/githound/mcp-auth/internal/jwtauth"
)

// TokenValidator is the part of Provider that token-only strategies
// implement themselves; Authenticate is derived from it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, credential string) (*TokenInfo, error)
}

// AuthenticateToken implements Authenticate for token-only providers:
// validate, then project the TokenInfo into a User.
func AuthenticateToken(ctx context.Context, v TokenValidator, credential string) *AuthResult {
	tok := StripBearer(credential)
	if tok == "" {
		return Failed(tok, fmt.Errorf("%w: empty credential", ErrInvalidCredential))
	}
	info, err := v.ValidateToken(ctx, tok)
	if err != nil {
		return Failed(tok, err)
	}
	if info == nil {
		return Failed(tok, ErrInvalidCredential)
	}
	var expiresIn *int64
	if info.ExpiresAt != nil {
		d := *info.ExpiresAt - time.Now().Unix()
		expiresIn = &d
	}
	return Succeeded(ProjectUser(info), tok, expiresIn)
}

// VerifierOption configures optional aspects of JWT verifiers.
type VerifierOption func(*verifierOptions)

type verifierOptions struct {
	algs      []string
	leeway    *time.Duration
	audiences []string
	logger    *slog.Logger
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
func WithAllowedAlgs(algs ...string) VerifierOption {
	return func(o *verifierOptions) { o.algs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for exp and nbf. There is none
// unless this option is given.
func WithLeeway(d time.Duration) VerifierOption {
	return func(o *verifierOptions) { o.leeway = &d }
}

// WithAdditionalAudiences accepts tokens minted for any of the given
// audiences in addition to the configured one.
func WithAdditionalAudiences(aud ...string) VerifierOption {
	return func(o *verifierOptions) { o.audiences = append(o.audiences, aud...) }
}

// WithLogger sets the logger used for rejected tokens.
func WithLogger(l *slog.Logger) VerifierOption {
	return func(o *verifierOptions) { o.logger = l }
}

// JWKSConfig configures a JWKS-backed verifier.
type JWKSConfig struct {
	JWKSURI  string
	Issuer   string
	Audience string
}

// StaticConfig configures a pre-shared secret verifier.
type StaticConfig struct {
	Secret   string
	Issuer   string
	Audience string
	// Algorithm defaults to HS256.
	Algorithm string
}

// JWTVerifier validates JWT bearer tokens. It is not an OAuth identity
// provider: it advertises no metadata and does not support registration.
type JWTVerifier struct {
	v         *jwtauth.Validator
	discovery *jwtauth.Discovery
	logger    *slog.Logger
}

var (
	_ Provider       = (*JWTVerifier)(nil)
	_ TokenValidator = (*JWTVerifier)(nil)
)

func buildConfig(issuer, audience string, defaultAlgs []string, opts []VerifierOption) (*jwtauth.Config, *verifierOptions) {
	o := &verifierOptions{}
	for _, opt := range opts {
		opt(o)
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.AllowedAlgs = defaultAlgs
	if audience != "" {
		cfg.Audiences = append(cfg.Audiences, audience)
	}
	cfg.Audiences = append(cfg.Audiences, o.audiences...)
	if len(o.algs) > 0 {
		cfg.AllowedAlgs = o.algs
	}
	if o.leeway != nil {
		cfg.Leeway = *o.leeway
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return cfg, o
}

// NewJWKSVerifier returns a verifier that fetches and caches the signing key
// set from cfg.JWKSURI, selecting keys by kid. RS256 and HS256 are accepted
// unless WithAllowedAlgs says otherwise. The key set refreshes in the
// background until ctx is cancelled.
func NewJWKSVerifier(ctx context.Context, cfg JWKSConfig, opts ...VerifierOption) (*JWTVerifier, error) {
	if cfg.JWKSURI == "" {
		return nil, MissingField("jwks_uri")
	}
	jc, o := buildConfig(cfg.Issuer, cfg.Audience, []string{"RS256", "HS256"}, opts)
	v, err := jwtauth.NewJWKS(ctx, jc, cfg.JWKSURI)
	if err != nil {
		return nil, err
	}
	return &JWTVerifier{v: v, logger: o.logger}, nil
}

// NewStaticJWTVerifier returns a verifier over a pre-shared symmetric key.
// It is meant for development and for identity providers that mint
// app-internal session tokens.
func NewStaticJWTVerifier(cfg StaticConfig, opts ...VerifierOption) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, MissingField("secret")
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	jc, o := buildConfig(cfg.Issuer, cfg.Audience, []string{alg}, opts)
	v, err := jwtauth.NewStatic(jc, []byte(cfg.Secret))
	if err != nil {
		return nil, &ConfigError{Field: "algorithm", Reason: err.Error()}
	}
	return &JWTVerifier{v: v, logger: o.logger}, nil
}

// NewFromDiscovery returns a verifier that locates the issuer's JWKS through
// OpenID Connect discovery. Only RS256 is accepted by default.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...VerifierOption) (*JWTVerifier, error) {
	if issuer == "" {
		return nil, MissingField("issuer")
	}
	if audience == "" {
		return nil, MissingField("audience")
	}
	jc, o := buildConfig(issuer, audience, []string{"RS256"}, opts)
	v, disc, err := jwtauth.NewFromDiscovery(ctx, jc)
	if err != nil {
		return nil, err
	}
	return &JWTVerifier{v: v, discovery: disc, logger: o.logger}, nil
}

// ValidateToken verifies signature, issuer, audience and expiry in that order.
func (j *JWTVerifier) ValidateToken(ctx context.Context, credential string) (*TokenInfo, error) {
	c, err := j.v.Validate(ctx, StripBearer(credential))
	if err != nil {
		err = classifyJWTError(err)
		j.logger.DebugContext(ctx, "auth.token.invalid", slog.String("err", err.Error()))
		return nil, err
	}
	info := &TokenInfo{
		UserID:      c.Subject,
		Username:    c.Username,
		Email:       c.Email,
		Roles:       c.Roles,
		Permissions: c.Permissions,
		ExpiresAt:   c.ExpiresAt,
		Issuer:      c.Issuer,
	}
	if len(c.Audience) > 0 {
		info.Audience = c.Audience[0]
	}
	return info, nil
}

// Authenticate validates the credential and projects it into a User.
func (j *JWTVerifier) Authenticate(ctx context.Context, credential string) *AuthResult {
	return AuthenticateToken(ctx, j, credential)
}

// CheckPermission applies BasePermissionCheck.
func (j *JWTVerifier) CheckPermission(_ context.Context, user *User, permission string) (bool, error) {
	return BasePermissionCheck(user, permission), nil
}

// OAuthMetadata returns nil: verifiers are not identity providers.
func (j *JWTVerifier) OAuthMetadata() *OAuthMetadata { return nil }

func (j *JWTVerifier) SupportsDynamicClientRegistration() bool { return false }

// AuthorizationServer returns the metadata of the issuer the verifier was
// discovered from, for advertisement in protected resource metadata. It is
// nil for verifiers built without discovery.
func (j *JWTVerifier) AuthorizationServer() *OAuthMetadata {
	d := j.discovery
	if d == nil {
		return nil
	}
	return &OAuthMetadata{
		Issuer:                            d.Issuer,
		AuthorizationEndpoint:             d.AuthorizationEndpoint,
		TokenEndpoint:                     d.TokenEndpoint,
		UserinfoEndpoint:                  d.UserinfoEndpoint,
		RegistrationEndpoint:              d.RegistrationEndpoint,
		JWKSURI:                           d.JWKSURI,
		ResponseTypesSupported:            append([]string(nil), d.ResponseTypes...),
		GrantTypesSupported:               append([]string(nil), d.GrantTypes...),
		ScopesSupported:                   append([]string(nil), d.Scopes...),
		TokenEndpointAuthMethodsSupported: append([]string(nil), d.TokenAuthMethods...),
		CodeChallengeMethodsSupported:     append([]string(nil), d.CodeChallengeMethods...),
	}
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, jwtauth.ErrKeySource):
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	case errors.Is(err, jwtauth.ErrSignature):
		return fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	case errors.Is(err, jwtauth.ErrIssuer):
		return fmt.Errorf("%w: %w", ErrIssuerMismatch, err)
	case errors.Is(err, jwtauth.ErrAudience):
		return fmt.Errorf("%w: %w", ErrAudienceMismatch, err)
	case errors.Is(err, jwtauth.ErrExpired):
		return fmt.Errorf("%w: %w", ErrExpiredCredential, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
}
