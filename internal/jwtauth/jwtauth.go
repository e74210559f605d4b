// Package jwtauth validates bearer JWTs in a fixed order: signature, issuer,
// audience, then expiry. Each stage fails with its own sentinel so callers
// can distinguish the cause.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed reports a token that cannot be parsed or lacks required claims.
	ErrMalformed = errors.New("jwtauth: malformed token")
	// ErrSignature reports a signature that does not verify, including an
	// unknown kid.
	ErrSignature = errors.New("jwtauth: signature verification failed")
	// ErrKeySource reports a key set that could not be fetched, so the
	// signature could not be checked at all.
	ErrKeySource = errors.New("jwtauth: signing keys unavailable")
	// ErrIssuer reports an iss claim that differs from the configured issuer.
	ErrIssuer = errors.New("jwtauth: issuer mismatch")
	// ErrAudience reports an aud claim that shares no value with the configured audiences.
	ErrAudience = errors.New("jwtauth: audience mismatch")
	// ErrExpired reports an exp claim in the past (after leeway).
	ErrExpired = errors.New("jwtauth: token expired")
	// ErrNotYetValid reports an nbf claim in the future (after leeway).
	ErrNotYetValid = errors.New("jwtauth: token not yet valid")
)

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// Audiences holds the accepted audiences. A token is accepted when its
	// aud claim contains any one of them. Empty disables the audience check.
	Audiences   []string
	AllowedAlgs []string
	Leeway      time.Duration
}

// DefaultConfig returns a Config accepting RS256 with no clock skew
// tolerance. Leeway is opt-in.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
	}
}

// Validator checks tokens against a Config using a key source.
type Validator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	now     func() time.Time
}

// NewValidator builds a Validator over an arbitrary key source. The algorithm
// "none" is rejected even if listed.
func NewValidator(cfg *Config, kf jwt.Keyfunc) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if kf == nil {
		return nil, errors.New("key source is required")
	}
	c := *cfg
	c.Audiences = append([]string(nil), cfg.Audiences...)
	c.AllowedAlgs = nil
	for _, alg := range cfg.AllowedAlgs {
		if strings.EqualFold(alg, "none") {
			continue
		}
		c.AllowedAlgs = append(c.AllowedAlgs, alg)
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	return &Validator{cfg: c, keyfunc: restrictAlgs(c.AllowedAlgs, kf), now: time.Now}, nil
}

// Config returns a copy of the effective configuration.
func (v *Validator) Config() Config {
	c := v.cfg
	c.Audiences = append([]string(nil), v.cfg.Audiences...)
	c.AllowedAlgs = append([]string(nil), v.cfg.AllowedAlgs...)
	return c
}

// Validate verifies tok and returns its projected claims.
func (v *Validator) Validate(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Claims validation is disabled here so that the signature is always
	// checked first; the remaining checks run below in a fixed order.
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		case errors.Is(err, ErrKeySource):
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrMalformed)
	}

	if v.cfg.Issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.cfg.Issuer {
			return nil, fmt.Errorf("%w: got %q", ErrIssuer, iss)
		}
	}

	if len(v.cfg.Audiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil || !audIntersects(aud, v.cfg.Audiences) {
			return nil, fmt.Errorf("%w: got %v", ErrAudience, []string(aud))
		}
	}

	now := v.now()
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: exp: %v", ErrMalformed, err)
	}
	if exp == nil {
		return nil, fmt.Errorf("%w: exp claim required", ErrMalformed)
	}
	if now.After(exp.Add(v.cfg.Leeway)) {
		return nil, fmt.Errorf("%w at %s", ErrExpired, exp.UTC().Format(time.RFC3339))
	}
	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil && now.Add(v.cfg.Leeway).Before(nbf.Time) {
		return nil, ErrNotYetValid
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrMalformed)
	}

	return projectClaims(claims), nil
}

func restrictAlgs(allowed []string, kf jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range allowed {
			if alg == a {
				return kf(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

func audIntersects(aud []string, wants []string) bool {
	for _, a := range aud {
		for _, w := range wants {
			if a == w {
				return true
			}
		}
	}
	return false
}
