package auth

import (
	"errors"
	"fmt"
)

// Credential failures. Messages are stable: callers match on the words
// "signature", "issuer", "audience" and "expired".
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("token expired")
	ErrSignatureMismatch = errors.New("invalid token signature")
	ErrIssuerMismatch    = errors.New("invalid token issuer")
	ErrAudienceMismatch  = errors.New("invalid token audience")
)

// ErrUpstreamUnavailable indicates a network or HTTP failure reaching an
// identity provider, JWKS endpoint or policy decision point.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// ErrMissingConfiguration is returned at construction time when required
// settings are absent. It is never returned from a request path.
var ErrMissingConfiguration = errors.New("missing configuration")

// ErrPolicyEngineUnavailable indicates a requested authorization backend is
// not linked into this binary or could not be reached.
var ErrPolicyEngineUnavailable = errors.New("policy engine unavailable")

// ErrDispatchIncompatible indicates no permission check calling convention
// accepted the request. Callers treat it as a deny.
var ErrDispatchIncompatible = errors.New("no compatible permission check")

// ErrVariantUnsupported is returned by a permission checker that cannot
// serve the requested variant. The dispatcher reacts by degrading one step.
var ErrVariantUnsupported = errors.New("permission check variant not supported")

// ConfigError describes an invalid or absent configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", ErrMissingConfiguration, e.Field)
	}
	return fmt.Sprintf("%s: %s: %s", ErrMissingConfiguration, e.Field, e.Reason)
}

// Is reports whether target is ErrMissingConfiguration.
func (e *ConfigError) Is(target error) bool { return target == ErrMissingConfiguration }

// MissingField is shorthand for a ConfigError about an absent field.
func MissingField(field string) error {
	return &ConfigError{Field: field, Reason: "required"}
}
