package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// NewJWKS constructs a Validator whose keys come from a remote JWK Set. The
// set is cached and refreshed in the background until ctx is cancelled; keys
// are selected by the token's kid header.
func NewJWKS(ctx context.Context, cfg *Config, jwksURI string) (*Validator, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	ks := &keySet{}
	kf, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{jwksURI}, keyfunc.Override{
		RefreshErrorHandlerFunc: func(string) func(context.Context, error) { return ks.refreshFailed },
	})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	ks.kf = kf
	return NewValidator(cfg, ks.lookup)
}

// keySet remembers JWK Set refresh failures so that a key lookup which
// failed because the set could not be fetched reports ErrKeySource.
type keySet struct {
	kf keyfunc.Keyfunc

	mu       sync.Mutex
	failedAt time.Time
	failure  error
}

func (k *keySet) refreshFailed(_ context.Context, err error) {
	k.mu.Lock()
	k.failedAt, k.failure = time.Now(), err
	k.mu.Unlock()
}

func (k *keySet) lookup(t *jwt.Token) (any, error) {
	start := time.Now()
	key, err := k.kf.Keyfunc(t)
	if err == nil {
		return key, nil
	}

	k.mu.Lock()
	failedAt, failure := k.failedAt, k.failure
	k.mu.Unlock()
	if failure == nil {
		return nil, err
	}
	// The lookup triggered a refresh that failed, or no set was ever loaded.
	if !failedAt.Before(start) || k.empty() {
		return nil, fmt.Errorf("%w: %v", ErrKeySource, failure)
	}
	return nil, err
}

func (k *keySet) empty() bool {
	keys, err := k.kf.Storage().KeyReadAll(context.Background())
	return err != nil || len(keys) == 0
}

// NewStatic constructs a Validator over a pre-shared symmetric secret. Only
// HMAC algorithms are meaningful here; AllowedAlgs defaults to HS256.
func NewStatic(cfg *Config, secret []byte) (*Validator, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret required")
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"HS256"}
	}
	for _, alg := range c.AllowedAlgs {
		if !strings.HasPrefix(alg, "HS") {
			return nil, fmt.Errorf("algorithm %s requires an asymmetric key", alg)
		}
	}
	key := append([]byte(nil), secret...)
	return NewValidator(&c, func(*jwt.Token) (any, error) { return key, nil })
}

// Discovery carries the authorization server metadata learned through OIDC
// discovery. It is advertisement-only.
type Discovery struct {
	Issuer                string
	JWKSURI               string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	RegistrationEndpoint  string
	ResponseTypes         []string
	Scopes                []string
	GrantTypes            []string
	CodeChallengeMethods  []string
	TokenAuthMethods      []string
}

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and issuer and
// constructs a JWKS-backed Validator for them.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Validator, *Discovery, error) {
	if cfg == nil {
		return nil, nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer        string   `json:"issuer"`
		JwksURI       string   `json:"jwks_uri"`
		Authorization string   `json:"authorization_endpoint"`
		Token         string   `json:"token_endpoint"`
		Userinfo      string   `json:"userinfo_endpoint"`
		Registration  string   `json:"registration_endpoint"`
		ResponseTypes []string `json:"response_types_supported"`
		Scopes        []string `json:"scopes_supported"`
		GrantTypes    []string `json:"grant_types_supported"`
		CodeChallenge []string `json:"code_challenge_methods_supported"`
		TokenAuth     []string `json:"token_endpoint_auth_methods_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	c := *cfg
	c.Issuer = meta.Issuer
	v, err := NewJWKS(ctx, &c, meta.JwksURI)
	if err != nil {
		return nil, nil, err
	}
	return v, &Discovery{
		Issuer:                meta.Issuer,
		JWKSURI:               meta.JwksURI,
		AuthorizationEndpoint: meta.Authorization,
		TokenEndpoint:         meta.Token,
		UserinfoEndpoint:      meta.Userinfo,
		RegistrationEndpoint:  meta.Registration,
		ResponseTypes:         meta.ResponseTypes,
		Scopes:                meta.Scopes,
		GrantTypes:            meta.GrantTypes,
		CodeChallengeMethods:  meta.CodeChallenge,
		TokenAuthMethods:      meta.TokenAuth,
	}, nil
}
