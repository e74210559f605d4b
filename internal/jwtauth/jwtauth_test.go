package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys"}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"userinfo_endpoint":        m.issuer + "/userinfo",
			"response_types_supported": []string{"code"},
			"scopes_supported":         []string{"openid", "repo:read"},
		})
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	return m
}

func (m *mockOIDC) Close() { m.srv.Close() }

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.Audiences = []string{aud}
	return cfg
}

func TestDiscovery_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	defer oidc.Close()

	aud := "https://githound.example/mcp"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, disc, err := NewFromDiscovery(ctx, baseConfig(oidc.issuer, aud))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if disc.AuthorizationEndpoint != oidc.issuer+"/oauth2/auth" {
		t.Fatalf("authorization endpoint: %q", disc.AuthorizationEndpoint)
	}
	if disc.UserinfoEndpoint != oidc.issuer+"/userinfo" {
		t.Fatalf("userinfo endpoint: %q", disc.UserinfoEndpoint)
	}

	now := time.Now()
	tok := signToken(t, pk, kid, jwt.MapClaims{
		"iss":   oidc.issuer,
		"sub":   "user-123",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "repo:read repo:search",
	})

	c, err := v.Validate(ctx, tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Subject != "user-123" {
		t.Fatalf("want sub user-123, got %s", c.Subject)
	}
	if strings.Join(c.Permissions, " ") != "repo:read repo:search" {
		t.Fatalf("permissions from scope: %v", c.Permissions)
	}
	if c.ExpiresAt == nil || *c.ExpiresAt != now.Add(time.Hour).Unix() {
		t.Fatalf("expires_at not projected: %v", c.ExpiresAt)
	}
}

func TestJWKS_ValidationOrder(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	other, _, _ := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	defer oidc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	aud := "mcp-client"
	v, err := NewJWKS(ctx, baseConfig("githound", aud), oidc.issuer+oidc.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	future := time.Now().Add(time.Hour).Unix()
	past := time.Now().Add(-time.Hour).Unix()

	tests := []struct {
		name   string
		key    *rsa.PrivateKey
		claims jwt.MapClaims
		want   error
	}{
		{
			name:   "bad signature wins over every claim error",
			key:    other,
			claims: jwt.MapClaims{"iss": "nope", "aud": "nope", "sub": "u", "exp": past},
			want:   ErrSignature,
		},
		{
			name:   "issuer before audience and expiry",
			key:    pk,
			claims: jwt.MapClaims{"iss": "nope", "aud": "nope", "sub": "u", "exp": past},
			want:   ErrIssuer,
		},
		{
			name:   "audience before expiry",
			key:    pk,
			claims: jwt.MapClaims{"iss": "githound", "aud": "nope", "sub": "u", "exp": past},
			want:   ErrAudience,
		},
		{
			name:   "expired",
			key:    pk,
			claims: jwt.MapClaims{"iss": "githound", "aud": aud, "sub": "u", "exp": past},
			want:   ErrExpired,
		},
		{
			name:   "missing exp",
			key:    pk,
			claims: jwt.MapClaims{"iss": "githound", "aud": aud, "sub": "u"},
			want:   ErrMalformed,
		},
		{
			name:   "missing sub",
			key:    pk,
			claims: jwt.MapClaims{"iss": "githound", "aud": aud, "exp": future},
			want:   ErrMalformed,
		},
		{
			name:   "audience array",
			key:    pk,
			claims: jwt.MapClaims{"iss": "githound", "aud": []string{"other", aud}, "sub": "u", "exp": future},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(ctx, signToken(t, tt.key, kid, tt.claims))
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestJWKS_RejectsUnknownKid(t *testing.T) {
	pk, _, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	defer oidc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWKS(ctx, baseConfig("githound", "mcp-client"), oidc.issuer+oidc.jwksPath)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok := signToken(t, pk, "rotated-away", jwt.MapClaims{
		"iss": "githound", "aud": "mcp-client", "sub": "u", "exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.Validate(ctx, tok); !errors.Is(err, ErrSignature) {
		t.Fatalf("want signature error for unknown kid, got %v", err)
	}
}

func TestStatic_ExampleScenario(t *testing.T) {
	cfg := &Config{Issuer: "githound-demo", Audiences: []string{"mcp-client"}}
	v, err := NewStatic(cfg, []byte("s3cret"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	valid := signHS256(t, "s3cret", jwt.MapClaims{
		"iss":         "githound-demo",
		"aud":         "mcp-client",
		"sub":         "user123",
		"role":        "user",
		"permissions": []string{"read", "write"},
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
	c, err := v.Validate(ctx, valid)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Subject != "user123" || c.Username != "user123" {
		t.Fatalf("unexpected identity: %+v", c)
	}
	if len(c.Roles) != 1 || c.Roles[0] != "user" {
		t.Fatalf("roles: %v", c.Roles)
	}
	if strings.Join(c.Permissions, ",") != "read,write" {
		t.Fatalf("permissions: %v", c.Permissions)
	}

	expired := signHS256(t, "s3cret", jwt.MapClaims{
		"iss": "githound-demo",
		"aud": "mcp-client",
		"sub": "user123",
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := v.Validate(ctx, expired); !errors.Is(err, ErrExpired) {
		t.Fatalf("want expired, got %v", err)
	}
	if !strings.Contains(ErrExpired.Error(), "expired") {
		t.Fatalf("expired sentinel must mention expiry: %q", ErrExpired)
	}

	forged := signHS256(t, "wrong", jwt.MapClaims{
		"iss": "githound-demo", "aud": "mcp-client", "sub": "user123", "exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := v.Validate(ctx, forged); !errors.Is(err, ErrSignature) {
		t.Fatalf("want signature error, got %v", err)
	}
}

func TestStatic_RejectsOtherAlgorithms(t *testing.T) {
	if _, err := NewStatic(&Config{AllowedAlgs: []string{"RS256"}}, []byte("k")); err == nil {
		t.Fatalf("expected error for asymmetric alg on static secret")
	}

	v, err := NewStatic(&Config{}, []byte("s3cret"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	claims := jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Validate(context.Background(), hs512); !errors.Is(err, ErrSignature) {
		t.Fatalf("want HS512 rejected under HS256 default, got %v", err)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := v.Validate(context.Background(), none); err == nil {
		t.Fatalf("alg none must never validate")
	}
}

func TestValidator_Leeway(t *testing.T) {
	justExpired := jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-5 * time.Second).Unix()}

	cfg := DefaultConfig()
	cfg.AllowedAlgs = []string{"HS256"}
	strict, err := NewStatic(cfg, []byte("s3cret"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := strict.Validate(context.Background(), signHS256(t, "s3cret", justExpired)); !errors.Is(err, ErrExpired) {
		t.Fatalf("token expired seconds ago must be rejected by default, got %v", err)
	}

	cfg.Leeway = 2 * time.Minute
	lenient, err := NewStatic(cfg, []byte("s3cret"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok := signHS256(t, "s3cret", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix()})
	if _, err := lenient.Validate(context.Background(), tok); err != nil {
		t.Fatalf("token within leeway rejected: %v", err)
	}
}

func TestJWKS_UnreachableKeySet(t *testing.T) {
	pk, kid, _ := genRSA(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWKS(ctx, baseConfig("githound", "mcp-client"), srv.URL+"/keys")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok := signToken(t, pk, kid, jwt.MapClaims{
		"iss": "githound", "aud": "mcp-client", "sub": "u", "exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = v.Validate(ctx, tok)
	if !errors.Is(err, ErrKeySource) {
		t.Fatalf("want key source error, got %v", err)
	}
	if errors.Is(err, ErrSignature) {
		t.Fatalf("an unreachable key set is not a signature failure: %v", err)
	}
}

func TestValidator_Malformed(t *testing.T) {
	v, err := NewStatic(&Config{}, []byte("s3cret"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := v.Validate(context.Background(), tok); !errors.Is(err, ErrMalformed) {
			t.Fatalf("token %q: want malformed, got %v", tok, err)
		}
	}
}

func TestProjectClaims_RolesAndUsername(t *testing.T) {
	c := projectClaims(jwt.MapClaims{
		"sub":                "42",
		"preferred_username": "octo",
		"email":              "octo@example.com",
		"role":               "readonly",
		"roles":              []any{"user", "readonly"},
	})
	if c.Username != "octo" || c.Email != "octo@example.com" {
		t.Fatalf("identity: %+v", c)
	}
	if strings.Join(c.Roles, ",") != "readonly,user" {
		t.Fatalf("roles: %v", c.Roles)
	}
	if len(c.Permissions) != 0 {
		t.Fatalf("permissions: %v", c.Permissions)
	}
}
