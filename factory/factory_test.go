package factory

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/auth/authtest"
	"github.com/githound/mcp-auth/oauthproxy"
)

func TestResolveNames(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		in, want string
	}{
		{"jwt", "jwt"},
		{"JWT", "jwt"},
		{"jwks", "jwks"},
		{"static_jwt", "static_jwt"},
		{"github", "github"},
		{"google_workspace", "google_workspace"},
		{"fastmcp.server.auth.providers.jwt.JWTVerifier", "jwt"},
		{"fastmcp.server.auth.providers.github.GitHubProvider", "github"},
		{"fastmcp.server.auth.providers.google.GoogleProvider", "google"},
		{"mcp.auth.GoogleWorkspaceProvider", "google_workspace"},
		{"fastmcp.server.auth.BearerAuthProvider", "jwt"},
		{"StaticTokenVerifier", "static_jwt"},
	}
	for _, tt := range tests {
		got, _, err := r.Resolve(tt.in)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveFailures(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"", "  ", "kerberos", "acme.auth.SamlProvider"} {
		_, _, err := r.Resolve(name)
		if !errors.Is(err, auth.ErrMissingConfiguration) {
			t.Errorf("Resolve(%q) err = %v, want ErrMissingConfiguration", name, err)
		}
	}
}

func TestRegister(t *testing.T) {
	r := NewRegistry()
	fake := authtest.NewProvider("tok", &auth.TokenInfo{UserID: "u1", Username: "alice"})
	build := func(context.Context, Config, *Deps) (auth.Provider, error) { return fake, nil }

	if err := r.Register("custom", build); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("acme.CustomProvider", build); !errors.Is(err, ErrDuplicateProvider) {
		t.Fatalf("duplicate Register err = %v", err)
	}

	stack, err := r.New(context.Background(), Config{Provider: "acme.auth.CustomProvider"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer stack.Close()
	if stack.Provider != fake {
		t.Fatalf("provider = %T, want the registered fake", stack.Provider)
	}
}

func TestStaticJWTFromConfig(t *testing.T) {
	stack, err := New(context.Background(), Config{
		Provider: "static_jwt",
		Secret:   "s3cret",
		Issuer:   "githound-demo",
		Audience: "mcp-client",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer stack.Close()

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user123",
		"iss": "githound-demo",
		"aud": "mcp-client",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatal(err)
	}
	res := stack.Provider.Authenticate(context.Background(), "Bearer "+tok)
	if !res.Success {
		t.Fatalf("authenticate failed: %v", res.Error)
	}
	if stack.Provider.SupportsDynamicClientRegistration() || stack.Provider.OAuthMetadata() != nil {
		t.Fatal("verifiers advertise no OAuth metadata")
	}
}

func TestJWTRequiresKeySource(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "jwt"})
	if !errors.Is(err, auth.ErrMissingConfiguration) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "FASTMCP_SERVER_AUTH_JWKS_URI") {
		t.Fatalf("err %q does not name the missing key", err)
	}
}

func TestOAuthProviders(t *testing.T) {
	base := Config{
		BaseURL:            "https://mcp.example.com",
		GitHubClientID:     "gh-id",
		GitHubClientSecret: "gh-secret",
		GoogleClientID:     "g-id",
		GoogleClientSecret: "g-secret",
	}

	for _, name := range []string{"github", "google"} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			cfg.Provider = name
			stack, err := New(context.Background(), cfg)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer stack.Close()
			if !stack.Provider.SupportsDynamicClientRegistration() {
				t.Fatal("OAuth providers support DCR")
			}
			md := stack.Provider.OAuthMetadata()
			if md == nil || md.RegistrationEndpoint != "https://mcp.example.com/register" {
				t.Fatalf("metadata = %+v", md)
			}
		})
	}

	t.Run("workspace requires domain", func(t *testing.T) {
		cfg := base
		cfg.Provider = "google_workspace"
		if _, err := New(context.Background(), cfg); !errors.Is(err, auth.ErrMissingConfiguration) {
			t.Fatalf("err = %v", err)
		}
		cfg.GoogleWorkspaceDomain = "Example.COM"
		stack, err := New(context.Background(), cfg)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer stack.Close()
		if _, ok := stack.Provider.(*oauthproxy.Google); !ok {
			t.Fatalf("provider = %T", stack.Provider)
		}
	})

	t.Run("missing client secret", func(t *testing.T) {
		cfg := base
		cfg.Provider = "github"
		cfg.GitHubClientSecret = ""
		if _, err := New(context.Background(), cfg); !errors.Is(err, auth.ErrMissingConfiguration) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestStorageSelection(t *testing.T) {
	cfg := Config{
		Provider:           "github",
		BaseURL:            "https://mcp.example.com",
		GitHubClientID:     "id",
		GitHubClientSecret: "secret",
	}

	cfg.Storage = "etcd"
	if _, err := New(context.Background(), cfg); !errors.Is(err, auth.ErrMissingConfiguration) {
		t.Fatalf("unknown backend err = %v", err)
	}
	cfg.Storage = StorageRedis
	if _, err := New(context.Background(), cfg); !errors.Is(err, auth.ErrMissingConfiguration) {
		t.Fatalf("redis without address err = %v", err)
	}
}

type namedProvider struct {
	auth.Provider
	name string
}

func (n *namedProvider) Unwrap() auth.Provider { return n.Provider }

func TestWrapOrderAndMissingDecorators(t *testing.T) {
	r := NewRegistry()
	r.mu.Lock()
	r.decorators = map[string]DecoratorFactory{}
	r.mu.Unlock()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	base := authtest.NewProvider("tok", &auth.TokenInfo{UserID: "u"})

	// Nothing linked: the base provider comes back and a warning is logged.
	p, err := r.Wrap(context.Background(), base, []string{"permit", "eunomia"}, WithLogger(logger))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if p != auth.Provider(base) {
		t.Fatalf("provider = %T, want base", p)
	}
	if got := strings.Count(buf.String(), "factory.decorator.unavailable"); got != 2 {
		t.Fatalf("warnings = %d, want 2\n%s", got, buf.String())
	}

	named := func(name string) DecoratorFactory {
		return func(_ context.Context, inner auth.Provider, _ Config, _ *Deps) (auth.Provider, error) {
			return &namedProvider{Provider: inner, name: name}, nil
		}
	}
	r.RegisterDecorator(DecoratorEunomia, named("eunomia"))
	r.RegisterDecorator(DecoratorPermit, named("permit"))

	p, err = r.Wrap(context.Background(), base, []string{"PERMIT", "eunomia"})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	chain := auth.Chain(p)
	if len(chain) != 3 {
		t.Fatalf("chain length = %d", len(chain))
	}
	if chain[0].(*namedProvider).name != "permit" || chain[1].(*namedProvider).name != "eunomia" {
		t.Fatal("permit must wrap eunomia")
	}

	boom := errors.New("boom")
	r.RegisterDecorator(DecoratorPermit, func(context.Context, auth.Provider, Config, *Deps) (auth.Provider, error) {
		return nil, boom
	})
	if _, err := r.Wrap(context.Background(), base, []string{"permit"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestStackCloseRunsInReverse(t *testing.T) {
	var order []int
	s := &Stack{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return errors.New("second") },
	}}
	err := s.Close()
	if err == nil || len(order) != 2 || order[0] != 2 {
		t.Fatalf("order = %v err = %v", order, err)
	}
	if s.Close() != err {
		t.Fatal("Close is idempotent")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("FASTMCP_SERVER_AUTH", "fastmcp.server.auth.providers.github.GitHubProvider")
	t.Setenv("FASTMCP_SERVER_AUTH_GITHUB_CLIENT_ID", "id")
	t.Setenv("FASTMCP_SERVER_AUTH_GITHUB_CLIENT_SECRET", "secret")
	t.Setenv("FASTMCP_SERVER_AUTH_GITHUB_SCOPES", "read:user, user:email")
	t.Setenv("FASTMCP_SERVER_AUTH_BASE_URL", "https://mcp.example.com")
	t.Setenv("EUNOMIA_ENABLE", "true")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.GitHubClientID != "id" || cfg.BaseURL != "https://mcp.example.com" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Storage != StorageMemory || cfg.Timeout != 10*time.Second || cfg.Leeway != 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if got := splitList(cfg.GitHubScopes); len(got) != 2 || got[1] != "user:email" {
		t.Fatalf("scopes = %v", got)
	}
	if d := cfg.Decorators(); len(d) != 1 || d[0] != DecoratorEunomia {
		t.Fatalf("decorators = %v", d)
	}
}
