package eunomia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/auth/authtest"
	"github.com/githound/mcp-auth/authz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `{
  "version": "1",
  "name": "githound",
  "rules": [
    {"name": "no-secrets", "effect": "deny", "actions": ["*"], "conditions": [{"attribute": "arg_path", "operator": "contains", "value": ".env"}]},
    {"name": "alice-blame", "effect": "allow", "subjects": ["user:alice"], "actions": ["blame"], "resources": ["githound:tools/*"]},
    {"name": "small-diffs", "effect": "allow", "subjects": ["readonly"], "actions": ["diff"], "conditions": [{"attribute": "arg_context_lines", "operator": "lte", "value": 10}]},
    {"name": "known-repos", "effect": "allow", "subjects": ["user"], "actions": ["search"], "conditions": [{"attribute": "arg_repo", "operator": "in", "value": ["githound", "docs"]}]}
  ]
}`

var (
	alice = auth.NewUser("alice", auth.RoleUser, []string{"read"})
	bob   = auth.NewUser("bob", auth.RoleReadonly, []string{"read"})
	root  = auth.NewUser("root", auth.RoleAdmin, nil)
)

func writePolicy(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "mcp_policies.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newInner() *authtest.Provider {
	return authtest.NewProvider("t", &auth.TokenInfo{UserID: "u"})
}

func TestPolicyRules(t *testing.T) {
	path := writePolicy(t, t.TempDir(), samplePolicy)
	p, err := New(newInner(), Config{PolicyFile: path, ServerName: "githound"})
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		user *auth.User
		tool string
		args map[string]any
		want bool
	}{
		{"named subject allowed", alice, "blame", map[string]any{"path": "main.go"}, true},
		{"deny rule first", alice, "blame", map[string]any{"path": "config/.env"}, false},
		{"admin bypasses deny rule", root, "blame", map[string]any{"path": ".env"}, true},
		{"numeric condition holds", bob, "diff", map[string]any{"context_lines": 3}, true},
		{"numeric condition fails", bob, "diff", map[string]any{"context_lines": 50}, false},
		{"missing attribute fails", bob, "diff", nil, false},
		{"in condition", alice, "search", map[string]any{"repo": "docs"}, true},
		{"in condition miss falls to role policy", alice, "search", map[string]any{"repo": "other"}, true},
		{"role policy denies writes", alice, "push", map[string]any{"repo": "docs"}, false},
		{"unmatched falls to default deny", bob, "blame", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.CheckToolPermission(ctx, tt.user, tt.tool, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	// The built-in policy still governs plain permissions.
	ok, err := p.CheckPermission(ctx, alice, "read")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.CheckResourcePermission(ctx, bob, "read", "repository_info")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDefaultEffect(t *testing.T) {
	engine := NewPolicyEngine(&Policy{DefaultEffect: EffectAllow}, "githound")
	dec, err := engine.Evaluate(context.Background(), authz.Request{Subject: "guest", Action: "anything"})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
}

func TestConditionOperators(t *testing.T) {
	attrs := map[string]any{
		"n":    json.Number("5"),
		"s":    "feature/login",
		"tags": []any{"a", "b"},
	}
	tests := []struct {
		c    Condition
		want bool
	}{
		{Condition{"n", OpEq, 5.0}, true},
		{Condition{"n", OpNe, 5}, false},
		{Condition{"n", OpGt, 4}, true},
		{Condition{"n", OpGte, 5}, true},
		{Condition{"n", OpLt, 5}, false},
		{Condition{"n", OpLte, 5}, true},
		{Condition{"s", OpGt, "feature/a"}, true},
		{Condition{"s", OpContains, "login"}, true},
		{Condition{"tags", OpContains, "b"}, true},
		{Condition{"tags", OpContains, "z"}, false},
		{Condition{"s", OpIn, []any{"main", "feature/login"}}, true},
		{Condition{"n", OpGt, "x"}, false},
		{Condition{"missing", OpNe, "x"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.c.holds(attrs), "%s %s %v", tt.c.Attribute, tt.c.Operator, tt.c.Value)
	}
}

func TestParsePolicyRejectsInvalid(t *testing.T) {
	_, err := ParsePolicy([]byte(`{"rules":[{"name":"x","effect":"maybe"}]}`))
	require.Error(t, err)
	_, err = ParsePolicy([]byte(`{"rules":[{"name":"x","effect":"allow","conditions":[{"attribute":"a","operator":"regex"}]}]}`))
	require.Error(t, err)
	_, err = ParsePolicy([]byte(`not json`))
	require.Error(t, err)
}

func TestMissingPolicyFileUsesDefault(t *testing.T) {
	p, err := New(newInner(), Config{PolicyFile: filepath.Join(t.TempDir(), "absent.json")})
	require.NoError(t, err)
	_, isDefault := p.Engine().(authz.DefaultPolicy)
	assert.True(t, isDefault)
	assert.Equal(t, "githound", p.ServerName())

	ok, err := p.CheckPermission(context.Background(), alice, "search")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMalformedPolicyFails(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `{"rules": [`)
	_, err := New(newInner(), Config{PolicyFile: path})
	require.ErrorIs(t, err, auth.ErrPolicyEngineUnavailable)
}

func TestReloadAndUpdateConfig(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `{"rules":[{"name":"deny-all","effect":"deny"}]}`)
	p, err := New(newInner(), Config{PolicyFile: path, ServerName: "githound"})
	require.NoError(t, err)
	ctx := context.Background()

	ok, _ := p.CheckPermission(ctx, alice, "read")
	assert.False(t, ok)

	writePolicy(t, dir, `{"rules":[{"name":"allow-all","effect":"allow"}]}`)
	require.NoError(t, p.ReloadPolicies())
	ok, _ = p.CheckPermission(ctx, alice, "write")
	assert.True(t, ok)

	// A broken document keeps the previous engine.
	writePolicy(t, dir, `{"rules":[{"effect":"nope"}]}`)
	require.Error(t, p.ReloadPolicies())
	ok, _ = p.CheckPermission(ctx, alice, "write")
	assert.True(t, ok)

	require.NoError(t, p.UpdateConfig(func(c *Config) {
		c.PolicyFile = filepath.Join(dir, "absent.json")
		c.ServerName = "other"
		c.BypassMethods = []string{"write"}
	}))
	assert.Equal(t, filepath.Join(dir, "absent.json"), p.PolicyFilePath())
	assert.Equal(t, "other", p.Settings().ServerName)
	ok, _ = p.CheckPermission(ctx, bob, "write")
	assert.True(t, ok, "bypassed method")
	ok, _ = p.CheckPermission(ctx, bob, "read")
	assert.False(t, ok)
}

func TestConfigSwapsWithEngine(t *testing.T) {
	dir := t.TempDir()
	absent := filepath.Join(dir, "absent.json")
	p, err := New(newInner(), Config{PolicyFile: absent, ServerName: "a"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	torn := make(chan Config, 1)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := p.Settings()
				cfg, _ := s.Config.(Config)
				if cfg.ServerName != s.ServerName {
					select {
					case torn <- cfg:
					default:
					}
					return
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		name := "a"
		if i%2 == 0 {
			name = "b"
		}
		require.NoError(t, p.UpdateConfig(func(c *Config) { c.ServerName = name }))
		assert.Equal(t, name, p.ServerName())
		assert.Equal(t, name, p.Engine().(authz.DefaultPolicy).Server)
	}
	close(stop)
	wg.Wait()
	select {
	case cfg := <-torn:
		t.Fatalf("settings paired with another configuration: %+v", cfg)
	default:
	}

	// A failed update leaves both halves untouched.
	require.Error(t, p.UpdateConfig(func(c *Config) {
		c.PolicyFile = writePolicy(t, dir, `{"rules":[{"effect":"nope"}]}`)
	}))
	assert.Equal(t, absent, p.PolicyFilePath())
	assert.IsType(t, authz.DefaultPolicy{}, p.Engine())
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `{"rules":[{"name":"deny-all","effect":"deny"}]}`)
	p, err := New(newInner(), Config{PolicyFile: path})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool {
		writePolicy(t, dir, `{"rules":[{"name":"allow-all","effect":"allow"}]}`)
		ok, _ := p.CheckPermission(context.Background(), alice, "write")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRemoteEngine(t *testing.T) {
	var got checkRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/check", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		allowed := got.Action == "read"
		_ = json.NewEncoder(w).Encode(map[string]any{"allowed": allowed, "reason": "remote"})
	}))
	defer srv.Close()

	p, err := New(newInner(), Config{Endpoint: srv.URL + "/", APIKey: "k", ServerName: "githound"})
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := p.CheckResourcePermission(ctx, bob, "read", "blame")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "readonly", got.Principal.URI)
	assert.Equal(t, "githound:blame", got.Resource.URI)

	ok, err = p.CheckPermission(ctx, bob, "write")
	require.NoError(t, err)
	assert.False(t, ok)

	// Watch returns at once in remote mode.
	require.NoError(t, p.Watch(ctx))
}

func TestRemoteEngineFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inner := newInner()
	p, err := New(inner, Config{Endpoint: srv.URL})
	require.NoError(t, err)

	ok, err := p.CheckPermission(context.Background(), bob, "read")
	require.NoError(t, err)
	assert.True(t, ok, "fallback uses the inner provider's permission list")
	require.Len(t, inner.Calls(), 1)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("EUNOMIA_ENABLE", "true")
	t.Setenv("EUNOMIA_POLICY_FILE", "/etc/githound/policy.json")
	t.Setenv("EUNOMIA_SERVER_NAME", "hound")
	t.Setenv("EUNOMIA_ENABLE_AUDIT_LOGGING", "false")
	t.Setenv("EUNOMIA_BYPASS_METHODS", `["initialize","tools/list"]`)

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.Enable)
	assert.Equal(t, "/etc/githound/policy.json", cfg.PolicyFile)
	assert.Equal(t, "hound", cfg.ServerName)
	assert.False(t, cfg.EnableAuditLogging)
	assert.Equal(t, []string{"initialize", "tools/list"}, cfg.BypassMethods)
	assert.Equal(t, 5*time.Second, cfg.Timeout)

	t.Setenv("EUNOMIA_BYPASS_METHODS", `initialize`)
	_, err = ConfigFromEnv()
	require.Error(t, err)
}

func TestPolicySchema(t *testing.T) {
	raw, err := PolicySchema()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "rules")
	assert.Contains(t, props, "default_effect")
}
