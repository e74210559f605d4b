package authz_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/auth/authtest"
	"github.com/githound/mcp-auth/authz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = auth.NewUser("root", auth.RoleAdmin, nil)
	member   = auth.NewUser("alice", auth.RoleUser, []string{"read"})
	readonly = auth.NewUser("bob", auth.RoleReadonly, []string{"read"})
)

type recordingEngine struct {
	mu   sync.Mutex
	reqs []authz.Request
	dec  authz.Decision
	err  error
}

func (e *recordingEngine) Evaluate(_ context.Context, req authz.Request) (authz.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	return e.dec, e.err
}

func (e *recordingEngine) last(t *testing.T) authz.Request {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.reqs)
	return e.reqs[len(e.reqs)-1]
}

func TestScopedResource(t *testing.T) {
	assert.Equal(t, "githound:default", authz.ScopedResource("githound", ""))
	assert.Equal(t, "githound:repo_info", authz.ScopedResource("githound", "repo_info"))
	assert.Equal(t, "githound:repo_info", authz.ScopedResource("githound", "githound:repo_info"))
	assert.Equal(t, "repo_info", authz.ScopedResource("", "repo_info"))
}

func TestDefaultPolicy(t *testing.T) {
	p := authz.DefaultPolicy{Server: "githound"}
	tests := []struct {
		subject, action, resource string
		want                      bool
	}{
		{"admin", "delete", "elsewhere", true},
		{"user", "read", "githound:blame", true},
		{"user", "search", "githound:default", true},
		{"user", "write", "githound:blame", false},
		{"user", "read", "other:blame", false},
		{"readonly", "read", "githound:repository_info", true},
		{"readonly", "list", "githound:info", true},
		{"readonly", "read", "githound:blame", false},
		{"readonly", "search", "githound:repository_info", false},
		{"guest", "read", "githound:info", false},
	}
	for _, tt := range tests {
		dec, err := p.Evaluate(context.Background(), authz.Request{Subject: tt.subject, Action: tt.action, Resource: tt.resource})
		require.NoError(t, err)
		assert.Equal(t, tt.want, dec.Allowed, "%s %s %s", tt.subject, tt.action, tt.resource)
	}
}

func TestDecorator_BuildsRequest(t *testing.T) {
	inner := authtest.NewProvider("t", &auth.TokenInfo{UserID: "u"})
	eng := &recordingEngine{dec: authz.Decision{Allowed: true}}
	d, err := authz.NewDecorator(inner, "test", authz.Settings{ServerName: "githound"}, eng, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := d.CheckPermissionWithContext(ctx, member, "read", "blame", map[string]any{"repo": "x"})
	require.NoError(t, err)
	assert.True(t, ok)
	req := eng.last(t)
	assert.Equal(t, "user", req.Subject)
	assert.Equal(t, "read", req.Action)
	assert.Equal(t, "githound:blame", req.Resource)
	assert.Equal(t, "alice", req.Context["username"])
	assert.Equal(t, "x", req.Context["repo"])

	_, err = d.CheckPermission(ctx, member, "read")
	require.NoError(t, err)
	assert.Equal(t, "githound:default", eng.last(t).Resource)

	_, err = d.CheckToolPermission(ctx, member, "blame", map[string]any{"file": "main.go"})
	require.NoError(t, err)
	req = eng.last(t)
	assert.Equal(t, "blame", req.Action)
	assert.Equal(t, "githound:tools/blame", req.Resource)
	assert.Equal(t, "main.go", req.Context["arg_file"])
	assert.Equal(t, "blame", req.Context["tool"])

	assert.Empty(t, inner.Calls(), "inner provider must not be consulted when the engine decides")
}

func TestDecorator_ContextCannotOverrideIdentity(t *testing.T) {
	inner := authtest.NewProvider("t", &auth.TokenInfo{UserID: "u"})
	eng := &recordingEngine{dec: authz.Decision{Allowed: true}}
	d, err := authz.NewDecorator(inner, "test", authz.Settings{ServerName: "githound"}, eng, nil)
	require.NoError(t, err)
	ctx := context.Background()

	forged := map[string]any{"role": "admin", "username": "root", "permissions": []string{"admin"}, "repo": "x"}
	_, err = d.CheckPermissionWithContext(ctx, readonly, "write", "blame", forged)
	require.NoError(t, err)
	req := eng.last(t)
	assert.Equal(t, auth.RoleReadonly, req.Context["role"])
	assert.Equal(t, "bob", req.Context["username"])
	assert.Equal(t, []string{"read"}, req.Context["permissions"])
	assert.Equal(t, "x", req.Context["repo"])

	strict, err := authz.NewDecorator(inner, "test", authz.Settings{ServerName: "githound"}, authz.DefaultPolicy{Server: "githound"}, nil)
	require.NoError(t, err)
	ok, err := strict.CheckPermissionWithContext(ctx, readonly, "write", "blame", forged)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecorator_AdminAndBypassSkipEngine(t *testing.T) {
	inner := authtest.NewProvider("t", &auth.TokenInfo{UserID: "u"})
	eng := &recordingEngine{dec: authz.Decision{Allowed: false}}
	d, err := authz.NewDecorator(inner, "test", authz.Settings{ServerName: "githound", BypassMethods: []string{"initialize", "notifications/*"}}, eng, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := d.CheckPermission(ctx, admin, "delete")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.CheckPermission(ctx, readonly, "notifications/initialized")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.CheckPermission(ctx, readonly, "write")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, eng.reqs, 1)

	ok, err = d.CheckPermission(ctx, nil, "read")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecorator_FallbackMatchesInner(t *testing.T) {
	inner := authtest.NewProvider("t", &auth.TokenInfo{UserID: "u"})
	eng := &recordingEngine{err: authtest.ErrEngineDown}
	d, err := authz.NewDecorator(inner, "test", authz.Settings{ServerName: "githound"}, eng, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for _, perm := range []string{"read", "write"} {
		want, _ := inner.CheckPermission(ctx, member, perm)
		got, err := d.CheckPermissionWithContext(ctx, member, perm, "blame", map[string]any{"k": 1})
		require.NoError(t, err)
		assert.Equal(t, want, got, perm)
	}

	got, err := d.CheckToolPermission(ctx, member, "read", nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestDecorator_DelegatesAuthentication(t *testing.T) {
	md := &auth.OAuthMetadata{Issuer: "https://issuer"}
	inner := authtest.NewProvider("good", &auth.TokenInfo{UserID: "u1", Username: "carol", Roles: []string{"user"}})
	inner.Metadata = md
	d, err := authz.NewDecorator(inner, "test", authz.Settings{}, authz.DefaultPolicy{}, nil)
	require.NoError(t, err)

	res := d.Authenticate(context.Background(), "Bearer good")
	require.True(t, res.Success)
	assert.Equal(t, "carol", res.User.Username)
	assert.True(t, d.SupportsDynamicClientRegistration())
	assert.Equal(t, "https://issuer", d.OAuthMetadata().Issuer)
	assert.Equal(t, []auth.Provider{d, inner}, auth.Chain(d))
	assert.Equal(t, auth.VariantBasic|auth.VariantWithResource|auth.VariantWithContext, auth.VariantsOf(d))
}

func TestDecorator_AuditLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	inner := authtest.NewProvider("t", &auth.TokenInfo{UserID: "u"})
	d, err := authz.NewDecorator(inner, "eunomia", authz.Settings{ServerName: "githound", AuditLog: true}, authz.DefaultPolicy{Server: "githound"}, logger)
	require.NoError(t, err)

	_, err = d.CheckPermission(context.Background(), member, "read")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"msg":"authz.decision"`)
	assert.Contains(t, buf.String(), `"audit":{`)
	assert.Contains(t, buf.String(), `"allowed":true`)
}

func TestDecorator_ReconfigureIsAtomic(t *testing.T) {
	inner := authtest.NewProvider("t", &auth.TokenInfo{UserID: "u"})
	allow := authz.EngineFunc(func(_ context.Context, req authz.Request) (authz.Decision, error) {
		return authz.Decision{Allowed: req.Resource == "a:default"}, nil
	})
	deny := authz.EngineFunc(func(_ context.Context, req authz.Request) (authz.Decision, error) {
		return authz.Decision{Allowed: req.Resource == "b:default"}, nil
	})
	d, err := authz.NewDecorator(inner, "test", authz.Settings{ServerName: "a"}, allow, nil)
	require.NoError(t, err)

	// Each engine only allows its own server name, so a torn read of
	// settings and engine would surface as a deny.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	failures := make(chan string, 1)
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
				if ok, _ := d.CheckPermission(context.Background(), member, "read"); !ok {
					select {
					case failures <- "observed mixed configuration":
					default:
					}
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			require.NoError(t, d.Reconfigure(authz.Settings{ServerName: "b"}, deny))
		} else {
			require.NoError(t, d.Reconfigure(authz.Settings{ServerName: "a"}, allow))
		}
	}
	close(stop)
	wg.Wait()
	select {
	case msg := <-failures:
		t.Fatal(msg)
	default:
	}

	require.NoError(t, d.Update(func(s *authz.Settings) { s.AuditLog = true }, nil))
	assert.True(t, d.Settings().AuditLog)
	assert.Equal(t, "a", d.Settings().ServerName)
}

func TestNewDecoratorValidates(t *testing.T) {
	_, err := authz.NewDecorator(nil, "x", authz.Settings{}, authz.DefaultPolicy{}, nil)
	require.ErrorIs(t, err, auth.ErrMissingConfiguration)
	_, err = authz.NewDecorator(authtest.NewProvider("t", nil), "x", authz.Settings{}, nil, nil)
	require.ErrorIs(t, err, auth.ErrMissingConfiguration)
}
