package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/auth/authtest"
	"github.com/githound/mcp-auth/internal/wellknown"
	"github.com/githound/mcp-auth/oauthproxy"
)

func newTestRoutes(t *testing.T, p auth.Provider) (*routes, *httptest.Server) {
	t.Helper()
	guard, err := auth.NewGuard(p)
	require.NoError(t, err)
	rt := &routes{guard: guard, name: "githound", log: slog.New(slog.DiscardHandler)}
	rt.setProvider(p)

	rt.resource, _ = url.Parse("https://git.example.com/mcp")

	server := mcp.NewServer(&mcp.Implementation{Name: "githound", Version: "test"}, nil)
	srv := httptest.NewServer(rt.handler(server))
	t.Cleanup(srv.Close)
	return rt, srv
}

func TestMCPEndpointChallenges(t *testing.T) {
	_, srv := newTestRoutes(t, authtest.NewProvider("tok", &auth.TokenInfo{UserID: "u"}))

	resp, err := http.Post(srv.URL+"/mcp", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	challenge := resp.Header.Get("WWW-Authenticate")
	assert.Contains(t, challenge, `realm="githound"`)
	assert.Contains(t, challenge, `resource_metadata="https://git.example.com/.well-known/oauth-protected-resource/mcp"`)
}

func TestProtectedResourceMetadata(t *testing.T) {
	_, srv := newTestRoutes(t, authtest.NewProvider("tok", &auth.TokenInfo{UserID: "u"}))

	resp, err := http.Get(srv.URL + "/.well-known/oauth-protected-resource/mcp")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc wellknown.ProtectedResourceMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "https://git.example.com/mcp", doc.Resource)
	assert.Empty(t, doc.AuthorizationServers)

	// Verifiers without discovery have no authorization server document.
	resp, err = http.Get(srv.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyRoutesFollowProvider(t *testing.T) {
	gh, err := oauthproxy.NewGitHub(oauthproxy.Config{
		ClientID:     "gh-id",
		ClientSecret: "gh-secret",
		BaseURL:      "https://mcp.example.com",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gh.Close() })

	rt, srv := newTestRoutes(t, gh)

	resp, err := http.Post(srv.URL+"/register", "application/json",
		strings.NewReader(`{"client_name":"cli","redirect_uris":["http://127.0.0.1:9000/cb"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	var md auth.OAuthMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&md))
	resp.Body.Close()
	assert.Equal(t, "https://mcp.example.com/register", md.RegistrationEndpoint)

	// Swapping to a verifier removes the proxy endpoints.
	plain := authtest.NewProvider("tok", &auth.TokenInfo{UserID: "u"})
	_, err = rt.guard.Swap(plain)
	require.NoError(t, err)
	rt.setProvider(plain)

	resp, err = http.Post(srv.URL+"/register", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
