package main

import (
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/internal/wellknown"
)

// routes serves the MCP endpoint, its discovery documents and, when the
// provider is an OAuth proxy, the proxy's own endpoints. The proxy handler
// follows provider swaps.
type routes struct {
	guard    *auth.Guard
	resource *url.URL
	name     string
	log      *slog.Logger
	proxy    atomic.Pointer[http.Handler]
}

type oauthEndpoints interface {
	Handler() http.Handler
}

// setProvider points the proxy routes at p, or disables them when p (and
// everything it wraps) serves no OAuth endpoints.
func (rt *routes) setProvider(p auth.Provider) {
	if p.SupportsDynamicClientRegistration() {
		for _, q := range auth.Chain(p) {
			if oe, ok := q.(oauthEndpoints); ok {
				h := oe.Handler()
				rt.proxy.Store(&h)
				return
			}
		}
	}
	rt.proxy.Store(nil)
}

func (rt *routes) handler(server *mcp.Server) http.Handler {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{Stateless: true})

	prmURL := wellknown.ProtectedResourceURL(rt.resource)
	authn := auth.Middleware(rt.guard,
		auth.WithRealm(rt.name),
		auth.WithResourceMetadataURL(prmURL.String()),
		auth.WithMiddlewareLogger(rt.log),
	)

	mux := http.NewServeMux()
	mux.Handle(rt.resource.Path, authn(mcpHandler))
	mux.Handle(prmURL.Path, wellknown.Handler(func() *wellknown.ProtectedResourceMetadata {
		doc := wellknown.ProtectedResource(rt.resource.String(), rt.name, wellknown.AuthorizationServer(rt.guard.Provider()))
		return &doc
	}))
	mux.Handle(wellknown.AuthorizationServerPath, wellknown.Handler(func() *auth.OAuthMetadata {
		return wellknown.AuthorizationServer(rt.guard.Provider())
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if h := rt.proxy.Load(); h != nil {
			(*h).ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	})
	return mux
}
