// Package wellknown builds and serves the discovery documents a protected
// MCP endpoint advertises.
package wellknown

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/githound/mcp-auth/auth"
)

const (
	ProtectedResourcePrefix = "/.well-known/oauth-protected-resource"
	AuthorizationServerPath = "/.well-known/oauth-authorization-server"
)

// ProtectedResourceMetadata is the RFC 9728 document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// ProtectedResourceURL returns where the metadata for resource is served:
// the well-known prefix followed by the resource's path, on its host.
func ProtectedResourceURL(resource *url.URL) *url.URL {
	return &url.URL{Scheme: resource.Scheme, Host: resource.Host, Path: ProtectedResourcePrefix + resource.Path}
}

// AuthorizationServer finds the authorization server metadata for p. OAuth
// providers advertise it directly; discovered JWT verifiers expose their
// issuer's document through AuthorizationServer.
func AuthorizationServer(p auth.Provider) *auth.OAuthMetadata {
	if md := p.OAuthMetadata(); md != nil {
		return md
	}
	type discovered interface {
		AuthorizationServer() *auth.OAuthMetadata
	}
	for _, q := range auth.Chain(p) {
		if d, ok := q.(discovered); ok {
			if md := d.AuthorizationServer(); md != nil {
				return md
			}
		}
	}
	return nil
}

// ProtectedResource describes resource as protected by the authorization
// server in md, if any.
func ProtectedResource(resource, name string, md *auth.OAuthMetadata) ProtectedResourceMetadata {
	doc := ProtectedResourceMetadata{
		Resource:               resource,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           name,
	}
	if md != nil {
		doc.AuthorizationServers = []string{md.Issuer}
		doc.JwksURI = md.JWKSURI
		doc.ScopesSupported = append([]string(nil), md.ScopesSupported...)
	}
	return doc
}

// Handler serves the document returned by doc on every request, so a
// provider swap is reflected immediately. A nil document is a 404.
func Handler[T any](doc func() *T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Vary", "Origin")
		switch r.Method {
		case http.MethodOptions:
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		v := doc()
		if v == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			http.Error(w, fmt.Sprintf("failed to encode metadata: %v", err), http.StatusInternalServerError)
		}
	})
}
