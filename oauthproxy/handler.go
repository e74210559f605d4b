package oauthproxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/githound/mcp-auth/auth"
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")
)

// Handler serves the proxy's registration, authorization, callback, token
// and discovery endpoints under the BaseURL path.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+p.routePath("/register"), p.handleRegister)
	mux.HandleFunc("GET "+p.routePath("/authorize"), p.handleAuthorize)
	mux.HandleFunc("GET "+p.routePath(p.cfg.CallbackPath), p.handleCallback)
	mux.HandleFunc("POST "+p.routePath("/token"), p.handleToken)
	mux.HandleFunc("GET "+p.routePath("/.well-known/oauth-authorization-server"), p.handleMetadata)
	return mux
}

func (p *Proxy) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var md ClientMetadata
	if err := json.NewDecoder(r.Body).Decode(&md); err != nil {
		writeOAuthError(w, newError(CodeInvalidClientMetadata, http.StatusBadRequest, "invalid JSON body"))
		return
	}
	client, err := p.RegisterClient(ctx, md)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

func (p *Proxy) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := p.HandleAuthorization(r.Context(), AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (p *Proxy) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := p.HandleCallback(r.Context(), CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (p *Proxy) handleToken(w http.ResponseWriter, r *http.Request) {
	req, err := parseTokenRequest(r)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	body, err := p.HandleTokenExchange(r.Context(), req)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, body)
}

func parseTokenRequest(r *http.Request) (TokenRequest, error) {
	var req TokenRequest
	ctype, err := contenttype.GetMediaType(r)
	switch {
	case err == nil && ctype.Matches(jsonMediaType):
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, invalidRequest("invalid JSON body")
		}
	case err == nil && ctype.Matches(formMediaType):
		if err := r.ParseForm(); err != nil {
			return req, invalidRequest("invalid form body")
		}
		req = TokenRequest{
			GrantType:    r.PostForm.Get("grant_type"),
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
			RefreshToken: r.PostForm.Get("refresh_token"),
			Scope:        r.PostForm.Get("scope"),
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
		}
	default:
		return req, newError(CodeInvalidRequest, http.StatusUnsupportedMediaType, "content-type must be application/x-www-form-urlencoded or application/json")
	}

	if id, secret, ok := r.BasicAuth(); ok {
		if req.ClientID != "" && req.ClientID != id {
			return req, invalidClient("client_id mismatch between header and body")
		}
		req.ClientID, req.ClientSecret = id, secret
	}
	return req, nil
}

func (p *Proxy) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, p.OAuthMetadata())
}

func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *Error
	if errors.As(err, &oe) {
		writeOAuthError(w, oe)
		return
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		ct := ue.ContentType
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(ue.Status)
		_, _ = w.Write(ue.Body)
		return
	}
	p.log.ErrorContext(r.Context(), "oauthproxy.request.failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	if errors.Is(err, auth.ErrUpstreamUnavailable) {
		writeOAuthError(w, newError(CodeServerError, http.StatusBadGateway, "upstream request failed"))
		return
	}
	writeOAuthError(w, newError(CodeServerError, http.StatusInternalServerError, "internal error"))
}

func writeOAuthError(w http.ResponseWriter, e *Error) {
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	if e.Code == CodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
