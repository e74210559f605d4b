// Package oauthproxy presents a Dynamic Client Registration front for
// upstream identity providers that only support pre-provisioned OAuth
// applications. Clients register locally, authorization is redirected to
// the upstream with the proxy's fixed credentials, and token exchanges are
// replayed against the upstream token endpoint.
package oauthproxy

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/githound/mcp-auth/auth"
	"github.com/githound/mcp-auth/internal/httpclient"
	"github.com/githound/mcp-auth/storage"
	"github.com/githound/mcp-auth/storage/memory"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	nsClients  = "clients"
	nsPending  = "pending"
	nsCodes    = "codes"
	nsTokens   = "tokens"
	nsRefresh  = "refresh"
	grantCode  = "authorization_code"
	grantRenew = "refresh_token"

	authMethodNone  = "none"
	authMethodPost  = "client_secret_post"
	authMethodBasic = "client_secret_basic"
)

const (
	DefaultCallbackPath = "/callback"
	DefaultCodeTTL      = 10 * time.Minute
	DefaultTokenTTL     = time.Hour
	DefaultRefreshTTL   = 30 * 24 * time.Hour
	// expiredTokenGrace is how long a token record outlives its expiry so
	// that a replayed expired token is told apart from an unknown one.
	expiredTokenGrace = 24 * time.Hour
)

// UserInfoMapper converts an upstream userinfo document into TokenInfo. A
// nil result with a nil error means the profile carried no usable identity.
type UserInfoMapper func(ctx context.Context, accessToken string, profile map[string]any) (*auth.TokenInfo, error)

// Config describes the upstream application and the proxy's own public
// location.
type Config struct {
	// Name identifies the upstream in logs, e.g. "github".
	Name string

	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	ClientID              string
	ClientSecret          string
	Scopes                []string
	// AuthURLParams are appended to every upstream authorization URL.
	AuthURLParams map[string]string

	// BaseURL is the externally reachable URL the proxy endpoints are served
	// under. Its path, if any, prefixes every route.
	BaseURL      string
	CallbackPath string

	CodeTTL    time.Duration
	TokenTTL   time.Duration
	RefreshTTL time.Duration
	Timeout    time.Duration

	// Store defaults to an in-memory store owned by the proxy.
	Store      storage.Storage
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Proxy implements auth.Provider for an upstream OAuth identity provider.
type Proxy struct {
	cfg       Config
	store     storage.Storage
	ownsStore bool
	http      *httpclient.Client
	oauth     oauth2.Config
	mapUser   UserInfoMapper
	log       *slog.Logger
	base      *url.URL
	now       func() time.Time
}

var _ auth.Provider = (*Proxy)(nil)

// New validates cfg and returns a proxy using mapUser for userinfo
// projection. A nil mapUser selects the OIDC standard claim mapping.
func New(cfg Config, mapUser UserInfoMapper) (*Proxy, error) {
	switch {
	case cfg.ClientID == "":
		return nil, auth.MissingField("client_id")
	case cfg.ClientSecret == "":
		return nil, auth.MissingField("client_secret")
	case cfg.AuthorizationEndpoint == "":
		return nil, auth.MissingField("authorization_endpoint")
	case cfg.TokenEndpoint == "":
		return nil, auth.MissingField("token_endpoint")
	case cfg.UserinfoEndpoint == "":
		return nil, auth.MissingField("userinfo_endpoint")
	case cfg.BaseURL == "":
		return nil, auth.MissingField("base_url")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &auth.ConfigError{Field: "base_url", Reason: "must be an absolute URL"}
	}

	if cfg.Name == "" {
		cfg.Name = "oauth"
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if mapUser == nil {
		mapUser = mapStandardClaims
	}

	p := &Proxy{
		cfg:     cfg,
		store:   cfg.Store,
		mapUser: mapUser,
		log:     cfg.Logger,
		base:    base,
		now:     time.Now,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With(slog.String("upstream", cfg.Name))
	if p.store == nil {
		p.store = memory.New(0)
		p.ownsStore = true
	}
	if cfg.HTTPClient != nil {
		p.http = httpclient.NewWithHTTPClient(cfg.HTTPClient, cfg.Timeout)
	} else {
		p.http = httpclient.New(cfg.Timeout)
	}
	p.oauth = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationEndpoint,
			TokenURL: cfg.TokenEndpoint,
		},
		RedirectURL: p.endpoint(cfg.CallbackPath),
		Scopes:      cfg.Scopes,
	}
	return p, nil
}

// Close releases the proxy's store when the proxy created it.
func (p *Proxy) Close() error {
	if p.ownsStore {
		return p.store.Close()
	}
	return nil
}

func (p *Proxy) endpoint(path string) string {
	return p.base.String() + path
}

func (p *Proxy) routePath(path string) string {
	return strings.TrimSuffix(p.base.Path, "/") + path
}

// RegisterClient mints a local client for md. No upstream call is made.
func (p *Proxy) RegisterClient(ctx context.Context, md ClientMetadata) (*OAuthClient, error) {
	if len(md.RedirectURIs) == 0 {
		return nil, newError(CodeInvalidRedirectURI, http.StatusBadRequest, "at least one redirect_uri is required")
	}
	for _, ru := range md.RedirectURIs {
		u, err := url.Parse(ru)
		if err != nil || u.Scheme == "" || u.Fragment != "" {
			return nil, newError(CodeInvalidRedirectURI, http.StatusBadRequest, "redirect_uri %q is not an absolute URI", ru)
		}
	}

	grants := md.GrantTypes
	if len(grants) == 0 {
		grants = []string{grantCode, grantRenew}
	}
	for _, g := range grants {
		if g != grantCode && g != grantRenew {
			return nil, newError(CodeInvalidClientMetadata, http.StatusBadRequest, "unsupported grant_type %q", g)
		}
	}
	responses := md.ResponseTypes
	if len(responses) == 0 {
		responses = []string{"code"}
	}
	for _, rt := range responses {
		if rt != "code" {
			return nil, newError(CodeInvalidClientMetadata, http.StatusBadRequest, "unsupported response_type %q", rt)
		}
	}
	method := md.TokenEndpointAuthMethod
	switch method {
	case "":
		method = authMethodPost
	case authMethodNone, authMethodPost, authMethodBasic:
	default:
		return nil, newError(CodeInvalidClientMetadata, http.StatusBadRequest, "unsupported token_endpoint_auth_method %q", method)
	}

	client := &OAuthClient{
		ClientID:                uuid.NewString(),
		ClientName:              md.ClientName,
		RedirectURIs:            append([]string(nil), md.RedirectURIs...),
		GrantTypes:              grants,
		ResponseTypes:           responses,
		Scope:                   md.Scope,
		TokenEndpointAuthMethod: method,
		CreatedAt:               p.now().Unix(),
	}
	if method != authMethodNone {
		client.ClientSecret = randomHex(32)
	}

	if err := p.putJSON(ctx, nsClients, client.ClientID, client, 0); err != nil {
		return nil, err
	}
	p.log.InfoContext(ctx, "oauthproxy.client.registered",
		slog.String("client_id", client.ClientID),
		slog.String("client_name", client.ClientName),
	)
	return client, nil
}

// Client returns the registered client with id, or nil.
func (p *Proxy) Client(ctx context.Context, id string) (*OAuthClient, error) {
	if id == "" {
		return nil, nil
	}
	var c OAuthClient
	ok, err := p.getJSON(ctx, nsClients, id, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// HandleAuthorization validates req against the local client registry and
// returns the upstream authorization URL the caller must be redirected to.
func (p *Proxy) HandleAuthorization(ctx context.Context, req AuthorizationRequest) (string, error) {
	client, err := p.Client(ctx, req.ClientID)
	if err != nil {
		return "", err
	}
	if client == nil {
		return "", invalidClient("unknown client_id")
	}

	redirect := req.RedirectURI
	switch {
	case redirect == "" && len(client.RedirectURIs) == 1:
		redirect = client.RedirectURIs[0]
	case redirect == "":
		return "", invalidRequest("redirect_uri is required")
	case !client.hasRedirect(redirect):
		return "", invalidRequest("redirect_uri is not registered for this client")
	}

	if req.ResponseType != "" && req.ResponseType != "code" {
		return "", newError(CodeUnsupportedResponseType, http.StatusBadRequest, "only response_type=code is supported")
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" {
		if method == "" {
			method = PKCEMethodPlain
		}
		if method != PKCEMethodS256 && method != PKCEMethodPlain {
			return "", invalidRequest("unsupported code_challenge_method %q", method)
		}
	} else {
		method = ""
	}

	txn := randomHex(16)
	pending := pendingAuthorization{
		ClientID:            client.ClientID,
		RedirectURI:         redirect,
		State:               req.State,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
	}
	if err := p.putJSON(ctx, nsPending, txn, pending, p.cfg.CodeTTL); err != nil {
		return "", err
	}

	opts := make([]oauth2.AuthCodeOption, 0, len(p.cfg.AuthURLParams))
	for k, v := range p.cfg.AuthURLParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	p.log.DebugContext(ctx, "oauthproxy.authorize.redirect", slog.String("client_id", client.ClientID))
	return p.oauth.AuthCodeURL(txn, opts...), nil
}

// HandleCallback relays the upstream's answer to the client redirect URI
// recorded at authorization time. Codes and errors pass through unchanged;
// no token exchange happens here.
func (p *Proxy) HandleCallback(ctx context.Context, params CallbackParams) (string, error) {
	if params.State == "" {
		return "", invalidRequest("state is required")
	}
	var pending pendingAuthorization
	ok, err := p.takeJSON(ctx, nsPending, params.State, &pending)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", invalidRequest("unknown or expired state")
	}

	target, err := url.Parse(pending.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("parse stored redirect uri: %w", err)
	}
	q := target.Query()
	switch {
	case params.Error != "":
		q.Set("error", params.Error)
		if params.ErrorDescription != "" {
			q.Set("error_description", params.ErrorDescription)
		}
		p.log.InfoContext(ctx, "oauthproxy.callback.upstream_error",
			slog.String("client_id", pending.ClientID),
			slog.String("error", params.Error),
		)
	case params.Code == "":
		q.Set("error", CodeServerError)
		q.Set("error_description", "upstream returned neither code nor error")
	default:
		rec := AuthorizationCode{
			ClientID:            pending.ClientID,
			RedirectURI:         pending.RedirectURI,
			Scope:               pending.Scope,
			CodeChallenge:       pending.CodeChallenge,
			CodeChallengeMethod: pending.CodeChallengeMethod,
			ExpiresAt:           p.now().Add(p.cfg.CodeTTL).Unix(),
		}
		if err := p.putJSON(ctx, nsCodes, hashKey(params.Code), rec, p.cfg.CodeTTL); err != nil {
			return "", err
		}
		q.Set("code", params.Code)
	}
	if pending.State != "" {
		q.Set("state", pending.State)
	}
	target.RawQuery = q.Encode()
	return target.String(), nil
}

// HandleTokenExchange authenticates the local client and replays the grant
// against the upstream token endpoint, returning its response verbatim.
func (p *Proxy) HandleTokenExchange(ctx context.Context, req TokenRequest) (map[string]any, error) {
	client, err := p.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case grantCode:
		return p.exchangeCode(ctx, client, req)
	case grantRenew:
		return p.refresh(ctx, client, req)
	case "":
		return nil, invalidRequest("grant_type is required")
	default:
		return nil, newError(CodeUnsupportedGrantType, http.StatusBadRequest, "grant_type %q is not supported", req.GrantType)
	}
}

func (p *Proxy) authenticateClient(ctx context.Context, id, secret string) (*OAuthClient, error) {
	if id == "" {
		return nil, invalidClient("client_id is required")
	}
	client, err := p.Client(ctx, id)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, invalidClient("unknown client_id")
	}
	if client.ClientSecret != "" || secret != "" {
		if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(secret)) != 1 {
			p.log.WarnContext(ctx, "oauthproxy.client.bad_secret", slog.String("client_id", id))
			return nil, invalidClient("client authentication failed")
		}
	}
	return client, nil
}

func (p *Proxy) exchangeCode(ctx context.Context, client *OAuthClient, req TokenRequest) (map[string]any, error) {
	if !client.allowsGrant(grantCode) {
		return nil, newError("unauthorized_client", http.StatusBadRequest, "client is not allowed the authorization_code grant")
	}
	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}
	var rec AuthorizationCode
	ok, err := p.takeJSON(ctx, nsCodes, hashKey(req.Code), &rec)
	if err != nil {
		return nil, err
	}
	if !ok || rec.ExpiresAt <= p.now().Unix() {
		return nil, invalidGrant("authorization code is invalid, expired or already used")
	}
	if rec.ClientID != client.ClientID {
		return nil, invalidGrant("authorization code was issued to another client")
	}
	if req.RedirectURI != "" && req.RedirectURI != rec.RedirectURI {
		return nil, invalidGrant("redirect_uri mismatch")
	}
	if rec.CodeChallenge != "" && !verifyPKCE(rec.CodeChallengeMethod, rec.CodeChallenge, req.CodeVerifier) {
		return nil, invalidGrant("PKCE verification failed")
	}

	body, err := p.upstreamToken(ctx, map[string]string{
		"grant_type":    grantCode,
		"code":          req.Code,
		"redirect_uri":  p.oauth.RedirectURL,
		"client_id":     p.cfg.ClientID,
		"client_secret": p.cfg.ClientSecret,
	})
	if err != nil {
		return nil, err
	}
	if err := p.recordTokens(ctx, client.ClientID, rec.Scope, body); err != nil {
		return nil, err
	}
	p.log.InfoContext(ctx, "oauthproxy.token.issued", slog.String("client_id", client.ClientID), slog.String("grant", grantCode))
	return body, nil
}

func (p *Proxy) refresh(ctx context.Context, client *OAuthClient, req TokenRequest) (map[string]any, error) {
	if !client.allowsGrant(grantRenew) {
		return nil, newError("unauthorized_client", http.StatusBadRequest, "client is not allowed the refresh_token grant")
	}
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}
	var rec refreshRecord
	ok, err := p.getJSON(ctx, nsRefresh, hashKey(req.RefreshToken), &rec)
	if err != nil {
		return nil, err
	}
	if !ok || rec.ClientID != client.ClientID {
		return nil, invalidGrant("refresh token is invalid or was issued to another client")
	}

	form := map[string]string{
		"grant_type":    grantRenew,
		"refresh_token": req.RefreshToken,
		"client_id":     p.cfg.ClientID,
		"client_secret": p.cfg.ClientSecret,
	}
	if req.Scope != "" {
		form["scope"] = req.Scope
	}
	body, err := p.upstreamToken(ctx, form)
	if err != nil {
		return nil, err
	}
	if next, _ := body["refresh_token"].(string); next != "" && next != req.RefreshToken {
		if err := p.store.Delete(ctx, storage.WithNamespace(nsRefresh), storage.WithKey(hashKey(req.RefreshToken))); err != nil {
			return nil, err
		}
	}
	if err := p.recordTokens(ctx, client.ClientID, rec.Scope, body); err != nil {
		return nil, err
	}
	p.log.InfoContext(ctx, "oauthproxy.token.issued", slog.String("client_id", client.ClientID), slog.String("grant", grantRenew))
	return body, nil
}

func (p *Proxy) upstreamToken(ctx context.Context, form map[string]string) (map[string]any, error) {
	resp, err := p.http.Post(ctx, p.cfg.TokenEndpoint, httpclient.WithFormData(form))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.log.WarnContext(ctx, "oauthproxy.token.unreachable", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: token endpoint: %v", auth.ErrUpstreamUnavailable, err)
	}
	upstreamErr := &UpstreamError{
		Status:      resp.StatusCode(),
		ContentType: resp.Header().Get("Content-Type"),
		Body:        resp.Body(),
	}
	if resp.IsError() {
		p.log.WarnContext(ctx, "oauthproxy.token.rejected", slog.Int("status", resp.StatusCode()))
		return nil, upstreamErr
	}

	body, err := decodeTokenBody(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable token response: %v", auth.ErrUpstreamUnavailable, err)
	}
	// Some upstreams report grant failures with a 200 status.
	if _, failed := body["error"]; failed {
		upstreamErr.Status = http.StatusBadRequest
		p.log.WarnContext(ctx, "oauthproxy.token.rejected", slog.Int("status", resp.StatusCode()), slog.Any("error", body["error"]))
		return nil, upstreamErr
	}
	return body, nil
}

func decodeTokenBody(raw []byte) (map[string]any, error) {
	body := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&body); err == nil {
		return body, nil
	}
	values, err := url.ParseQuery(string(raw))
	if err != nil || len(values) == 0 {
		return nil, errors.New("neither JSON nor form encoded")
	}
	for k := range values {
		body[k] = values.Get(k)
	}
	return body, nil
}

func (p *Proxy) recordTokens(ctx context.Context, clientID, scope string, body map[string]any) error {
	access, _ := body["access_token"].(string)
	if access == "" {
		return fmt.Errorf("%w: token response carries no access_token", auth.ErrUpstreamUnavailable)
	}
	if s, _ := body["scope"].(string); s != "" {
		scope = s
	}

	rec := AccessToken{ClientID: clientID, Scope: scope}
	ttl := p.cfg.TokenTTL
	if secs, ok := expiresIn(body["expires_in"]); ok && secs > 0 {
		exp := p.now().Unix() + secs
		rec.ExpiresAt = &exp
		ttl = time.Duration(secs)*time.Second + expiredTokenGrace
	}
	if err := p.putJSON(ctx, nsTokens, hashKey(access), rec, ttl); err != nil {
		return err
	}

	if rt, _ := body["refresh_token"].(string); rt != "" {
		return p.putJSON(ctx, nsRefresh, hashKey(rt), refreshRecord{ClientID: clientID, Scope: scope}, p.cfg.RefreshTTL)
	}
	return nil
}

func expiresIn(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// LookupAccessToken returns the record for a token issued through the
// proxy, or nil when it is unknown. A token past its expiry fails with
// auth.ErrExpiredCredential; its record is kept until the store evicts it.
func (p *Proxy) LookupAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	var rec AccessToken
	ok, err := p.getJSON(ctx, nsTokens, hashKey(token), &rec)
	if err != nil || !ok {
		return nil, err
	}
	if rec.ExpiresAt != nil && *rec.ExpiresAt <= p.now().Unix() {
		return nil, fmt.Errorf("%w: proxy token expired at %s", auth.ErrExpiredCredential,
			time.Unix(*rec.ExpiresAt, 0).UTC().Format(time.RFC3339))
	}
	return &rec, nil
}

// ValidateToken resolves the credential through the upstream userinfo
// endpoint. Tokens minted elsewhere are accepted when the upstream vouches
// for them; tokens the proxy recorded as expired never reach the upstream.
func (p *Proxy) ValidateToken(ctx context.Context, credential string) (*auth.TokenInfo, error) {
	token := auth.StripBearer(credential)
	if token == "" {
		return nil, fmt.Errorf("%w: empty credential", auth.ErrInvalidCredential)
	}
	rec, err := p.LookupAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err := p.http.Get(ctx, p.cfg.UserinfoEndpoint, httpclient.WithAuthToken(token))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.log.WarnContext(ctx, "oauthproxy.userinfo.unreachable", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: userinfo: %v", auth.ErrUpstreamUnavailable, err)
	}
	switch status := resp.StatusCode(); {
	case status == http.StatusUnauthorized:
		p.log.InfoContext(ctx, "oauthproxy.userinfo.rejected", slog.Int("status", status))
		return nil, fmt.Errorf("%w: upstream rejected token", auth.ErrInvalidCredential)
	case resp.IsError():
		p.log.WarnContext(ctx, "oauthproxy.userinfo.failed", slog.Int("status", status))
		return nil, fmt.Errorf("%w: userinfo returned %d", auth.ErrUpstreamUnavailable, status)
	}

	profile := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	if err := dec.Decode(&profile); err != nil {
		return nil, fmt.Errorf("%w: undecodable userinfo: %v", auth.ErrInvalidCredential, err)
	}

	info, err := p.mapUser(ctx, token, profile)
	if err != nil {
		return nil, err
	}
	if info == nil || info.UserID == "" {
		return nil, fmt.Errorf("%w: userinfo carries no user id", auth.ErrInvalidCredential)
	}
	if info.ExpiresAt == nil && rec != nil && rec.ExpiresAt != nil {
		exp := *rec.ExpiresAt
		info.ExpiresAt = &exp
	}
	if info.Issuer == "" {
		info.Issuer = p.cfg.Name
	}
	return info, nil
}

func (p *Proxy) Authenticate(ctx context.Context, credential string) *auth.AuthResult {
	return auth.AuthenticateToken(ctx, p, credential)
}

func (p *Proxy) CheckPermission(_ context.Context, user *auth.User, permission string) (bool, error) {
	return auth.BasePermissionCheck(user, permission), nil
}

// OAuthMetadata advertises the proxy endpoints. The userinfo endpoint is the
// upstream's since issued tokens are upstream tokens.
func (p *Proxy) OAuthMetadata() *auth.OAuthMetadata {
	register := p.endpoint("/register")
	return &auth.OAuthMetadata{
		Issuer:                            p.base.String(),
		AuthorizationEndpoint:             p.endpoint("/authorize"),
		TokenEndpoint:                     p.endpoint("/token"),
		UserinfoEndpoint:                  p.cfg.UserinfoEndpoint,
		RegistrationEndpoint:              register,
		DynamicClientRegistrationEndpoint: register,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{grantCode, grantRenew},
		ScopesSupported:                   append([]string(nil), p.cfg.Scopes...),
		TokenEndpointAuthMethodsSupported: []string{authMethodPost, authMethodBasic, authMethodNone},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256, PKCEMethodPlain},
	}
}

func (p *Proxy) SupportsDynamicClientRegistration() bool { return true }

func (p *Proxy) putJSON(ctx context.Context, ns, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", ns, err)
	}
	opts := []storage.Option{storage.WithNamespace(ns)}
	if ttl > 0 {
		opts = append(opts, storage.WithTTL(ttl))
	}
	return p.store.Set(ctx, key, data, opts...)
}

func (p *Proxy) getJSON(ctx context.Context, ns, key string, v any) (bool, error) {
	item, err := p.store.Get(ctx, key, storage.WithNamespace(ns))
	return decodeItem(ns, item, err, v)
}

func (p *Proxy) takeJSON(ctx context.Context, ns, key string, v any) (bool, error) {
	item, err := p.store.Take(ctx, key, storage.WithNamespace(ns))
	return decodeItem(ns, item, err, v)
}

func decodeItem(ns string, item *storage.StorageItem, err error, v any) (bool, error) {
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	if err := json.Unmarshal(item.Data, v); err != nil {
		return false, fmt.Errorf("decode %s record: %w", ns, err)
	}
	return true, nil
}

// mapStandardClaims projects an OIDC userinfo document.
func mapStandardClaims(_ context.Context, _ string, profile map[string]any) (*auth.TokenInfo, error) {
	sub := stringClaim(profile, "sub")
	if sub == "" {
		return nil, nil
	}
	username := stringClaim(profile, "preferred_username")
	if username == "" {
		username = stringClaim(profile, "email")
	}
	if username == "" {
		username = sub
	}
	return &auth.TokenInfo{
		UserID:      sub,
		Username:    username,
		Email:       stringClaim(profile, "email"),
		Roles:       []string{auth.RoleUser},
		Permissions: []string{"read"},
	}, nil
}

// stringClaim reads a string or numeric profile field as a string.
func stringClaim(profile map[string]any, key string) string {
	switch v := profile[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
