package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/zitadel/oidc/v3/pkg/client"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/oauth2"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/interaction"
)

const (
	responseModeFragment = "fragment"
	defaultHTTPTimeout   = 15 * time.Second
)

// Parameters the authorization URL builder owns; extra query parameters may
// not override them.
var reservedAuthParams = map[string]struct{}{
	"client_id":             {},
	"redirect_uri":          {},
	"response_type":         {},
	"scope":                 {},
	"state":                 {},
	"nonce":                 {},
	"code_challenge":        {},
	"code_challenge_method": {},
	"response_mode":         {},
}

var DefaultSigningAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

type Logger interface {
	Printf(format string, v ...any)
}

type Endpoints struct {
	AuthURL       string
	TokenURL      string
	EndSessionURL string
}

type EngineConfig struct {
	HTTPClient *http.Client
	// Tokens stores refresh tokens per account. Nil disables silent refresh
	// from the cache.
	Tokens *TokenCache
	// Endpoints pins authorities to known endpoints and skips discovery for
	// them.
	Endpoints         map[string]Endpoints
	SigningAlgorithms []jose.SignatureAlgorithm
	Logger            Logger
}

// OAuth2Engine speaks the authorization code flow with PKCE against an
// OpenID provider.
type OAuth2Engine struct {
	httpClient *http.Client
	tokens     *TokenCache
	algs       []jose.SignatureAlgorithm
	logger     Logger

	mu        sync.Mutex
	endpoints map[string]Endpoints
}

func NewOAuth2Engine(cfg EngineConfig) *OAuth2Engine {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if len(cfg.SigningAlgorithms) == 0 {
		cfg.SigningAlgorithms = DefaultSigningAlgorithms
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	endpoints := make(map[string]Endpoints, len(cfg.Endpoints))
	for authority, ep := range cfg.Endpoints {
		endpoints[normalizeAuthority(authority)] = ep
	}
	return &OAuth2Engine{
		httpClient: cfg.HTTPClient,
		tokens:     cfg.Tokens,
		algs:       cfg.SigningAlgorithms,
		logger:     cfg.Logger,
		endpoints:  endpoints,
	}
}

func normalizeAuthority(authority string) string {
	return strings.TrimRight(strings.TrimSpace(authority), "/")
}

func (e *OAuth2Engine) resolve(ctx context.Context, authority string) (Endpoints, error) {
	authority = normalizeAuthority(authority)
	if authority == "" {
		return Endpoints{}, autherr.Configuration(autherr.CodeEndpointResolution, "authority is required")
	}
	e.mu.Lock()
	ep, ok := e.endpoints[authority]
	e.mu.Unlock()
	if ok {
		return ep, nil
	}

	disc, err := client.Discover(ctx, authority, e.httpClient)
	if err != nil {
		e.logger.Printf("protocol.discovery.failed authority=%s err=%v", authority, err)
		return Endpoints{}, autherr.Wrap(autherr.ErrConfiguration, autherr.CodeEndpointResolution, err)
	}
	ep = Endpoints{
		AuthURL:       disc.AuthorizationEndpoint,
		TokenURL:      disc.TokenEndpoint,
		EndSessionURL: disc.EndSessionEndpoint,
	}
	if ep.AuthURL == "" || ep.TokenURL == "" {
		return Endpoints{}, autherr.Configuration(autherr.CodeEndpointResolution, "discovery document lacks authorization or token endpoint")
	}
	e.mu.Lock()
	e.endpoints[authority] = ep
	e.mu.Unlock()
	e.logger.Printf("protocol.discovery authority=%s", authority)
	return ep, nil
}

func (e *OAuth2Engine) oauthConfig(clientID, redirectURI string, scopes []string, ep Endpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   ep.AuthURL,
			TokenURL:  ep.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      append([]string(nil), scopes...),
	}
}

func (e *OAuth2Engine) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}

func (e *OAuth2Engine) BuildAuthorizationURL(ctx context.Context, req *AuthCodeRequest) (string, error) {
	if req == nil {
		return "", autherr.Configuration(autherr.CodeTokenRequestCacheError, "authorization request is nil")
	}
	ep, err := e.resolve(ctx, req.Authority)
	if err != nil {
		return "", err
	}
	conf := e.oauthConfig(req.ClientID, req.RedirectURI, req.Scopes, ep)

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("response_mode", responseModeFragment),
		oauth2.SetAuthURLParam("client_info", "1"),
	}
	if req.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(req.CodeVerifier))
	}
	if req.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", req.Prompt))
	}
	switch {
	case req.SID != "":
		opts = append(opts, oauth2.SetAuthURLParam("sid", req.SID))
	case req.LoginHint != "":
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", req.LoginHint))
	case req.Account != nil && req.Account.Username != "":
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", req.Account.Username))
	}
	if req.DomainHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("domain_hint", req.DomainHint))
	}
	for k, v := range req.ExtraQueryParameters {
		if _, reserved := reservedAuthParams[k]; reserved {
			continue
		}
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return conf.AuthCodeURL(req.State, opts...), nil
}

func (e *OAuth2Engine) ExchangeCodeForTokens(ctx context.Context, req *AuthCodeRequest, frag *interaction.ResponseFragment) (*AuthResult, error) {
	if req == nil {
		return nil, autherr.CacheCorruption("authorization request is missing")
	}
	if frag == nil {
		return nil, autherr.New(autherr.ErrMalformedState, autherr.CodeHashEmpty, "no response to redeem")
	}
	if frag.Failed() {
		return nil, serverError(frag.Error, "", frag.ErrorDescription)
	}
	if frag.State != req.State {
		return nil, autherr.New(autherr.ErrMalformedState, autherr.CodeStateMismatch, "response state does not match the request")
	}
	if frag.Code == "" {
		return nil, autherr.New(autherr.ErrServer, autherr.CodeNoAuthorizationCode, "response carries no authorization code")
	}

	ep, err := e.resolve(ctx, req.Authority)
	if err != nil {
		return nil, err
	}
	conf := e.oauthConfig(req.ClientID, req.RedirectURI, req.Scopes, ep)
	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}
	tok, err := conf.Exchange(e.httpContext(ctx), frag.Code, opts...)
	if err != nil {
		return nil, tokenError(err)
	}

	result, err := e.resultFromToken(tok, req.Nonce, req.Scopes, req.Authority)
	if err != nil {
		return nil, err
	}
	result.Code = frag.Code
	result.CorrelationID = req.CorrelationID
	if result.Account == nil {
		result.Account = req.Account
	}
	e.saveRefreshToken(ctx, tok, req.ClientID, req.Authority, result)
	return result, nil
}

func (e *OAuth2Engine) RefreshAccessToken(ctx context.Context, req *RefreshRequest) (*AuthResult, error) {
	if req == nil {
		return nil, autherr.Configuration(autherr.CodeNoAccountError, "refresh request is nil")
	}
	refresh := req.RefreshToken
	if refresh == "" {
		if req.Account == nil || e.tokens == nil {
			return nil, autherr.New(autherr.ErrInteractionRequired, autherr.CodeNoTokensFound, "no refresh token is available")
		}
		rec, err := e.tokens.Get(ctx, req.Account.HomeAccountID)
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, autherr.New(autherr.ErrInteractionRequired, autherr.CodeNoTokensFound, "no refresh token is cached for the account")
		}
		if err != nil {
			return nil, fmt.Errorf("load refresh token: %w", err)
		}
		refresh = rec.RefreshToken
	}

	ep, err := e.resolve(ctx, req.Authority)
	if err != nil {
		return nil, err
	}
	conf := e.oauthConfig(req.ClientID, req.RedirectURI, req.Scopes, ep)
	tok, err := conf.TokenSource(e.httpContext(ctx), &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return nil, tokenError(err)
	}
	result, err := e.resultFromToken(tok, "", req.Scopes, req.Authority)
	if err != nil {
		return nil, err
	}
	result.CorrelationID = req.CorrelationID
	if result.Account == nil {
		result.Account = req.Account
	}
	e.saveRefreshToken(ctx, tok, req.ClientID, req.Authority, result)
	return result, nil
}

func (e *OAuth2Engine) ClassifyError(err error) Classification {
	return Classify(err)
}

func (e *OAuth2Engine) BuildLogoutURL(ctx context.Context, req *LogoutRequest) (string, error) {
	if req == nil {
		return "", autherr.Configuration(autherr.CodeEndpointResolution, "logout request is nil")
	}
	ep, err := e.resolve(ctx, req.Authority)
	if err != nil {
		return "", err
	}
	if ep.EndSessionURL == "" {
		return "", autherr.Configuration(autherr.CodeEndpointResolution, "authority has no end session endpoint")
	}
	u, err := url.Parse(ep.EndSessionURL)
	if err != nil {
		return "", autherr.Wrap(autherr.ErrConfiguration, autherr.CodeEndpointResolution, err)
	}
	q := u.Query()
	if req.PostLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", req.PostLogoutRedirectURI)
	}
	if req.IDTokenHint != "" {
		q.Set("id_token_hint", req.IDTokenHint)
	}
	if req.Account != nil && req.Account.Username != "" {
		q.Set("logout_hint", req.Account.Username)
	}
	if req.ClientID != "" {
		q.Set("client_id", req.ClientID)
	}
	if req.State != "" {
		q.Set("state", req.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *OAuth2Engine) ForgetAccount(ctx context.Context, account *Account) error {
	if e.tokens == nil || account == nil {
		return nil
	}
	return e.tokens.Remove(ctx, account.HomeAccountID)
}

func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return fromRetrieveError(re)
	}
	return fmt.Errorf("token request: %w", err)
}

func (e *OAuth2Engine) resultFromToken(tok *oauth2.Token, expectedNonce string, requested []string, authority string) (*AuthResult, error) {
	result := &AuthResult{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		ExpiresAt:   tok.Expiry,
		Scopes:      append([]string(nil), requested...),
	}
	if granted, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(granted) != "" {
		result.Scopes = strings.Fields(granted)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		if expectedNonce != "" && containsScope(requested, oidc.ScopeOpenID) {
			return nil, autherr.New(autherr.ErrInvalidIDToken, autherr.CodeIDTokenParsing, "token response lacks an id token")
		}
		return result, nil
	}
	claims, err := e.parseIDToken(rawIDToken)
	if err != nil {
		return nil, err
	}
	if expectedNonce != "" {
		if got, _ := claims["nonce"].(string); got != expectedNonce {
			return nil, autherr.New(autherr.ErrInvalidIDToken, autherr.CodeNonceMismatch, "id token nonce does not match the request")
		}
	}
	result.IDToken = rawIDToken
	result.IDTokenClaims = claims
	result.Account = accountFromClaims(claims, authority)
	return result, nil
}

// parseIDToken reads the claims of a compact JWS. The signature is not
// checked here.
func (e *OAuth2Engine) parseIDToken(raw string) (map[string]any, error) {
	jws, err := jose.ParseSigned(raw, e.algs)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrInvalidIDToken, autherr.CodeIDTokenParsing, err)
	}
	var claims map[string]any
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return nil, autherr.Wrap(autherr.ErrInvalidIDToken, autherr.CodeIDTokenParsing, err)
	}
	return claims, nil
}

func (e *OAuth2Engine) saveRefreshToken(ctx context.Context, tok *oauth2.Token, clientID, authority string, result *AuthResult) {
	if e.tokens == nil || tok.RefreshToken == "" || result.Account == nil || result.Account.HomeAccountID == "" {
		return
	}
	err := e.tokens.Save(ctx, &RefreshTokenRecord{
		HomeAccountID: result.Account.HomeAccountID,
		ClientID:      clientID,
		Authority:     authority,
		RefreshToken:  tok.RefreshToken,
		Scopes:        result.Scopes,
		Account:       result.Account,
	})
	if err != nil {
		e.logger.Printf("protocol.refresh_token.save_failed account=%s err=%v", result.Account.HomeAccountID, err)
	}
}

func accountFromClaims(claims map[string]any, authority string) *Account {
	str := func(name string) string {
		v, _ := claims[name].(string)
		return v
	}
	account := &Account{
		HomeAccountID: str("sub"),
		Username:      str("preferred_username"),
		Name:          str("name"),
		TenantID:      str("tid"),
	}
	if oid := str("oid"); oid != "" && account.TenantID != "" {
		account.HomeAccountID = oid + "." + account.TenantID
	}
	if account.Username == "" {
		account.Username = str("email")
	}
	if u, err := url.Parse(authority); err == nil {
		account.Environment = u.Host
	}
	if account.HomeAccountID == "" {
		return nil
	}
	return account
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
