package flow

import (
	"context"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/config"
	"github.com/houbamydar/ahojauth/internal/correlation"
	"github.com/houbamydar/ahojauth/internal/events"
	"github.com/houbamydar/ahojauth/internal/interaction"
	"github.com/houbamydar/ahojauth/internal/kvstore"
	"github.com/houbamydar/ahojauth/internal/protocol"
)

// Scopes added to every authorization request.
var defaultScopes = []string{oidc.ScopeOpenID, oidc.ScopeProfile, oidc.ScopeOfflineAccess}

type Logger interface {
	Printf(format string, v ...any)
}

// Deps are the capabilities the client runs on. Browser, Popups and Frames
// may be nil; flows that need a missing one fail preflight.
type Deps struct {
	Store  kvstore.Store
	Engine protocol.Engine

	Browser interaction.Browser
	Popups  interaction.PopupHost
	Frames  interaction.FrameHost
	Unload  interaction.UnloadNotifier
	// Cookies mirrors request state into cookies when the config asks for it.
	Cookies kvstore.Jar

	// StorageDegraded is the reason the preferred store could not be opened.
	// Empty when the store is the one that was asked for.
	StorageDegraded string

	// OnRedirectNavigate may veto a redirect navigation by returning false.
	OnRedirectNavigate func(url string) bool

	Logger Logger
	Now    func() time.Time
	NewID  func() string
}

// Client runs authorization code flows for one client id.
type Client struct {
	cfg     config.Config
	cache   *correlation.Cache
	engine  protocol.Engine
	browser interaction.Browser
	popups  interaction.PopupHost
	frames  interaction.FrameHost
	logger  Logger
	events  *events.Registry

	redirect *interaction.Redirect
	popup    *interaction.Popup
	silent   *interaction.Silent

	onNavigate     func(url string) bool
	degradedReason string
	degradedOnce   sync.Once
	newNonce       func() string
}

func New(cfg config.Config, deps Deps) (*Client, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, autherr.Wrap(autherr.ErrConfiguration, "invalid_configuration", err)
	}
	if deps.Store == nil {
		return nil, autherr.Configuration("invalid_configuration", "a key-value store is required")
	}
	if deps.Engine == nil {
		return nil, autherr.Configuration("invalid_configuration", "a protocol engine is required")
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	store := deps.Store
	if cfg.StoreAuthStateInCookie && deps.Cookies != nil {
		store = kvstore.NewCookieMirror(store, deps.Cookies, kvstore.CookieMirrorOptions{
			Enabled:  true,
			Lifetime: cfg.CookieLifetime,
			Now:      deps.Now,
		})
	}
	codec := cachekey.New(cfg.Namespace, cfg.ClientID)
	cache := correlation.New(store, codec, correlation.Options{Logger: deps.Logger, Now: deps.Now, NewID: deps.NewID})

	c := &Client{
		cfg:     cfg,
		cache:   cache,
		engine:  deps.Engine,
		browser: deps.Browser,
		popups:  deps.Popups,
		frames:  deps.Frames,
		logger:  deps.Logger,
		events:  events.NewRegistry(deps.Logger),
		redirect: interaction.NewRedirect(cache, interaction.RedirectConfig{
			Browser:            deps.Browser,
			NavigationTimeout:  cfg.RedirectNavigationTimeout,
			OnRedirectNavigate: deps.OnRedirectNavigate,
			Logger:             deps.Logger,
		}),
		popup: interaction.NewPopup(cache, interaction.PopupConfig{
			Host:         deps.Popups,
			Unload:       deps.Unload,
			PollInterval: cfg.PollInterval,
			Logger:       deps.Logger,
			Now:          deps.Now,
		}),
		silent: interaction.NewSilent(interaction.SilentConfig{
			Frames:            deps.Frames,
			PollInterval:      cfg.PollInterval,
			NavigateFrameWait: cfg.NavigateFrameWait,
		}),
		onNavigate:     deps.OnRedirectNavigate,
		degradedReason: deps.StorageDegraded,
		newNonce:       uuid.NewString,
	}
	if c.degradedReason != "" {
		c.logger.Printf("flow.storage_degraded client_id=%s reason=%s", cfg.ClientID, c.degradedReason)
	}
	return c, nil
}

// Cache exposes the correlation cache, mainly for maintenance jobs.
func (c *Client) Cache() *correlation.Cache {
	return c.cache
}

func (c *Client) AddEventListener(fn events.Listener) string {
	return c.events.Add(fn)
}

func (c *Client) RemoveEventListener(id string) bool {
	return c.events.Remove(id)
}

func (c *Client) InteractionInProgress(ctx context.Context) (bool, error) {
	return c.cache.InteractionInProgress(ctx)
}

// noteDegraded emits storage_degraded once, on the first operation after
// the client was built over a fallback store.
func (c *Client) noteDegraded(kind cachekey.InteractionType) {
	if c.degradedReason == "" {
		return
	}
	c.degradedOnce.Do(func() {
		c.events.Emit(events.StorageDegraded, kind, c.degradedReason, nil)
	})
}

// preflight runs before anything is written to the cache.
func (c *Client) preflight(ctx context.Context, kind cachekey.InteractionType, req Request) error {
	switch kind {
	case cachekey.InteractionRedirect:
		if c.browser == nil {
			return autherr.Configuration(autherr.CodeNonBrowserEnvironment, "redirect needs a browser")
		}
		if c.browser.InFrame() && !c.cfg.AllowRedirectInIframe {
			return autherr.Configuration(autherr.CodeRedirectInIframe, "redirect is not allowed inside a frame")
		}
		if !c.cache.Store().Durable() {
			return autherr.Configuration(autherr.CodeInMemRedirectUnavail, "redirect needs a store that survives a page load")
		}
	case cachekey.InteractionPopup:
		if c.popups == nil && req.PopupWindow == nil {
			return autherr.Configuration(autherr.CodeNonBrowserEnvironment, "popup needs a popup host")
		}
	case cachekey.InteractionSilent:
		if c.frames == nil {
			return autherr.Configuration(autherr.CodeNonBrowserEnvironment, "silent flow needs a frame host")
		}
	}
	if c.browser != nil && c.browser.InFrame() && interaction.HashContainsKnownProperties(interaction.HashOf(c.browser.CurrentURL())) {
		return autherr.Configuration(autherr.CodeBlockIframeReload, "a hidden frame must not start a new flow")
	}
	if kind == cachekey.InteractionSilent {
		return nil
	}

	busy, err := c.cache.InteractionInProgress(ctx)
	if err != nil {
		return err
	}
	if busy {
		return autherr.InteractionInProgress()
	}
	// Nothing holds the lock, so records of this kind belong to a flow that
	// died without cleaning up.
	if _, err := c.cache.CleanupByInteractionType(ctx, kind); err != nil {
		c.logger.Printf("flow.preflight.sweep_failed type=%s err=%v", kind, err)
	}
	return nil
}

// materialize fills in defaults and writes the pending request. On error
// nothing it wrote is left behind.
func (c *Client) materialize(ctx context.Context, kind cachekey.InteractionType, req Request) (*protocol.AuthCodeRequest, error) {
	authority := req.Authority
	if authority == "" {
		authority = c.cfg.Authority
	}
	nonce := req.Nonce
	if nonce == "" {
		nonce = c.newNonce()
	}

	id, state, err := c.cache.BeginRequest(ctx, kind, req.State)
	if err != nil {
		return nil, err
	}
	authReq := &protocol.AuthCodeRequest{
		CorrelationID:        id,
		Authority:            authority,
		ClientID:             c.cfg.ClientID,
		RedirectURI:          c.redirectURI(req),
		Scopes:               mergeScopes(req.Scopes, c.cfg.Scopes),
		State:                state,
		Nonce:                nonce,
		CodeVerifier:         newCodeVerifier(),
		Prompt:               req.Prompt,
		LoginHint:            req.LoginHint,
		SID:                  req.SID,
		DomainHint:           req.DomainHint,
		Account:              req.Account,
		ExtraQueryParameters: req.ExtraQueryParameters,
	}
	encoded, err := authReq.Encode()
	if err == nil {
		err = c.cache.RecordNonce(ctx, id, nonce)
	}
	if err == nil {
		err = c.cache.RecordAuthority(ctx, id, authority)
	}
	if err == nil {
		err = c.cache.AttachAuthRequest(ctx, id, encoded)
	}
	if err != nil {
		c.cleanup(ctx, id)
		return nil, err
	}
	return authReq, nil
}

func (c *Client) redirectURI(req Request) string {
	if req.RedirectURI != "" {
		return req.RedirectURI
	}
	if c.cfg.RedirectURI != "" {
		return c.cfg.RedirectURI
	}
	if c.browser != nil {
		return stripFragment(c.browser.CurrentURL())
	}
	return ""
}

// cleanup removes the records of one flow. It runs on every exit path, so
// failures are logged rather than returned.
func (c *Client) cleanup(ctx context.Context, id string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := c.cache.Cleanup(ctx, id); err != nil {
		c.logger.Printf("flow.cleanup_failed correlation_id=%s err=%v", id, err)
	}
}

// redeem reads the pending request for id, checks the echoed state and
// exchanges the code. The records for id are removed whatever happens.
func (c *Client) redeem(ctx context.Context, id string, frag *interaction.ResponseFragment) (*protocol.AuthResult, error) {
	defer c.cleanup(ctx, id)

	record, err := c.cache.ReadPendingRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cachekey.SameState(record.State, frag.State) {
		return nil, autherr.New(autherr.ErrMalformedState, autherr.CodeStateMismatch, "response state does not match the pending request")
	}
	// The engine checks the echo byte for byte, so hand it the state as issued.
	echoed := *frag
	echoed.State = record.State
	frag = &echoed
	authReq, err := protocol.DecodeAuthCodeRequest(record.AuthCodeRequest)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrCacheCorruption, autherr.CodeTokenRequestCacheError, err)
	}
	if record.Nonce != "" {
		authReq.Nonce = record.Nonce
	}
	result, err := c.engine.ExchangeCodeForTokens(ctx, authReq, frag)
	if err != nil {
		return nil, err
	}
	result.CorrelationID = id
	result.State = record.CallerState
	return result, nil
}

// complete turns the hash a popup or frame produced into a result for the
// flow that launched it.
func (c *Client) complete(ctx context.Context, kind cachekey.InteractionType, id, hash string) (*protocol.AuthResult, error) {
	frag, err := interaction.ParseResponseFragment(hash)
	if err != nil {
		c.cleanup(ctx, id)
		return nil, err
	}
	resolved, ok := c.cache.ResolveCorrelationID(ctx, frag.State, kind)
	if !ok || resolved != id {
		c.cleanup(ctx, id)
		return nil, autherr.New(autherr.ErrMalformedState, autherr.CodeStateMismatch, "response does not belong to this flow")
	}
	return c.redeem(ctx, id, frag)
}

// emitOutcome sends the success or failure event of a finished operation.
func (c *Client) emitOutcome(success, failure events.Type, kind cachekey.InteractionType, result *protocol.AuthResult, err error) {
	if err != nil {
		c.events.Emit(failure, kind, nil, err)
		return
	}
	c.events.Emit(success, kind, result, nil)
}

// interactiveEvents picks the login events for first sign-in and the
// acquire-token events when the request names an account.
func interactiveEvents(req Request) (start, success, failure events.Type) {
	if req.Account != nil {
		return events.AcquireTokenStart, events.AcquireTokenSuccess, events.AcquireTokenFailure
	}
	return events.LoginStart, events.LoginSuccess, events.LoginFailure
}

func mergeScopes(requested, configured []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(requested)+len(configured)+len(defaultScopes))
	add := func(scopes []string) {
		for _, s := range scopes {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	add(requested)
	add(configured)
	add(defaultScopes)
	return out
}

func stripFragment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func samePage(a, b string) bool {
	return stripFragment(a) == stripFragment(b)
}
