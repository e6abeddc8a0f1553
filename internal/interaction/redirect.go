package interaction

import (
	"context"
	"log"
	"time"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/correlation"
)

// Redirect hands the whole page to the identity provider. The response is
// picked up by Resume on the next page load, so everything the completion
// needs has to be in the cache before Navigate is called.
type Redirect struct {
	cache      *correlation.Cache
	browser    Browser
	navTimeout time.Duration
	onNavigate func(url string) bool
	logger     Logger
}

type RedirectConfig struct {
	Browser            Browser
	NavigationTimeout  time.Duration
	OnRedirectNavigate func(url string) bool
	Logger             Logger
}

func NewRedirect(cache *correlation.Cache, cfg RedirectConfig) *Redirect {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultRedirectNavWait
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Redirect{
		cache:      cache,
		browser:    cfg.Browser,
		navTimeout: cfg.NavigationTimeout,
		onNavigate: cfg.OnRedirectNavigate,
		logger:     cfg.Logger,
	}
}

func (r *Redirect) Kind() cachekey.InteractionType { return cachekey.InteractionRedirect }

func (r *Redirect) Launch(ctx context.Context, targetURL string, params LaunchParams) (*Handle, error) {
	if targetURL == "" {
		return nil, autherr.New(autherr.ErrEmptyNavigateURI, autherr.CodeEmptyNavigateURI, "navigation url is empty")
	}
	if r.browser == nil {
		return nil, autherr.Configuration(autherr.CodeNonBrowserEnvironment, "no browser available")
	}
	h := newHandle(cachekey.InteractionRedirect, params.CorrelationID)

	origin := params.OriginURL
	if origin == "" {
		origin = r.browser.CurrentURL()
	}
	if err := r.cache.RecordOrigin(ctx, params.CorrelationID, origin); err != nil {
		return nil, err
	}

	acquired, err := r.cache.TryAcquireInteractionLock(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, autherr.InteractionInProgress()
	}
	h.ownsLock = true

	if params.AuthRequest != "" {
		if err := r.cache.AttachAuthRequest(ctx, params.CorrelationID, params.AuthRequest); err != nil {
			releaseOwnedLock(r.cache, r.logger, h)
			return nil, err
		}
	}
	h.transition(StateLaunched)

	if r.onNavigate != nil && !r.onNavigate(targetURL) {
		// The caller takes over navigation; the pending request and the lock
		// stay in place for the resumed page.
		r.logger.Printf("interaction.redirect.navigate_vetoed correlation_id=%s", params.CorrelationID)
		h.handOffLock()
		return h, nil
	}

	navCtx, cancel := context.WithTimeout(ctx, r.navTimeout)
	defer cancel()
	if err := r.browser.Navigate(navCtx, targetURL, params.Replace); err != nil {
		h.transition(StateErrored)
		return h, err
	}
	h.mu.Lock()
	h.navigated = true
	h.mu.Unlock()
	h.handOffLock()
	return h, nil
}

// Resume builds the handle for the page load that follows a redirect. The
// resumed page owns the lock the launching page took.
func (r *Redirect) Resume(correlationID, hash string) *Handle {
	h := newHandle(cachekey.InteractionRedirect, correlationID)
	h.ownsLock = true
	h.response = hash
	h.transition(StateLaunched)
	return h
}

// AwaitCompletion does not poll: the response is whatever the resumed page
// loaded with. An empty string means no response.
func (r *Redirect) AwaitCompletion(_ context.Context, h *Handle, _ time.Duration) (string, error) {
	if h == nil {
		return "", nil
	}
	h.mu.Lock()
	hash := h.response
	h.mu.Unlock()
	if hash == "" {
		return "", nil
	}
	h.transition(StateCompleted)
	return hash, nil
}

func (r *Redirect) Finalize(h *Handle) {
	if h == nil || !h.finalizeOnce() {
		return
	}
	releaseOwnedLock(r.cache, r.logger, h)
}

// handOffLock leaves the lock held for the page that resumes the flow.
func (h *Handle) handOffLock() {
	h.mu.Lock()
	h.ownsLock = false
	h.mu.Unlock()
}
