package interaction

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/correlation"
)

type Popup struct {
	cache        *correlation.Cache
	host         PopupHost
	unload       UnloadNotifier
	pollInterval time.Duration
	logger       Logger
	now          func() time.Time
}

type PopupConfig struct {
	Host         PopupHost
	Unload       UnloadNotifier
	PollInterval time.Duration
	Logger       Logger
	Now          func() time.Time
}

func NewPopup(cache *correlation.Cache, cfg PopupConfig) *Popup {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Popup{
		cache:        cache,
		host:         cfg.Host,
		unload:       cfg.Unload,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

func (p *Popup) Kind() cachekey.InteractionType { return cachekey.InteractionPopup }

func (p *Popup) Launch(ctx context.Context, targetURL string, params LaunchParams) (*Handle, error) {
	h := newHandle(cachekey.InteractionPopup, params.CorrelationID)
	if targetURL == "" {
		return nil, autherr.New(autherr.ErrEmptyNavigateURI, autherr.CodeEmptyNavigateURI, "navigation url is empty")
	}

	acquired, err := p.cache.TryAcquireInteractionLock(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, autherr.InteractionInProgress()
	}
	h.ownsLock = true

	if params.AuthRequest != "" && params.CorrelationID != "" {
		if err := p.cache.AttachAuthRequest(ctx, params.CorrelationID, params.AuthRequest); err != nil {
			releaseOwnedLock(p.cache, p.logger, h)
			return nil, err
		}
	}

	window, err := p.openWindow(ctx, targetURL, params)
	if err != nil {
		releaseOwnedLock(p.cache, p.logger, h)
		return nil, err
	}
	window.Focus()
	h.window = window

	if p.unload != nil {
		h.removeUnload = p.unload.OnUnload(func() {
			cleanupCtx := context.Background()
			if _, err := p.cache.CleanupByInteractionType(cleanupCtx, cachekey.InteractionPopup); err != nil {
				p.logger.Printf("interaction.popup.unload_cleanup_failed err=%v", err)
			}
			window.Close()
			_ = p.cache.ReleaseInteractionLock(cleanupCtx)
		})
	}

	h.transition(StateLaunched)
	return h, nil
}

func (p *Popup) openWindow(ctx context.Context, targetURL string, params LaunchParams) (Window, error) {
	if params.Window != nil {
		if params.Window.Closed() {
			return nil, autherr.New(autherr.ErrPopupWindow, autherr.CodeEmptyWindowError, "supplied popup window is closed")
		}
		if err := params.Window.Navigate(targetURL); err != nil {
			return nil, autherr.Wrap(autherr.ErrPopupWindow, autherr.CodePopupWindowError, err)
		}
		return params.Window, nil
	}
	if p.host == nil {
		return nil, autherr.New(autherr.ErrPopupWindow, autherr.CodePopupWindowError, "no popup host available")
	}
	opts := params.Popup
	if opts.Width <= 0 {
		opts.Width = DefaultPopupWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultPopupHeight
	}
	window, err := p.host.OpenPopup(ctx, targetURL, opts)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrPopupWindow, autherr.CodePopupWindowError, err)
	}
	if window == nil {
		return nil, autherr.New(autherr.ErrPopupWindow, autherr.CodeEmptyWindowError, "popup host returned no window")
	}
	return window, nil
}

// AwaitCompletion polls the popup until it shows a response, is closed or
// the timeout passes. Closing wins over timeout.
func (p *Popup) AwaitCompletion(ctx context.Context, h *Handle, timeout time.Duration) (string, error) {
	if h == nil || h.Window() == nil {
		return "", fmt.Errorf("await popup: handle has no window")
	}
	if timeout <= 0 {
		timeout = DefaultPopupTimeout
	}
	window := h.Window()
	started := p.now()

	hash, state, err := pollForResponse(ctx, window, p.pollInterval, func() (State, error) {
		if window.Closed() {
			return StateUserCancelled, autherr.UserCancelled()
		}
		if p.now().Sub(started) > timeout {
			return StateTimedOut, autherr.MonitorWindowTimeout()
		}
		return StateLaunched, nil
	})
	h.transition(state)
	if err != nil {
		return "", err
	}
	return hash, nil
}

// Finalize closes the window, detaches the unload listener and releases the
// interaction lock. Safe to call more than once.
func (p *Popup) Finalize(h *Handle) {
	if h == nil || !h.finalizeOnce() {
		return
	}
	h.mu.Lock()
	window, remove := h.window, h.removeUnload
	h.removeUnload = nil
	h.mu.Unlock()

	if window != nil && !window.Closed() {
		window.Close()
	}
	if remove != nil {
		remove()
	}
	releaseOwnedLock(p.cache, p.logger, h)
}
