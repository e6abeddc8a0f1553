package interaction

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/correlation"
)

const (
	DefaultPollInterval    = 50 * time.Millisecond
	DefaultPopupTimeout    = 60 * time.Second
	DefaultIframeTimeout   = 6 * time.Second
	DefaultRedirectNavWait = 30 * time.Second
	DefaultPopupWidth      = 483
	DefaultPopupHeight     = 600
	SandboxAttributes      = "allow-scripts allow-same-origin allow-forms"
	blankPage              = "about:blank"
)

type Logger interface {
	Printf(format string, v ...any)
}

// Strategy drives one kind of browser surface through a round trip.
type Strategy interface {
	Kind() cachekey.InteractionType
	Launch(ctx context.Context, targetURL string, params LaunchParams) (*Handle, error)
	AwaitCompletion(ctx context.Context, h *Handle, timeout time.Duration) (string, error)
	Finalize(h *Handle)
}

type LaunchParams struct {
	CorrelationID string
	// AuthRequest is the serialized pending auth code request.
	AuthRequest string
	// OriginURL overrides the page recorded as the redirect resume target.
	OriginURL string
	// Window reuses an already opened popup instead of opening a new one.
	Window Window
	Popup  PopupOptions
	// Replace navigates without adding a history entry.
	Replace bool
}

type State int

const (
	StateIdle State = iota
	StateLaunched
	StateCompleted
	StateTimedOut
	StateUserCancelled
	StateErrored
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunched:
		return "launched"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateUserCancelled:
		return "user_cancelled"
	case StateErrored:
		return "errored"
	case StateFinalized:
		return "finalized"
	}
	return "unknown"
}

func (s State) terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateUserCancelled || s == StateErrored
}

// Handle tracks one launched surface. Finalized is terminal and Finalize may
// be called from any state.
type Handle struct {
	mu            sync.Mutex
	kind          cachekey.InteractionType
	correlationID string
	state         State

	window       Window
	frame        Frame
	removeUnload func()
	ownsLock     bool
	navigated    bool
	response     string
}

func newHandle(kind cachekey.InteractionType, correlationID string) *Handle {
	return &Handle{kind: kind, correlationID: correlationID, state: StateIdle}
}

func (h *Handle) Kind() cachekey.InteractionType { return h.kind }

func (h *Handle) CorrelationID() string { return h.correlationID }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Navigated is false when a redirect launch was vetoed before navigating.
func (h *Handle) Navigated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.navigated
}

func (h *Handle) Window() Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.window
}

func (h *Handle) Frame() Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame
}

func (h *Handle) transition(to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.state == StateFinalized:
		return false
	case to == StateFinalized:
	case to == StateLaunched:
		if h.state != StateIdle {
			return false
		}
	case to.terminal():
		if h.state != StateLaunched {
			return false
		}
	default:
		return false
	}
	h.state = to
	return true
}

// finalizeOnce flips the handle to Finalized and reports whether this call
// did it.
func (h *Handle) finalizeOnce() bool {
	return h.transition(StateFinalized)
}

func releaseOwnedLock(cache *correlation.Cache, logger Logger, h *Handle) {
	h.mu.Lock()
	owns := h.ownsLock
	h.ownsLock = false
	h.mu.Unlock()
	if !owns {
		return
	}
	if err := cache.ReleaseInteractionLock(context.Background()); err != nil {
		logger.Printf("interaction.%s.release_lock_failed err=%v", h.kind, err)
	}
}

type locator interface {
	Location() (string, error)
}

// pollForResponse polls loc until it shows an authorization response, stop
// reports a terminal condition, or ctx ends. Read errors are "not yet".
func pollForResponse(ctx context.Context, loc locator, interval time.Duration, stop func() (State, error)) (string, State, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return "", StateErrored, err
		}
		if state, err := stop(); err != nil {
			return "", state, err
		}
		href, err := loc.Location()
		if err != nil || href == "" || href == blankPage {
			continue
		}
		hash := HashOf(href)
		if hash != "" && HashContainsKnownProperties(hash) {
			return hash, StateCompleted, nil
		}
	}
}
