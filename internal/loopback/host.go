package loopback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/houbamydar/ahojauth/internal/interaction"
)

const (
	DefaultAddr         = "127.0.0.1:0"
	DefaultCallbackPath = "/callback"
	blankPage           = "about:blank"
	reportBodyLimit     = "16K"
	readHeaderTimeout   = 5 * time.Second
)

var (
	ErrNotStarted  = errors.New("loopback: host is not started")
	errCrossOrigin = errors.New("loopback: window shows another origin")
	errClosed      = errors.New("loopback: window is closed")
)

type Logger interface {
	Printf(format string, v ...any)
}

// Launcher shows url to the user, normally in the system browser.
type Launcher func(url string) error

type Config struct {
	Addr         string
	CallbackPath string
	Launch       Launcher
	Logger       Logger
}

// Host stands in for a browser page on a machine without one. Windows and
// frames are system browser tabs; the provider redirects them back to a
// callback page served here, which reports its own URL.
type Host struct {
	cfg    Config
	logger Logger
	echo   *echo.Echo

	mu       sync.Mutex
	server   *http.Server
	baseURL  string
	current  string
	active   *Window
	pages    chan string
	unload   map[int]func()
	unloadID int
}

func New(cfg Config) *Host {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}
	if cfg.Launch == nil {
		cfg.Launch = OpenBrowser
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	h := &Host{
		cfg:    cfg,
		logger: cfg.Logger,
		pages:  make(chan string, 1),
		unload: make(map[int]func()),
	}
	h.echo = h.routes()
	return h
}

func (h *Host) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.Printf("loopback.request method=%s path=%s status=%d", v.Method, v.URIPath, v.Status)
			return nil
		},
	}))

	e.GET(h.cfg.CallbackPath, h.callbackPage)
	limit := middleware.BodyLimit(reportBodyLimit)
	e.POST(h.cfg.CallbackPath+"/report", h.report, limit)
	e.POST(h.cfg.CallbackPath+"/closed", h.closed, limit)
	return e
}

// Start binds the listener and serves in the background.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return nil
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", h.cfg.Addr)
	if err != nil {
		return fmt.Errorf("loopback listen %s: %w", h.cfg.Addr, err)
	}
	h.baseURL = "http://" + l.Addr().String()
	h.current = h.baseURL + "/"
	h.server = &http.Server{Handler: h.echo, ReadHeaderTimeout: readHeaderTimeout}
	go func(srv *http.Server) {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Printf("loopback.serve_failed err=%v", err)
		}
	}(h.server)
	h.logger.Printf("loopback.started url=%s", h.baseURL)
	return nil
}

// Shutdown runs the unload callbacks and stops the server.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	callbacks := make([]func(), 0, len(h.unload))
	for _, fn := range h.unload {
		callbacks = append(callbacks, fn)
	}
	h.unload = make(map[int]func())
	srv := h.server
	h.server = nil
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// RedirectURI is where the provider must send responses. Empty before Start.
func (h *Host) RedirectURI() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.baseURL == "" {
		return ""
	}
	return h.baseURL + h.cfg.CallbackPath
}

func (h *Host) Handler() http.Handler {
	return h.echo
}

// CurrentURL is the page the host shows: the last callback that arrived
// outside of a popup or frame.
func (h *Host) CurrentURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *Host) InFrame() bool { return false }

func (h *Host) ClearHash() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if u, err := url.Parse(h.current); err == nil {
		u.Fragment = ""
		u.RawFragment = ""
		h.current = u.String()
	}
}

// Navigate opens url for the top-level page. Pages on this host are
// navigated in place; anything else goes to the launcher.
func (h *Host) Navigate(ctx context.Context, target string, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.isLocal(target) {
		h.mu.Lock()
		h.current = target
		h.mu.Unlock()
		return nil
	}
	return h.cfg.Launch(target)
}

// WaitForPage blocks until a callback arrives for the top-level page and
// returns its URL.
func (h *Host) WaitForPage(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case page := <-h.pages:
		return page, nil
	}
}

func (h *Host) OpenPopup(ctx context.Context, target string, _ interaction.PopupOptions) (interaction.Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.RedirectURI() == "" {
		return nil, ErrNotStarted
	}
	w := h.newWindow()
	if err := w.Navigate(target); err != nil {
		h.release(w)
		return nil, err
	}
	return w, nil
}

// CreateHiddenFrame opens a tab like OpenPopup. The provider is expected to
// answer prompt=none without showing anything.
func (h *Host) CreateHiddenFrame(ctx context.Context, _ string) (interaction.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.RedirectURI() == "" {
		return nil, ErrNotStarted
	}
	return h.newWindow(), nil
}

func (h *Host) RemoveFrame(f interaction.Frame) {
	if w, ok := f.(*Window); ok {
		w.Close()
	}
}

func (h *Host) OnUnload(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unloadID++
	id := h.unloadID
	h.unload[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.unload, id)
	}
}

func (h *Host) newWindow() *Window {
	w := &Window{host: h}
	h.mu.Lock()
	if h.active != nil {
		h.active.markClosed(false)
	}
	h.active = w
	h.mu.Unlock()
	return w
}

func (h *Host) release(w *Window) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == w {
		h.active = nil
	}
}

func (h *Host) isLocal(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	h.mu.Lock()
	base := h.baseURL
	h.mu.Unlock()
	return base != "" && u.Scheme+"://"+u.Host == base
}

// deliver routes a reported callback URL to the open window, or to the
// top-level page when no window is waiting.
func (h *Host) deliver(href string) {
	h.mu.Lock()
	w := h.active
	if w == nil {
		h.current = href
	}
	h.mu.Unlock()

	if w != nil {
		w.setReported(href)
		return
	}
	select {
	case <-h.pages:
	default:
	}
	h.pages <- href
}

// Window is a browser tab opened by the host.
type Window struct {
	host *Host

	mu         sync.Mutex
	href       string
	reported   string
	userClosed bool
	closed     bool
}

// Location returns the callback URL once the tab reported it. Until then
// the tab shows the provider and reads fail like a cross-origin window.
func (w *Window) Location() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reported != "" {
		return w.reported, nil
	}
	if w.closed || w.userClosed {
		return "", errClosed
	}
	if w.href == "" || w.href == blankPage {
		return blankPage, nil
	}
	return "", errCrossOrigin
}

// Closed reports whether the tab went away without a response.
func (w *Window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed || (w.userClosed && w.reported == "")
}

func (w *Window) Close() {
	w.markClosed(false)
	w.host.release(w)
}

func (w *Window) Navigate(target string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errClosed
	}
	w.href = target
	w.reported = ""
	w.mu.Unlock()
	if target == blankPage {
		return nil
	}
	return w.host.cfg.Launch(target)
}

// Focus is a no-op; the system browser decides which tab is in front.
func (w *Window) Focus() {}

func (w *Window) markClosed(byUser bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if byUser {
		w.userClosed = true
		return
	}
	w.closed = true
}

func (w *Window) setReported(href string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.reported = href
	}
}
