package interaction

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"

	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/correlation"
	"github.com/houbamydar/ahojauth/internal/kvstore"
)

var errCrossOrigin = errors.New("blocked a frame with origin from accessing a cross-origin frame")

// fakeWindow reports a scripted sequence of locations. Before the script
// starts, and between entries set to "", reads fail as cross-origin.
type fakeWindow struct {
	mu        sync.Mutex
	locations []string
	reads     int
	closed    bool
	closeAt   int
	closes    int
	focused   bool
	navigated []string
}

func (w *fakeWindow) Location() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reads++
	if w.closeAt > 0 && w.reads >= w.closeAt {
		w.closed = true
	}
	if len(w.locations) == 0 {
		return "", errCrossOrigin
	}
	next := w.locations[0]
	if len(w.locations) > 1 {
		w.locations = w.locations[1:]
	}
	if next == "" {
		return "", errCrossOrigin
	}
	return next, nil
}

func (w *fakeWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWindow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.closes++
}

func (w *fakeWindow) Navigate(url string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.navigated = append(w.navigated, url)
	return nil
}

func (w *fakeWindow) Focus() {
	w.mu.Lock()
	w.focused = true
	w.mu.Unlock()
}

type fakePopupHost struct {
	window *fakeWindow
	err    error
	opened []string
	opts   PopupOptions
}

func (h *fakePopupHost) OpenPopup(_ context.Context, url string, opts PopupOptions) (Window, error) {
	h.opened = append(h.opened, url)
	h.opts = opts
	if h.err != nil {
		return nil, h.err
	}
	return h.window, nil
}

type fakeFrame struct {
	window *fakeWindow
}

func (f *fakeFrame) Navigate(url string) error  { return f.window.Navigate(url) }
func (f *fakeFrame) Location() (string, error) { return f.window.Location() }

type fakeFrameHost struct {
	frame   *fakeFrame
	sandbox string
	removed int
}

func (h *fakeFrameHost) CreateHiddenFrame(_ context.Context, sandbox string) (Frame, error) {
	h.sandbox = sandbox
	return h.frame, nil
}

func (h *fakeFrameHost) RemoveFrame(Frame) { h.removed++ }

type fakeUnload struct {
	mu        sync.Mutex
	listeners map[int]func()
	next      int
}

func (u *fakeUnload) OnUnload(fn func()) func() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.listeners == nil {
		u.listeners = make(map[int]func())
	}
	id := u.next
	u.next++
	u.listeners[id] = fn
	return func() {
		u.mu.Lock()
		delete(u.listeners, id)
		u.mu.Unlock()
	}
}

func (u *fakeUnload) fire() {
	u.mu.Lock()
	fns := make([]func(), 0, len(u.listeners))
	for _, fn := range u.listeners {
		fns = append(fns, fn)
	}
	u.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (u *fakeUnload) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.listeners)
}

type fakeBrowser struct {
	current   string
	inFrame   bool
	navigated []string
	replaced  []bool
	navErr    error
}

func (b *fakeBrowser) CurrentURL() string { return b.current }
func (b *fakeBrowser) InFrame() bool      { return b.inFrame }
func (b *fakeBrowser) ClearHash()         {}

func (b *fakeBrowser) Navigate(_ context.Context, url string, replace bool) error {
	if b.navErr != nil {
		return b.navErr
	}
	b.navigated = append(b.navigated, url)
	b.replaced = append(b.replaced, replace)
	return nil
}

func newTestCache(t *testing.T) *correlation.Cache {
	t.Helper()
	return correlation.New(kvstore.NewMemory(), cachekey.New("msal", "client-1"), correlation.Options{
		Logger: log.New(&bytes.Buffer{}, "", 0),
	})
}

func quietLogger() Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}
