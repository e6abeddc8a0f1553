package interaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/cachekey"
)

func newTestPopup(t *testing.T, host PopupHost, unload UnloadNotifier) *Popup {
	t.Helper()
	return NewPopup(newTestCache(t), PopupConfig{
		Host:         host,
		Unload:       unload,
		PollInterval: time.Millisecond,
		Logger:       quietLogger(),
	})
}

func TestPopupCompletesOnKnownFragment(t *testing.T) {
	ctx := context.Background()
	window := &fakeWindow{locations: []string{
		"",
		"",
		"about:blank",
		"https://app.example/callback#foo=bar",
		"https://app.example/callback#code=abc&state=s1",
	}}
	unload := &fakeUnload{}
	popup := newTestPopup(t, &fakePopupHost{window: window}, unload)

	h, err := popup.Launch(ctx, "https://login.example/authorize", LaunchParams{CorrelationID: "c1"})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if h.State() != StateLaunched {
		t.Fatalf("state=%s want launched", h.State())
	}
	if !window.focused {
		t.Fatalf("popup should be focused")
	}
	if unload.count() != 1 {
		t.Fatalf("unload listeners=%d want 1", unload.count())
	}

	hash, err := popup.AwaitCompletion(ctx, h, time.Second)
	if err != nil {
		t.Fatalf("AwaitCompletion failed: %v", err)
	}
	if hash != "code=abc&state=s1" {
		t.Fatalf("hash=%q", hash)
	}
	if h.State() != StateCompleted {
		t.Fatalf("state=%s want completed", h.State())
	}

	popup.Finalize(h)
	if h.State() != StateFinalized {
		t.Fatalf("state=%s want finalized", h.State())
	}
	if !window.Closed() {
		t.Fatalf("finalize should close the popup")
	}
	if unload.count() != 0 {
		t.Fatalf("finalize should detach the unload listener")
	}
	if inProgress, _ := popup.cache.InteractionInProgress(ctx); inProgress {
		t.Fatalf("finalize should release the lock")
	}
}

func TestPopupUserCancelledWhenClosedBeforeMatch(t *testing.T) {
	ctx := context.Background()
	window := &fakeWindow{closeAt: 3}
	popup := newTestPopup(t, &fakePopupHost{window: window}, nil)

	h, err := popup.Launch(ctx, "https://login.example/authorize", LaunchParams{})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	_, err = popup.AwaitCompletion(ctx, h, time.Hour)
	if !errors.Is(err, autherr.ErrUserCancelled) {
		t.Fatalf("err=%v want ErrUserCancelled", err)
	}
	if h.State() != StateUserCancelled {
		t.Fatalf("state=%s want user_cancelled", h.State())
	}
	popup.Finalize(h)
}

func TestPopupClosedWinsOverElapsedTimeout(t *testing.T) {
	ctx := context.Background()
	window := &fakeWindow{}
	popup := newTestPopup(t, &fakePopupHost{window: window}, nil)
	h, err := popup.Launch(ctx, "https://login.example/authorize", LaunchParams{})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	window.Close()

	_, err = popup.AwaitCompletion(ctx, h, time.Nanosecond)
	if !errors.Is(err, autherr.ErrUserCancelled) {
		t.Fatalf("err=%v want ErrUserCancelled", err)
	}
}

func TestPopupTimesOutWhileOpen(t *testing.T) {
	ctx := context.Background()
	window := &fakeWindow{}
	popup := newTestPopup(t, &fakePopupHost{window: window}, nil)
	h, err := popup.Launch(ctx, "https://login.example/authorize", LaunchParams{})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	_, err = popup.AwaitCompletion(ctx, h, 20*time.Millisecond)
	if !errors.Is(err, autherr.ErrTimeout) {
		t.Fatalf("err=%v want ErrTimeout", err)
	}
	if autherr.CodeOf(err) != autherr.CodeMonitorWindowTimeout {
		t.Fatalf("code=%q", autherr.CodeOf(err))
	}
	if h.State() != StateTimedOut {
		t.Fatalf("state=%s want timed_out", h.State())
	}
	if window.Closed() {
		t.Fatalf("timeout alone should not close the window before finalize")
	}
	popup.Finalize(h)
	if !window.Closed() {
		t.Fatalf("finalize should close the window")
	}
}

func TestPopupLaunchFailsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	host := &fakePopupHost{window: &fakeWindow{}}
	popup := newTestPopup(t, host, nil)
	if ok, _ := popup.cache.TryAcquireInteractionLock(ctx); !ok {
		t.Fatalf("seed lock failed")
	}

	_, err := popup.Launch(ctx, "https://login.example/authorize", LaunchParams{})
	if !errors.Is(err, autherr.ErrInteractionInProgress) {
		t.Fatalf("err=%v want ErrInteractionInProgress", err)
	}
	if len(host.opened) != 0 {
		t.Fatalf("no popup should open while the lock is held")
	}
}

func TestPopupLaunchOpenFailureReleasesLock(t *testing.T) {
	ctx := context.Background()
	popup := newTestPopup(t, &fakePopupHost{err: errors.New("blocked")}, nil)

	_, err := popup.Launch(ctx, "https://login.example/authorize", LaunchParams{})
	if !errors.Is(err, autherr.ErrPopupWindow) {
		t.Fatalf("err=%v want ErrPopupWindow", err)
	}
	if inProgress, _ := popup.cache.InteractionInProgress(ctx); inProgress {
		t.Fatalf("lock should be released after open failure")
	}
}

func TestPopupLaunchUsesDefaultSize(t *testing.T) {
	host := &fakePopupHost{window: &fakeWindow{}}
	popup := newTestPopup(t, host, nil)
	h, err := popup.Launch(context.Background(), "https://login.example/authorize", LaunchParams{})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	defer popup.Finalize(h)
	if host.opts.Width != DefaultPopupWidth || host.opts.Height != DefaultPopupHeight {
		t.Fatalf("popup size=%dx%d", host.opts.Width, host.opts.Height)
	}
}

func TestPopupReusesSuppliedWindow(t *testing.T) {
	host := &fakePopupHost{window: &fakeWindow{}}
	popup := newTestPopup(t, host, nil)
	preopened := &fakeWindow{}

	h, err := popup.Launch(context.Background(), "https://login.example/authorize", LaunchParams{Window: preopened})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	defer popup.Finalize(h)
	if len(host.opened) != 0 {
		t.Fatalf("host should not open another window")
	}
	if len(preopened.navigated) != 1 || preopened.navigated[0] != "https://login.example/authorize" {
		t.Fatalf("preopened navigated=%v", preopened.navigated)
	}
}

func TestPopupHostUnloadCleansUp(t *testing.T) {
	ctx := context.Background()
	window := &fakeWindow{}
	unload := &fakeUnload{}
	popup := newTestPopup(t, &fakePopupHost{window: window}, unload)

	id, _, err := popup.cache.BeginRequest(ctx, cachekey.InteractionPopup, "")
	if err != nil {
		t.Fatalf("BeginRequest failed: %v", err)
	}
	if _, err := popup.Launch(ctx, "https://login.example/authorize", LaunchParams{CorrelationID: id, AuthRequest: "e30"}); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	unload.fire()

	if !window.Closed() {
		t.Fatalf("unload should close the popup")
	}
	if inProgress, _ := popup.cache.InteractionInProgress(ctx); inProgress {
		t.Fatalf("unload should release the lock")
	}
	if _, err := popup.cache.ReadPendingRequest(ctx, id); !errors.Is(err, autherr.ErrCacheCorruption) {
		t.Fatalf("pending popup record should be swept, err=%v", err)
	}
}

func TestPopupFinalizeIsIdempotent(t *testing.T) {
	window := &fakeWindow{}
	popup := newTestPopup(t, &fakePopupHost{window: window}, nil)
	h, err := popup.Launch(context.Background(), "https://login.example/authorize", LaunchParams{})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	popup.Finalize(h)
	popup.Finalize(h)
	popup.Finalize(nil)
	if window.closes != 1 {
		t.Fatalf("closes=%d want 1", window.closes)
	}
}

func TestPopupAwaitHonoursContext(t *testing.T) {
	popup := newTestPopup(t, &fakePopupHost{window: &fakeWindow{}}, nil)
	h, err := popup.Launch(context.Background(), "https://login.example/authorize", LaunchParams{})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := popup.AwaitCompletion(ctx, h, time.Hour); err == nil {
		t.Fatalf("expected context error")
	}
	if h.State() != StateErrored {
		t.Fatalf("state=%s want errored", h.State())
	}
	popup.Finalize(h)
}
