package interaction

import (
	"context"
	"fmt"
	"time"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/cachekey"
)

// Silent runs the round trip in a hidden sandboxed frame. Nobody can close
// the frame, so the timeout is the only way it fails.
type Silent struct {
	frames            FrameHost
	pollInterval      time.Duration
	navigateFrameWait time.Duration
}

type SilentConfig struct {
	Frames            FrameHost
	PollInterval      time.Duration
	NavigateFrameWait time.Duration
}

func NewSilent(cfg SilentConfig) *Silent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Silent{
		frames:            cfg.Frames,
		pollInterval:      cfg.PollInterval,
		navigateFrameWait: cfg.NavigateFrameWait,
	}
}

func (s *Silent) Kind() cachekey.InteractionType { return cachekey.InteractionSilent }

func (s *Silent) Launch(ctx context.Context, targetURL string, params LaunchParams) (*Handle, error) {
	if targetURL == "" {
		return nil, autherr.New(autherr.ErrEmptyNavigateURI, autherr.CodeEmptyNavigateURI, "navigation url is empty")
	}
	if s.frames == nil {
		return nil, autherr.Configuration(autherr.CodeNonBrowserEnvironment, "no frame host available")
	}
	h := newHandle(cachekey.InteractionSilent, params.CorrelationID)

	frame, err := s.frames.CreateHiddenFrame(ctx, SandboxAttributes)
	if err != nil {
		return nil, fmt.Errorf("create hidden frame: %w", err)
	}
	h.frame = frame

	if s.navigateFrameWait > 0 {
		timer := time.NewTimer(s.navigateFrameWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.frames.RemoveFrame(frame)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := frame.Navigate(targetURL); err != nil {
		s.frames.RemoveFrame(frame)
		return nil, fmt.Errorf("navigate hidden frame: %w", err)
	}
	h.transition(StateLaunched)
	return h, nil
}

func (s *Silent) AwaitCompletion(ctx context.Context, h *Handle, timeout time.Duration) (string, error) {
	if h == nil || h.Frame() == nil {
		return "", fmt.Errorf("await frame: handle has no frame")
	}
	if timeout <= 0 {
		timeout = DefaultIframeTimeout
	}
	// time.Now carries a monotonic reading, so wall clock jumps do not move
	// the deadline.
	deadline := time.Now().Add(timeout)

	hash, state, err := pollForResponse(ctx, h.Frame(), s.pollInterval, func() (State, error) {
		if time.Now().After(deadline) {
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

func (s *Silent) Finalize(h *Handle) {
	if h == nil || !h.finalizeOnce() {
		return
	}
	h.mu.Lock()
	frame := h.frame
	h.frame = nil
	h.mu.Unlock()
	if frame != nil && s.frames != nil {
		s.frames.RemoveFrame(frame)
	}
}
