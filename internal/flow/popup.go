package flow

import (
	"context"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/interaction"
	"github.com/houbamydar/ahojauth/internal/protocol"
)

const blankPage = "about:blank"

// BeginPopupFlow runs the whole round trip in a popup window and returns the
// redeemed tokens.
func (c *Client) BeginPopupFlow(ctx context.Context, req Request) (*protocol.AuthResult, error) {
	c.noteDegraded(cachekey.InteractionPopup)
	start, success, failure := interactiveEvents(req)
	c.events.Emit(start, cachekey.InteractionPopup, req, nil)

	result, err := c.popupFlow(ctx, req)
	c.emitOutcome(success, failure, cachekey.InteractionPopup, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) popupFlow(ctx context.Context, req Request) (*protocol.AuthResult, error) {
	if err := c.preflight(ctx, cachekey.InteractionPopup, req); err != nil {
		return nil, err
	}

	window := req.PopupWindow
	var opened interaction.Window
	if window == nil && !c.cfg.AsyncPopups {
		// Open the window before any slow work so the host still treats it
		// as a response to the user's action.
		opts := req.Popup
		if opts.Width <= 0 {
			opts.Width = interaction.DefaultPopupWidth
		}
		if opts.Height <= 0 {
			opts.Height = interaction.DefaultPopupHeight
		}
		w, err := c.popups.OpenPopup(ctx, blankPage, opts)
		if err != nil {
			return nil, autherr.Wrap(autherr.ErrPopupWindow, autherr.CodePopupWindowError, err)
		}
		if w == nil {
			return nil, autherr.New(autherr.ErrPopupWindow, autherr.CodeEmptyWindowError, "popup host returned no window")
		}
		window, opened = w, w
	}
	closeOpened := func() {
		if opened != nil && !opened.Closed() {
			opened.Close()
		}
	}

	authReq, err := c.materialize(ctx, cachekey.InteractionPopup, req)
	if err != nil {
		closeOpened()
		return nil, err
	}
	id := authReq.CorrelationID
	target, err := c.engine.BuildAuthorizationURL(ctx, authReq)
	if err != nil {
		closeOpened()
		c.cleanup(ctx, id)
		return nil, err
	}

	h, err := c.popup.Launch(ctx, target, interaction.LaunchParams{
		CorrelationID: id,
		Window:        window,
		Popup:         req.Popup,
	})
	if err != nil {
		closeOpened()
		c.cleanup(ctx, id)
		return nil, err
	}

	hash, err := c.popup.AwaitCompletion(ctx, h, c.cfg.PopupTimeout)
	c.popup.Finalize(h)
	if err != nil {
		c.logger.Printf("flow.popup.failed correlation_id=%s state=%s err=%v", id, h.State(), err)
		c.cleanup(ctx, id)
		return nil, err
	}
	return c.complete(ctx, cachekey.InteractionPopup, id, hash)
}
