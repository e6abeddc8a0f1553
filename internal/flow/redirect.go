package flow

import (
	"context"

	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/events"
	"github.com/houbamydar/ahojauth/internal/interaction"
	"github.com/houbamydar/ahojauth/internal/protocol"
)

// BeginRedirectFlow writes the pending request and sends the browser to the
// identity provider. The result arrives through ResumeRedirectFlow on the
// page the provider redirects back to.
func (c *Client) BeginRedirectFlow(ctx context.Context, req Request) error {
	c.noteDegraded(cachekey.InteractionRedirect)
	start, _, failure := interactiveEvents(req)
	c.events.Emit(start, cachekey.InteractionRedirect, req, nil)

	if err := c.redirectFlow(ctx, req); err != nil {
		c.events.Emit(failure, cachekey.InteractionRedirect, nil, err)
		return err
	}
	return nil
}

func (c *Client) redirectFlow(ctx context.Context, req Request) error {
	if err := c.preflight(ctx, cachekey.InteractionRedirect, req); err != nil {
		return err
	}
	authReq, err := c.materialize(ctx, cachekey.InteractionRedirect, req)
	if err != nil {
		return err
	}
	id := authReq.CorrelationID
	target, err := c.engine.BuildAuthorizationURL(ctx, authReq)
	if err != nil {
		c.cleanup(ctx, id)
		return err
	}

	origin := req.RedirectStartPage
	if origin == "" {
		origin = c.browser.CurrentURL()
	}
	h, err := c.redirect.Launch(ctx, target, interaction.LaunchParams{
		CorrelationID: id,
		OriginURL:     origin,
	})
	if err != nil {
		// A failed navigation leaves the handle owning the lock, so Finalize
		// gives it back.
		c.redirect.Finalize(h)
		c.cleanup(ctx, id)
		return err
	}
	if !h.Navigated() {
		c.logger.Printf("flow.redirect.vetoed correlation_id=%s", id)
	}
	return nil
}

// ResumeRedirectFlow completes a redirect flow on the page the provider sent
// the browser back to. hash may be empty, in which case the browser's
// current URL is used. A nil result with a nil error means the page was not
// loaded with a response addressed to this client.
func (c *Client) ResumeRedirectFlow(ctx context.Context, hash string) (*protocol.AuthResult, error) {
	c.noteDegraded(cachekey.InteractionRedirect)
	c.events.Emit(events.HandleRedirectStart, cachekey.InteractionRedirect, nil, nil)
	defer c.events.Emit(events.HandleRedirectEnd, cachekey.InteractionRedirect, nil, nil)

	fromURL := false
	if hash == "" && c.browser != nil {
		hash = interaction.HashOf(c.browser.CurrentURL())
		fromURL = true
	}
	if hash == "" || !interaction.HashContainsKnownProperties(hash) {
		stashed, ok, err := c.cache.TakeResponseHash(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			// No response on the page or in the cache: any redirect flow still
			// on record was abandoned, so it must not keep the lock.
			if swept, err := c.cache.CleanupByInteractionType(ctx, cachekey.InteractionRedirect); err != nil {
				c.logger.Printf("flow.redirect.abandoned_sweep_failed err=%v", err)
			} else if swept > 0 {
				c.logger.Printf("flow.redirect.abandoned swept=%d", swept)
			}
			return nil, nil
		}
		hash, fromURL = stashed, false
	}

	frag, err := interaction.ParseResponseFragment(hash)
	if err != nil {
		return nil, nil
	}
	id, ok := c.cache.ResolveCorrelationID(ctx, frag.State, cachekey.InteractionRedirect)
	if !ok {
		return nil, nil
	}
	if c.browser != nil && fromURL {
		c.browser.ClearHash()
	}

	success, failure := c.redirectOutcomeEvents(ctx, id)
	record, err := c.cache.ReadPendingRequest(ctx, id)
	if err != nil {
		h := c.redirect.Resume(id, hash)
		c.redirect.Finalize(h)
		c.cleanup(ctx, id)
		c.events.Emit(failure, cachekey.InteractionRedirect, nil, err)
		return nil, err
	}

	if fromURL && c.cfg.NavigateToLoginRequestURL && c.browser != nil &&
		record.OriginURL != "" && !samePage(record.OriginURL, c.browser.CurrentURL()) {
		if err := c.cache.StashResponseHash(ctx, hash); err != nil {
			return nil, err
		}
		c.logger.Printf("flow.redirect.return_to_origin correlation_id=%s", id)
		if err := c.browser.Navigate(ctx, record.OriginURL, true); err != nil {
			return nil, err
		}
		return nil, nil
	}

	h := c.redirect.Resume(id, hash)
	if _, err := c.redirect.AwaitCompletion(ctx, h, 0); err != nil {
		c.logger.Printf("flow.redirect.await_failed correlation_id=%s err=%v", id, err)
	}
	result, err := c.redeem(ctx, id, frag)
	c.redirect.Finalize(h)
	c.emitOutcome(success, failure, cachekey.InteractionRedirect, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// redirectOutcomeEvents picks the events the way interactiveEvents did when
// the flow began. A request that can no longer be read counts as a login.
func (c *Client) redirectOutcomeEvents(ctx context.Context, id string) (success, failure events.Type) {
	serialized, ok, err := c.cache.AuthRequest(ctx, id)
	if err != nil || !ok {
		return events.LoginSuccess, events.LoginFailure
	}
	authReq, err := protocol.DecodeAuthCodeRequest(serialized)
	if err != nil {
		return events.LoginSuccess, events.LoginFailure
	}
	_, success, failure = interactiveEvents(Request{Account: authReq.Account})
	return success, failure
}
