package flow

import (
	"context"

	"github.com/google/uuid"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/events"
	"github.com/houbamydar/ahojauth/internal/protocol"
)

// Logout forgets the account's tokens and sends the browser to the
// provider's end session endpoint.
func (c *Client) Logout(ctx context.Context, req LogoutRequest) error {
	c.noteDegraded(cachekey.InteractionRedirect)
	c.events.Emit(events.LogoutStart, cachekey.InteractionRedirect, req, nil)

	err := c.logout(ctx, req)
	if err != nil {
		c.events.Emit(events.LogoutFailure, cachekey.InteractionRedirect, nil, err)
		return err
	}
	c.events.Emit(events.LogoutSuccess, cachekey.InteractionRedirect, nil, nil)
	return nil
}

func (c *Client) logout(ctx context.Context, req LogoutRequest) error {
	if c.browser == nil {
		return autherr.Configuration(autherr.CodeNonBrowserEnvironment, "logout needs a browser")
	}
	if c.browser.InFrame() && !c.cfg.AllowRedirectInIframe {
		return autherr.Configuration(autherr.CodeRedirectInIframe, "redirect is not allowed inside a frame")
	}
	authority := req.Authority
	if authority == "" {
		authority = c.cfg.Authority
	}
	postLogout := req.PostLogoutRedirectURI
	if postLogout == "" {
		postLogout = c.cfg.PostLogoutRedirectURI
	}

	target, err := c.engine.BuildLogoutURL(ctx, &protocol.LogoutRequest{
		CorrelationID:         uuid.NewString(),
		Authority:             authority,
		ClientID:              c.cfg.ClientID,
		PostLogoutRedirectURI: postLogout,
		Account:               req.Account,
		IDTokenHint:           req.IDTokenHint,
		State:                 req.State,
	})
	if err != nil {
		return err
	}
	if forgetter, ok := c.engine.(protocol.AccountForgetter); ok && req.Account != nil {
		if err := forgetter.ForgetAccount(ctx, req.Account); err != nil {
			c.logger.Printf("flow.logout.forget_failed account=%s err=%v", req.Account.HomeAccountID, err)
		}
	}
	if c.onNavigate != nil && !c.onNavigate(target) {
		return nil
	}
	navCtx, cancel := context.WithTimeout(ctx, c.cfg.RedirectNavigationTimeout)
	defer cancel()
	return c.browser.Navigate(navCtx, target, false)
}
