package flow

import (
	"context"

	"github.com/google/uuid"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/events"
	"github.com/houbamydar/ahojauth/internal/interaction"
	"github.com/houbamydar/ahojauth/internal/protocol"
)

// BeginSilentFlow signs in without any UI, using a session the provider
// already has. The request must identify the user.
func (c *Client) BeginSilentFlow(ctx context.Context, req Request) (*protocol.AuthResult, error) {
	c.noteDegraded(cachekey.InteractionSilent)
	c.events.Emit(events.SSOSilentStart, cachekey.InteractionSilent, req, nil)

	result, err := c.ssoSilent(ctx, req)
	c.emitOutcome(events.SSOSilentSuccess, events.SSOSilentFailure, cachekey.InteractionSilent, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) ssoSilent(ctx context.Context, req Request) (*protocol.AuthResult, error) {
	if req.LoginHint == "" && req.SID == "" && req.Account == nil {
		return nil, autherr.Configuration(autherr.CodeSilentSSOError, "silent sign-in needs a login hint, sid or account")
	}
	if req.Prompt != "" && req.Prompt != oidc.PromptNone {
		return nil, autherr.Configuration(autherr.CodeSilentPromptValue, "silent sign-in only supports prompt=none")
	}
	req.Prompt = oidc.PromptNone
	return c.silentRoundTrip(ctx, req)
}

// silentRoundTrip runs one authorization round trip in a hidden frame. It
// does not take the interaction lock.
func (c *Client) silentRoundTrip(ctx context.Context, req Request) (*protocol.AuthResult, error) {
	if err := c.preflight(ctx, cachekey.InteractionSilent, req); err != nil {
		return nil, err
	}
	authReq, err := c.materialize(ctx, cachekey.InteractionSilent, req)
	if err != nil {
		return nil, err
	}
	id := authReq.CorrelationID
	target, err := c.engine.BuildAuthorizationURL(ctx, authReq)
	if err != nil {
		c.cleanup(ctx, id)
		return nil, err
	}

	h, err := c.silent.Launch(ctx, target, interaction.LaunchParams{CorrelationID: id})
	if err != nil {
		c.cleanup(ctx, id)
		return nil, err
	}
	hash, err := c.silent.AwaitCompletion(ctx, h, c.cfg.IframeTimeout)
	c.silent.Finalize(h)
	if err != nil {
		c.logger.Printf("flow.silent.failed correlation_id=%s state=%s err=%v", id, h.State(), err)
		c.cleanup(ctx, id)
		return nil, err
	}
	return c.complete(ctx, cachekey.InteractionSilent, id, hash)
}

// AcquireTokenSilent renews tokens for an account with its cached refresh
// token. When the provider rejects the grant without asking for the user, it
// falls back to a hidden frame round trip.
func (c *Client) AcquireTokenSilent(ctx context.Context, req Request) (*protocol.AuthResult, error) {
	c.noteDegraded(cachekey.InteractionSilent)
	c.events.Emit(events.AcquireTokenStart, cachekey.InteractionSilent, req, nil)

	result, err := c.acquireTokenSilent(ctx, req)
	c.emitOutcome(events.AcquireTokenSuccess, events.AcquireTokenFailure, cachekey.InteractionSilent, result, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) acquireTokenSilent(ctx context.Context, req Request) (*protocol.AuthResult, error) {
	if req.Account == nil {
		return nil, autherr.Configuration(autherr.CodeNoAccountError, "silent token acquisition needs an account")
	}
	authority := req.Authority
	if authority == "" {
		authority = c.cfg.Authority
	}

	c.events.Emit(events.AcquireTokenNetworkStart, cachekey.InteractionSilent, nil, nil)
	result, err := c.engine.RefreshAccessToken(ctx, &protocol.RefreshRequest{
		CorrelationID: uuid.NewString(),
		Authority:     authority,
		ClientID:      c.cfg.ClientID,
		RedirectURI:   c.redirectURI(req),
		Scopes:        mergeScopes(req.Scopes, c.cfg.Scopes),
		Account:       req.Account,
	})
	if err == nil {
		return result, nil
	}

	class := c.engine.ClassifyError(err)
	if !class.ServerError || !protocol.IsInvalidGrant(class.Code) || class.InteractionRequired {
		return nil, err
	}
	c.logger.Printf("flow.silent_refresh.fallback account=%s code=%s", req.Account.HomeAccountID, class.Code)
	req.Prompt = oidc.PromptNone
	return c.silentRoundTrip(ctx, req)
}
