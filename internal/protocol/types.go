package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/houbamydar/ahojauth/internal/interaction"
)

type Account struct {
	HomeAccountID string `json:"homeAccountId"`
	Username      string `json:"username,omitempty"`
	Name          string `json:"name,omitempty"`
	TenantID      string `json:"tenantId,omitempty"`
	Environment   string `json:"environment,omitempty"`
}

// AuthCodeRequest is the pending request persisted between launching a
// surface and exchanging the code it returns.
type AuthCodeRequest struct {
	CorrelationID        string            `json:"correlationId"`
	Authority            string            `json:"authority"`
	ClientID             string            `json:"clientId"`
	RedirectURI          string            `json:"redirectUri"`
	Scopes               []string          `json:"scopes"`
	State                string            `json:"state"`
	Nonce                string            `json:"nonce"`
	CodeVerifier         string            `json:"codeVerifier,omitempty"`
	Prompt               string            `json:"prompt,omitempty"`
	LoginHint            string            `json:"loginHint,omitempty"`
	SID                  string            `json:"sid,omitempty"`
	DomainHint           string            `json:"domainHint,omitempty"`
	Account              *Account          `json:"account,omitempty"`
	ExtraQueryParameters map[string]string `json:"extraQueryParameters,omitempty"`
}

// Encode serializes the request the way it is kept in the cache.
func (r *AuthCodeRequest) Encode() (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode auth code request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

func DecodeAuthCodeRequest(encoded string) (*AuthCodeRequest, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode auth code request: %w", err)
	}
	var req AuthCodeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode auth code request: %w", err)
	}
	return &req, nil
}

type AuthResult struct {
	// Code is the authorization code the tokens were redeemed from. Empty for
	// refresh results.
	Code          string
	AccessToken   string
	IDToken       string
	TokenType     string
	ExpiresAt     time.Time
	Scopes        []string
	Account       *Account
	IDTokenClaims map[string]any
	CorrelationID string
	// State is the caller's own state, with the library prefix removed.
	State string
}

type RefreshRequest struct {
	CorrelationID string
	Authority     string
	ClientID      string
	RedirectURI   string
	Scopes        []string
	Account       *Account
	RefreshToken  string
}

type LogoutRequest struct {
	CorrelationID         string
	Authority             string
	ClientID              string
	PostLogoutRedirectURI string
	Account               *Account
	IDTokenHint           string
	State                 string
}

// Classification is what the orchestrator needs to decide about retrying.
type Classification struct {
	ServerError         bool
	InteractionRequired bool
	Code                string
}

// Engine builds and redeems authorization requests. Implementations own the
// wire protocol; the flow packages only see these calls.
type Engine interface {
	BuildAuthorizationURL(ctx context.Context, req *AuthCodeRequest) (string, error)
	ExchangeCodeForTokens(ctx context.Context, req *AuthCodeRequest, frag *interaction.ResponseFragment) (*AuthResult, error)
	RefreshAccessToken(ctx context.Context, req *RefreshRequest) (*AuthResult, error)
	ClassifyError(err error) Classification
	BuildLogoutURL(ctx context.Context, req *LogoutRequest) (string, error)
}

// AccountForgetter is implemented by engines that keep per-account tokens.
type AccountForgetter interface {
	ForgetAccount(ctx context.Context, account *Account) error
}
