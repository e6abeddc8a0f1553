package flow

import (
	"golang.org/x/oauth2"

	"github.com/houbamydar/ahojauth/internal/interaction"
	"github.com/houbamydar/ahojauth/internal/protocol"
)

// Request is what a caller asks for. Zero fields take the client's
// configuration.
type Request struct {
	Scopes      []string
	Authority   string
	RedirectURI string
	// State is the caller's own value, returned on the result.
	State                string
	Nonce                string
	Prompt               string
	LoginHint            string
	SID                  string
	DomainHint           string
	Account              *protocol.Account
	ExtraQueryParameters map[string]string

	// RedirectStartPage is where a redirect flow returns to. Defaults to the
	// current page.
	RedirectStartPage string
	// PopupWindow is a window the caller already opened.
	PopupWindow interaction.Window
	Popup       interaction.PopupOptions
}

type LogoutRequest struct {
	Account               *protocol.Account
	PostLogoutRedirectURI string
	IDTokenHint           string
	State                 string
	Authority             string
}

func newCodeVerifier() string {
	return oauth2.GenerateVerifier()
}
