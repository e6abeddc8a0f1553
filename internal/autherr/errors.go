package autherr

import (
	"errors"
	"fmt"
)

// Kinds. Match with errors.Is against any error returned by the flow packages.
var (
	ErrConfiguration         = errors.New("configuration error")
	ErrInteractionInProgress = errors.New("interaction in progress")
	ErrMalformedState        = errors.New("malformed state")
	ErrCacheCorruption       = errors.New("cache corruption")
	ErrUserCancelled         = errors.New("user cancelled")
	ErrTimeout               = errors.New("timeout")
	ErrServer                = errors.New("server error")
	ErrInteractionRequired   = errors.New("interaction required")
	ErrPopupWindow           = errors.New("popup window error")
	ErrEmptyNavigateURI      = errors.New("empty navigate uri")
	ErrInvalidIDToken        = errors.New("invalid id token")
)

const (
	CodeInteractionInProgress  = "interaction_in_progress"
	CodeUserCancelled          = "user_cancelled"
	CodeMonitorWindowTimeout   = "monitor_window_timeout"
	CodeRedirectInIframe       = "redirect_in_iframe"
	CodeBlockIframeReload      = "block_iframe_reload"
	CodeNonBrowserEnvironment  = "non_browser_environment"
	CodeInMemRedirectUnavail   = "in_mem_redirect_unavailable"
	CodeTokenRequestCacheError = "token_request_cache_error"
	CodeInvalidState           = "invalid_state"
	CodeStateMismatch          = "state_mismatch"
	CodeHashEmpty              = "hash_empty_error"
	CodeHashNotDeserialized    = "hash_not_deserialized"
	CodePopupWindowError       = "popup_window_error"
	CodeEmptyWindowError       = "empty_window_error"
	CodeEmptyNavigateURI       = "empty_navigate_uri"
	CodeSilentSSOError         = "silent_sso_error"
	CodeSilentPromptValue      = "silent_prompt_value_error"
	CodeNoAccountError         = "no_account_error"
	CodeNoTokenRequestCacheErr = "no_token_request_cache_error"
	CodeNoTokensFound          = "no_tokens_found"
	CodeNonceMismatch          = "nonce_mismatch"
	CodeIDTokenParsing         = "id_token_parsing_error"
	CodeEndpointResolution     = "endpoints_resolution_error"
	CodeNoAuthorizationCode    = "no_authorization_code"
)

type Error struct {
	Kind        error
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func New(kind error, code, description string) *Error {
	return &Error{Kind: kind, Code: code, Description: description}
}

func Wrap(kind error, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func Newf(kind error, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Description: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func InteractionInProgress() *Error {
	return New(ErrInteractionInProgress, CodeInteractionInProgress, "interaction is currently in progress, finish it before starting another")
}

func UserCancelled() *Error {
	return New(ErrUserCancelled, CodeUserCancelled, "user cancelled the flow")
}

func MonitorWindowTimeout() *Error {
	return New(ErrTimeout, CodeMonitorWindowTimeout, "token acquisition in the interaction window timed out")
}

func MalformedState(detail string) *Error {
	return New(ErrMalformedState, CodeInvalidState, detail)
}

func CacheCorruption(detail string) *Error {
	return New(ErrCacheCorruption, CodeTokenRequestCacheError, detail)
}

func Configuration(code, detail string) *Error {
	return New(ErrConfiguration, code, detail)
}

// Server carries an error reported by the authorization server.
func Server(code, description string) *Error {
	return New(ErrServer, code, description)
}
