package protocol

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/oauth2"

	"github.com/houbamydar/ahojauth/internal/autherr"
)

const consentRequired = "consent_required"

var interactionRequiredCodes = map[string]struct{}{
	string(oidc.InteractionRequired): {},
	string(oidc.LoginRequired):       {},
	consentRequired:                  {},
}

// Sub-errors that turn an otherwise retryable grant failure into one that
// needs the user.
var interactionRequiredSubErrors = map[string]struct{}{
	"message_only":          {},
	"additional_action":     {},
	"basic_action":          {},
	"user_password_expired": {},
	consentRequired:         {},
}

func IsInvalidGrant(code string) bool {
	return code == string(oidc.InvalidGrant)
}

func isInteractionRequired(code, subError, description string) bool {
	if _, ok := interactionRequiredCodes[code]; ok {
		return true
	}
	if _, ok := interactionRequiredSubErrors[subError]; ok {
		return true
	}
	for c := range interactionRequiredCodes {
		if description != "" && strings.Contains(description, c) {
			return true
		}
	}
	return false
}

// serverError builds the typed error for a failure reported by the
// authorization server.
func serverError(code, subError, description string) *autherr.Error {
	if isInteractionRequired(code, subError, description) {
		return autherr.New(autherr.ErrInteractionRequired, code, description)
	}
	return autherr.Server(code, description)
}

type tokenErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	SubError         string `json:"suberror"`
}

func fromRetrieveError(re *oauth2.RetrieveError) *autherr.Error {
	var body tokenErrorBody
	_ = json.Unmarshal(re.Body, &body)
	code := re.ErrorCode
	if code == "" {
		code = body.Error
	}
	description := re.ErrorDescription
	if description == "" {
		description = body.ErrorDescription
	}
	if code == "" {
		code = string(oidc.ServerError)
	}
	e := serverError(code, body.SubError, description)
	e.Err = re
	return e
}

// Classify reports how err should be treated by the retry policy.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		err = fromRetrieveError(re)
	}
	c := Classification{Code: autherr.CodeOf(err)}
	c.InteractionRequired = errors.Is(err, autherr.ErrInteractionRequired)
	c.ServerError = c.InteractionRequired || errors.Is(err, autherr.ErrServer)
	return c
}
