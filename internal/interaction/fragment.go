package interaction

import (
	"net/url"
	"strings"

	"github.com/houbamydar/ahojauth/internal/autherr"
)

type ResponseFragment struct {
	Code                  string
	State                 string
	Error                 string
	ErrorDescription      string
	ErrorURI              string
	ClientInfo            string
	SessionState          string
	CloudInstanceHostName string
	Raw                   string
}

// HashOf returns the fragment of rawURL without the leading '#'. Inputs that
// are already a bare fragment are returned trimmed.
func HashOf(rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		return trimHash(rawURL[i:])
	}
	if strings.Contains(rawURL, "://") {
		return ""
	}
	return trimHash(rawURL)
}

func trimHash(hash string) string {
	hash = strings.TrimPrefix(hash, "#")
	hash = strings.TrimPrefix(hash, "/")
	return hash
}

// HashContainsKnownProperties reports whether hash looks like an
// authorization response.
func HashContainsKnownProperties(hash string) bool {
	// ParseQuery keeps every pair it could decode alongside the error.
	values, _ := url.ParseQuery(trimHash(hash))
	return hasKnownProperties(values)
}

func hasKnownProperties(values url.Values) bool {
	for _, key := range []string{"code", "error", "error_description", "state"} {
		if values.Get(key) != "" {
			return true
		}
	}
	return false
}

func ParseResponseFragment(hashOrURL string) (*ResponseFragment, error) {
	hash := HashOf(hashOrURL)
	if hash == "" {
		return nil, autherr.New(autherr.ErrMalformedState, autherr.CodeHashEmpty, "response hash is empty")
	}
	values, err := url.ParseQuery(hash)
	if !hasKnownProperties(values) {
		if err != nil {
			return nil, autherr.Wrap(autherr.ErrMalformedState, autherr.CodeHashNotDeserialized, err)
		}
		return nil, autherr.New(autherr.ErrMalformedState, autherr.CodeHashNotDeserialized, "response hash has no authorization response fields")
	}
	return &ResponseFragment{
		Code:                  values.Get("code"),
		State:                 values.Get("state"),
		Error:                 values.Get("error"),
		ErrorDescription:      values.Get("error_description"),
		ErrorURI:              values.Get("error_uri"),
		ClientInfo:            values.Get("client_info"),
		SessionState:          values.Get("session_state"),
		CloudInstanceHostName: values.Get("cloud_instance_host_name"),
		Raw:                   hash,
	}, nil
}

// Failed reports whether the server answered with an error instead of a code.
func (f *ResponseFragment) Failed() bool {
	return f.Error != "" || f.ErrorDescription != ""
}
