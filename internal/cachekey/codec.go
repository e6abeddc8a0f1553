package cachekey

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/houbamydar/ahojauth/internal/autherr"
)

const (
	DefaultNamespace = "msal"
	stateDelimiter   = "|"
)

type InteractionType string

const (
	InteractionRedirect InteractionType = "redirect"
	InteractionPopup    InteractionType = "popup"
	InteractionSilent   InteractionType = "silent"
)

func (t InteractionType) Valid() bool {
	switch t {
	case InteractionRedirect, InteractionPopup, InteractionSilent:
		return true
	}
	return false
}

// Codec builds namespaced cache keys and the composite state parameter.
type Codec struct {
	Namespace string
	ClientID  string
}

func New(namespace, clientID string) Codec {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Codec{Namespace: namespace, ClientID: clientID}
}

func (c Codec) prefix() string {
	return c.Namespace + "."
}

// MakeKey returns "<namespace>.<clientId>.<name>". Keys that already carry the
// namespace are returned unchanged.
func (c Codec) MakeKey(name string) string {
	if strings.HasPrefix(name, c.prefix()) {
		return name
	}
	return c.prefix() + c.ClientID + "." + name
}

// MakeScopedKey returns "<namespace>.<clientId>.<name>.<id>".
func (c Codec) MakeScopedKey(name, id string) string {
	return c.MakeKey(name) + "." + id
}

// Owns reports whether key belongs to this codec's namespace and client.
func (c Codec) Owns(key string) bool {
	return strings.HasPrefix(key, c.prefix()+c.ClientID+".")
}

type stateMeta struct {
	InteractionType InteractionType `json:"interactionType"`
}

type libraryState struct {
	ID   string    `json:"id"`
	Meta stateMeta `json:"meta"`
}

// RequestState is the decoded form of a state parameter.
type RequestState struct {
	CorrelationID   string
	InteractionType InteractionType
	CallerState     string
}

// EncodeState returns base64url(JSON{id, meta.interactionType}) followed by
// "|" and the caller's opaque state.
func EncodeState(correlationID string, interactionType InteractionType, callerState string) string {
	payload, _ := json.Marshal(libraryState{ID: correlationID, Meta: stateMeta{InteractionType: interactionType}})
	return base64.RawURLEncoding.EncodeToString(payload) + stateDelimiter + callerState
}

func DecodeState(state string) (RequestState, error) {
	if state == "" {
		return RequestState{}, autherr.MalformedState("state is empty")
	}
	library, caller, found := strings.Cut(state, stateDelimiter)
	if !found || library == "" {
		return RequestState{}, autherr.MalformedState("state has no library segment")
	}
	raw, err := decodeSegment(library)
	if err != nil {
		return RequestState{}, autherr.Wrap(autherr.ErrMalformedState, autherr.CodeInvalidState, err)
	}
	var decoded libraryState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return RequestState{}, autherr.Wrap(autherr.ErrMalformedState, autherr.CodeInvalidState, err)
	}
	if decoded.ID == "" || !decoded.Meta.InteractionType.Valid() {
		return RequestState{}, autherr.MalformedState("state is missing id or interaction type")
	}
	return RequestState{
		CorrelationID:   decoded.ID,
		InteractionType: decoded.Meta.InteractionType,
		CallerState:     caller,
	}, nil
}

// SameState reports whether two state parameters decode to the same request,
// whatever encoding each arrived in.
func SameState(a, b string) bool {
	left, err := DecodeState(a)
	if err != nil {
		return false
	}
	right, err := DecodeState(b)
	if err != nil {
		return false
	}
	return left == right
}

// decodeSegment accepts padded and unpadded, url-safe and standard alphabets
// since identity providers are not consistent about re-encoding.
func decodeSegment(segment string) ([]byte, error) {
	segment = strings.TrimRight(segment, "=")
	if raw, err := base64.RawURLEncoding.DecodeString(segment); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(segment)
}
