package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/houbamydar/ahojauth/internal/cachekey"
)

type Type string

const (
	LoginStart               Type = "login_start"
	LoginSuccess             Type = "login_success"
	LoginFailure             Type = "login_failure"
	AcquireTokenStart        Type = "acquire_token_start"
	AcquireTokenSuccess      Type = "acquire_token_success"
	AcquireTokenFailure      Type = "acquire_token_failure"
	AcquireTokenNetworkStart Type = "acquire_token_network_start"
	SSOSilentStart           Type = "sso_silent_start"
	SSOSilentSuccess         Type = "sso_silent_success"
	SSOSilentFailure         Type = "sso_silent_failure"
	HandleRedirectStart      Type = "handle_redirect_start"
	HandleRedirectEnd        Type = "handle_redirect_end"
	LogoutStart              Type = "logout_start"
	LogoutSuccess            Type = "logout_success"
	LogoutFailure            Type = "logout_failure"
	StorageDegraded          Type = "storage_degraded"
)

type Message struct {
	Type            Type
	InteractionType cachekey.InteractionType
	Payload         any
	Err             error
	Timestamp       time.Time
}

type Listener func(Message)

type Logger interface {
	Printf(format string, v ...any)
}

type entry struct {
	id string
	fn Listener
}

// Registry delivers messages synchronously in registration order. A
// panicking listener is logged and skipped.
type Registry struct {
	mu        sync.RWMutex
	listeners []entry
	logger    Logger
	now       func() time.Time
}

func NewRegistry(logger Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{logger: logger, now: time.Now}
}

func (r *Registry) Add(fn Listener) string {
	if fn == nil {
		return ""
	}
	id := uuid.NewString()
	r.mu.Lock()
	r.listeners = append(r.listeners, entry{id: id, fn: fn})
	r.mu.Unlock()
	return id
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

func (r *Registry) Emit(eventType Type, interactionType cachekey.InteractionType, payload any, err error) {
	r.mu.RLock()
	snapshot := make([]entry, len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()
	if len(snapshot) == 0 {
		return
	}

	msg := Message{
		Type:            eventType,
		InteractionType: interactionType,
		Payload:         payload,
		Err:             err,
		Timestamp:       r.now(),
	}
	for _, e := range snapshot {
		r.deliver(e, msg)
	}
}

func (r *Registry) deliver(e entry, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("events.listener_panic listener_id=%s event=%s panic=%v", e.id, msg.Type, rec)
		}
	}()
	e.fn(msg)
}
