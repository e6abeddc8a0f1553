package correlation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/kvstore"
)

const (
	keyRequestState   = "request.state"
	keyRequestCreated = "request.created"
	keyRequestParams  = "request.params"
	keyRequestOrigin  = "request.origin"
	keyNonce          = "nonce.id_token"
	keyAuthority      = "authority"
	keyInteraction    = "interaction.status"
	keyURLHash        = "urlHash"

	InteractionInProgressValue = "interaction_in_progress"
)

var scopedNames = []string{
	keyRequestState,
	keyRequestCreated,
	keyRequestParams,
	keyRequestOrigin,
	keyNonce,
	keyAuthority,
}

type Logger interface {
	Printf(format string, v ...any)
}

// PendingRequest is the record read back when a response arrives.
type PendingRequest struct {
	CorrelationID   string
	InteractionType cachekey.InteractionType
	State           string
	CallerState     string
	Nonce           string
	Authority       string
	OriginURL       string
	AuthCodeRequest string
	CreatedAt       time.Time
}

type Cache struct {
	store  kvstore.Store
	codec  cachekey.Codec
	logger Logger
	now    func() time.Time
	newID  func() string
}

type Options struct {
	Logger Logger
	Now    func() time.Time
	NewID  func() string
}

func New(store kvstore.Store, codec cachekey.Codec, opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Cache{store: store, codec: codec, logger: opts.Logger, now: opts.Now, newID: opts.NewID}
}

func (c *Cache) Codec() cachekey.Codec {
	return c.codec
}

func (c *Cache) Store() kvstore.Store {
	return c.store
}

// BeginRequest issues a fresh correlation id and writes the pending stub. The
// returned state is what goes on the authorization request.
func (c *Cache) BeginRequest(ctx context.Context, interactionType cachekey.InteractionType, callerState string) (string, string, error) {
	if !interactionType.Valid() {
		return "", "", fmt.Errorf("begin request: invalid interaction type %q", interactionType)
	}
	id := c.newID()
	state := cachekey.EncodeState(id, interactionType, callerState)
	if err := c.store.Set(ctx, c.codec.MakeScopedKey(keyRequestState, id), state); err != nil {
		return "", "", fmt.Errorf("begin request: %w", err)
	}
	created := c.now().UTC().Format(time.RFC3339Nano)
	if err := c.store.Set(ctx, c.codec.MakeScopedKey(keyRequestCreated, id), created); err != nil {
		return "", "", fmt.Errorf("begin request: %w", err)
	}
	return id, state, nil
}

func (c *Cache) AttachAuthRequest(ctx context.Context, id, serialized string) error {
	return c.setScoped(ctx, keyRequestParams, id, serialized)
}

func (c *Cache) RecordNonce(ctx context.Context, id, nonce string) error {
	return c.setScoped(ctx, keyNonce, id, nonce)
}

func (c *Cache) RecordOrigin(ctx context.Context, id, originURL string) error {
	return c.setScoped(ctx, keyRequestOrigin, id, originURL)
}

func (c *Cache) RecordAuthority(ctx context.Context, id, authorityURL string) error {
	return c.setScoped(ctx, keyAuthority, id, authorityURL)
}

func (c *Cache) setScoped(ctx context.Context, name, id, value string) error {
	if id == "" {
		return fmt.Errorf("set %s: correlation id is empty", name)
	}
	if err := c.store.Set(ctx, c.codec.MakeScopedKey(name, id), value); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}

func (c *Cache) TryAcquireInteractionLock(ctx context.Context) (bool, error) {
	ok, err := kvstore.SetIfAbsent(ctx, c.store, c.codec.MakeKey(keyInteraction), InteractionInProgressValue)
	if err != nil {
		return false, fmt.Errorf("acquire interaction lock: %w", err)
	}
	return ok, nil
}

func (c *Cache) ReleaseInteractionLock(ctx context.Context) error {
	if err := c.store.Remove(ctx, c.codec.MakeKey(keyInteraction)); err != nil {
		return fmt.Errorf("release interaction lock: %w", err)
	}
	return nil
}

func (c *Cache) InteractionInProgress(ctx context.Context) (bool, error) {
	value, ok, err := c.store.Get(ctx, c.codec.MakeKey(keyInteraction))
	if err != nil {
		return false, fmt.Errorf("read interaction lock: %w", err)
	}
	return ok && value == InteractionInProgressValue, nil
}

// ResolveCorrelationID returns the id carried by rawState when it was issued
// by this cache for the given interaction type. Anything else is "not ours".
func (c *Cache) ResolveCorrelationID(ctx context.Context, rawState string, want cachekey.InteractionType) (string, bool) {
	decoded, err := cachekey.DecodeState(rawState)
	if err != nil {
		return "", false
	}
	if want != "" && decoded.InteractionType != want {
		return "", false
	}
	cached, ok, err := c.store.Get(ctx, c.codec.MakeScopedKey(keyRequestState, decoded.CorrelationID))
	if err != nil || !ok {
		return "", false
	}
	if !cachekey.SameState(cached, rawState) {
		return "", false
	}
	return decoded.CorrelationID, true
}

func (c *Cache) ReadPendingRequest(ctx context.Context, id string) (*PendingRequest, error) {
	state, ok, err := c.store.Get(ctx, c.codec.MakeScopedKey(keyRequestState, id))
	if err != nil {
		return nil, fmt.Errorf("read pending request: %w", err)
	}
	if !ok {
		return nil, autherr.CacheCorruption("pending request state is missing")
	}
	decoded, err := cachekey.DecodeState(state)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrCacheCorruption, autherr.CodeTokenRequestCacheError, err)
	}
	params, ok, err := c.store.Get(ctx, c.codec.MakeScopedKey(keyRequestParams, id))
	if err != nil {
		return nil, fmt.Errorf("read pending request: %w", err)
	}
	if !ok || params == "" {
		return nil, autherr.New(autherr.ErrCacheCorruption, autherr.CodeNoTokenRequestCacheErr, "pending auth request is missing")
	}

	record := &PendingRequest{
		CorrelationID:   id,
		InteractionType: decoded.InteractionType,
		State:           state,
		CallerState:     decoded.CallerState,
		AuthCodeRequest: params,
	}
	record.Nonce, err = c.optionalScoped(ctx, keyNonce, id)
	if err != nil {
		return nil, err
	}
	record.Authority, err = c.optionalScoped(ctx, keyAuthority, id)
	if err != nil {
		return nil, err
	}
	record.OriginURL, err = c.optionalScoped(ctx, keyRequestOrigin, id)
	if err != nil {
		return nil, err
	}
	created, err := c.optionalScoped(ctx, keyRequestCreated, id)
	if err != nil {
		return nil, err
	}
	if created != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, created); parseErr == nil {
			record.CreatedAt = ts
		}
	}
	return record, nil
}

// AuthRequest returns the serialized auth request attached to id without
// reading the rest of the record.
func (c *Cache) AuthRequest(ctx context.Context, id string) (string, bool, error) {
	value, ok, err := c.store.Get(ctx, c.codec.MakeScopedKey(keyRequestParams, id))
	if err != nil {
		return "", false, fmt.Errorf("read auth request: %w", err)
	}
	return value, ok && value != "", nil
}

func (c *Cache) optionalScoped(ctx context.Context, name, id string) (string, error) {
	value, _, err := c.store.Get(ctx, c.codec.MakeScopedKey(name, id))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return value, nil
}

// Cleanup removes every entry scoped to id and reports how many were removed.
func (c *Cache) Cleanup(ctx context.Context, id string) (int, error) {
	if id == "" {
		return 0, nil
	}
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup %s: %w", id, err)
	}
	suffix := "." + id
	targets := make(map[string]struct{})
	for _, key := range keys {
		if c.codec.Owns(key) && strings.HasSuffix(key, suffix) {
			targets[key] = struct{}{}
		}
	}
	// Mirrored cookies can outlive an in-memory primary, so the well-known
	// entries are removed even when enumeration did not return them.
	for _, name := range scopedNames {
		targets[c.codec.MakeScopedKey(name, id)] = struct{}{}
	}

	removed := 0
	var errs []error
	for key := range targets {
		exists, err := c.store.Has(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !exists {
			continue
		}
		if err := c.store.Remove(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("cleanup %s: %w", id, errors.Join(errs...))
	}
	return removed, nil
}

// PendingSummary is what the sweep needs to decide about a record without
// reading all of it.
type PendingSummary struct {
	CorrelationID   string
	InteractionType cachekey.InteractionType
	CreatedAt       time.Time
}

// PendingRequests lists the pending stubs this cache owns. Stubs whose state
// cannot be decoded are reported with an empty interaction type.
func (c *Cache) PendingRequests(ctx context.Context) ([]PendingSummary, error) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	prefix := c.codec.MakeKey(keyRequestState) + "."
	out := make([]PendingSummary, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		id := strings.TrimPrefix(key, prefix)
		summary := PendingSummary{CorrelationID: id}
		if state, ok, err := c.store.Get(ctx, key); err == nil && ok {
			if decoded, decodeErr := cachekey.DecodeState(state); decodeErr == nil {
				summary.InteractionType = decoded.InteractionType
			}
		}
		if created, err := c.optionalScoped(ctx, keyRequestCreated, id); err == nil && created != "" {
			if ts, parseErr := time.Parse(time.RFC3339Nano, created); parseErr == nil {
				summary.CreatedAt = ts
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CorrelationID < out[j].CorrelationID })
	return out, nil
}

// CleanupByInteractionType sweeps every pending record of the given kind. The
// interaction lock is released when anything was swept, since the flow that
// held it is gone.
func (c *Cache) CleanupByInteractionType(ctx context.Context, interactionType cachekey.InteractionType) (int, error) {
	pending, err := c.PendingRequests(ctx)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, p := range pending {
		if p.InteractionType != interactionType {
			continue
		}
		if _, err := c.Cleanup(ctx, p.CorrelationID); err != nil {
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		c.logger.Printf("correlation.cleanup_by_type type=%s swept=%d", interactionType, swept)
		if interactionType != cachekey.InteractionSilent {
			if err := c.ReleaseInteractionLock(ctx); err != nil {
				return swept, err
			}
		}
	}
	return swept, nil
}

// StashResponseHash keeps a redirect response while the page navigates back
// to where the flow started.
func (c *Cache) StashResponseHash(ctx context.Context, hash string) error {
	if err := c.store.Set(ctx, c.codec.MakeKey(keyURLHash), hash); err != nil {
		return fmt.Errorf("stash response hash: %w", err)
	}
	return nil
}

// TakeResponseHash returns and removes a stashed response, if any.
func (c *Cache) TakeResponseHash(ctx context.Context) (string, bool, error) {
	key := c.codec.MakeKey(keyURLHash)
	hash, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("read response hash: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	if err := c.store.Remove(ctx, key); err != nil {
		return "", false, fmt.Errorf("remove response hash: %w", err)
	}
	return hash, true, nil
}
