package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/kvstore"
)

const refreshTokenKeyName = "refreshtoken"

var ErrRefreshTokenNotFound = errors.New("refresh token not found")

type RefreshTokenRecord struct {
	HomeAccountID string    `json:"home_account_id"`
	ClientID      string    `json:"client_id"`
	Authority     string    `json:"authority,omitempty"`
	RefreshToken  string    `json:"refresh_token"`
	Scopes        []string  `json:"scopes,omitempty"`
	Account       *Account  `json:"account,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
}

// TokenCache keeps refresh tokens per account in the same store as the
// request records, under the client's key namespace.
type TokenCache struct {
	store kvstore.Store
	codec cachekey.Codec
	now   func() time.Time
}

func NewTokenCache(store kvstore.Store, codec cachekey.Codec, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{store: store, codec: codec, now: now}
}

func (c *TokenCache) key(homeAccountID string) string {
	return c.codec.MakeScopedKey(refreshTokenKeyName, homeAccountID)
}

func (c *TokenCache) Save(ctx context.Context, rec *RefreshTokenRecord) error {
	if rec == nil {
		return fmt.Errorf("refresh token record is nil")
	}
	if rec.HomeAccountID == "" {
		return fmt.Errorf("home account id is required")
	}
	if rec.RefreshToken == "" {
		return fmt.Errorf("refresh token is required")
	}

	normalized := *rec
	normalized.Scopes = append([]string(nil), normalized.Scopes...)
	if normalized.IssuedAt.IsZero() {
		normalized.IssuedAt = c.now().UTC()
	} else {
		normalized.IssuedAt = normalized.IssuedAt.UTC()
	}
	payload, err := json.Marshal(&normalized)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.key(normalized.HomeAccountID), string(payload))
}

func (c *TokenCache) Get(ctx context.Context, homeAccountID string) (*RefreshTokenRecord, error) {
	if homeAccountID == "" {
		return nil, fmt.Errorf("home account id is required")
	}
	payload, ok, err := c.store.Get(ctx, c.key(homeAccountID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}
	var rec RefreshTokenRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode refresh token record: %w", err)
	}
	rec.IssuedAt = rec.IssuedAt.UTC()
	return &rec, nil
}

func (c *TokenCache) Remove(ctx context.Context, homeAccountID string) error {
	if homeAccountID == "" {
		return nil
	}
	return c.store.Remove(ctx, c.key(homeAccountID))
}
