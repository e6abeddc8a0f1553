package correlation

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/houbamydar/ahojauth/internal/autherr"
	"github.com/houbamydar/ahojauth/internal/cachekey"
	"github.com/houbamydar/ahojauth/internal/kvstore"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newTestCache(t *testing.T, store kvstore.Store) *Cache {
	t.Helper()
	return New(store, cachekey.New("msal", "client-1"), Options{
		Logger: log.New(&bytes.Buffer{}, "", 0),
		Now:    func() time.Time { return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC) },
		NewID:  sequentialIDs(),
	})
}

func newRedisBackedCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newTestCache(t, kvstore.NewRedis(client, "", 0)), mr
}

func seedPending(t *testing.T, c *Cache, kind cachekey.InteractionType, callerState string) (string, string) {
	t.Helper()
	ctx := context.Background()
	id, state, err := c.BeginRequest(ctx, kind, callerState)
	if err != nil {
		t.Fatalf("BeginRequest failed: %v", err)
	}
	if err := c.AttachAuthRequest(ctx, id, "eyJjb2RlIjoiIn0"); err != nil {
		t.Fatalf("AttachAuthRequest failed: %v", err)
	}
	if err := c.RecordNonce(ctx, id, "nonce-"+id); err != nil {
		t.Fatalf("RecordNonce failed: %v", err)
	}
	if err := c.RecordAuthority(ctx, id, "https://login.example/tenant"); err != nil {
		t.Fatalf("RecordAuthority failed: %v", err)
	}
	if err := c.RecordOrigin(ctx, id, "https://app.example/page"); err != nil {
		t.Fatalf("RecordOrigin failed: %v", err)
	}
	return id, state
}

func TestResolveCorrelationIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newRedisBackedCache(t)

	for _, kind := range []cachekey.InteractionType{cachekey.InteractionRedirect, cachekey.InteractionPopup, cachekey.InteractionSilent} {
		for _, callerState := range []string{"", "app-state", "a|b"} {
			id, state := seedPending(t, c, kind, callerState)
			resolved, ok := c.ResolveCorrelationID(ctx, state, kind)
			if !ok || resolved != id {
				t.Fatalf("ResolveCorrelationID=%q,%t want %q,true", resolved, ok, id)
			}
			record, err := c.ReadPendingRequest(ctx, resolved)
			if err != nil {
				t.Fatalf("ReadPendingRequest failed: %v", err)
			}
			if record.InteractionType != kind || record.CallerState != callerState {
				t.Fatalf("record=%+v want type=%s caller=%q", record, kind, callerState)
			}
		}
	}
}

func TestResolveCorrelationIDRejectsForeignState(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, kvstore.NewMemory())
	_, popupState := seedPending(t, c, cachekey.InteractionPopup, "s")

	tests := []struct {
		name  string
		state string
		want  cachekey.InteractionType
	}{
		{name: "garbage", state: "not-a-state", want: cachekey.InteractionPopup},
		{name: "other interaction type", state: popupState, want: cachekey.InteractionRedirect},
		{name: "never issued", state: cachekey.EncodeState("unknown", cachekey.InteractionPopup, "s"), want: cachekey.InteractionPopup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if id, ok := c.ResolveCorrelationID(ctx, tt.state, tt.want); ok {
				t.Fatalf("ResolveCorrelationID=%q,true want not ours", id)
			}
		})
	}
}

func TestReadPendingRequestFields(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, kvstore.NewMemory())
	id, state := seedPending(t, c, cachekey.InteractionRedirect, "cs")

	record, err := c.ReadPendingRequest(ctx, id)
	if err != nil {
		t.Fatalf("ReadPendingRequest failed: %v", err)
	}
	if record.State != state || record.Nonce != "nonce-"+id || record.Authority != "https://login.example/tenant" || record.OriginURL != "https://app.example/page" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.AuthCodeRequest != "eyJjb2RlIjoiIn0" {
		t.Fatalf("auth request=%q", record.AuthCodeRequest)
	}
	if !record.CreatedAt.Equal(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("created at=%s", record.CreatedAt)
	}
}

func TestReadPendingRequestCorruption(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	c := newTestCache(t, store)

	if _, err := c.ReadPendingRequest(ctx, "missing"); !errors.Is(err, autherr.ErrCacheCorruption) {
		t.Fatalf("missing record err=%v want ErrCacheCorruption", err)
	}

	id, _, err := c.BeginRequest(ctx, cachekey.InteractionPopup, "")
	if err != nil {
		t.Fatalf("BeginRequest failed: %v", err)
	}
	if _, err := c.ReadPendingRequest(ctx, id); !errors.Is(err, autherr.ErrCacheCorruption) {
		t.Fatalf("stub without auth request err=%v want ErrCacheCorruption", err)
	}

	if err := store.Set(ctx, c.Codec().MakeScopedKey("request.state", "bad"), "garbage"); err != nil {
		t.Fatalf("seed garbage: %v", err)
	}
	if _, err := c.ReadPendingRequest(ctx, "bad"); !errors.Is(err, autherr.ErrCacheCorruption) {
		t.Fatalf("malformed record err=%v want ErrCacheCorruption", err)
	}
}

func TestCleanupRemovesScopedEntriesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _ := newRedisBackedCache(t)
	id, _ := seedPending(t, c, cachekey.InteractionPopup, "s")
	otherID, _ := seedPending(t, c, cachekey.InteractionPopup, "s")

	removed, err := c.Cleanup(ctx, id)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 6 {
		t.Fatalf("removed=%d want 6", removed)
	}

	keys, err := c.Store().Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	for _, key := range keys {
		if strings.HasSuffix(key, "."+id) {
			t.Fatalf("key %q survived cleanup", key)
		}
	}
	if _, err := c.ReadPendingRequest(ctx, otherID); err != nil {
		t.Fatalf("other record should survive: %v", err)
	}

	removed, err = c.Cleanup(ctx, id)
	if err != nil || removed != 0 {
		t.Fatalf("second Cleanup=%d,%v want 0,nil", removed, err)
	}
}

func TestCleanupRemovesMirroredCookiesWhenPrimaryIsGone(t *testing.T) {
	ctx := context.Background()
	primary := kvstore.NewMemory()
	jar := kvstore.NewMemoryJar(nil)
	c := newTestCache(t, kvstore.NewCookieMirror(primary, jar, kvstore.CookieMirrorOptions{Enabled: true}))
	id, _ := seedPending(t, c, cachekey.InteractionRedirect, "")

	// simulate a reload that dropped the in-memory copy
	keys, _ := primary.Keys(ctx)
	for _, key := range keys {
		_ = primary.Remove(ctx, key)
	}

	if _, err := c.Cleanup(ctx, id); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, ok := jar.Cookie(c.Codec().MakeScopedKey("request.state", id)); ok {
		t.Fatalf("mirrored state cookie survived cleanup")
	}
}

func TestInteractionLockIsMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	c, _ := newRedisBackedCache(t)

	first, err := c.TryAcquireInteractionLock(ctx)
	if err != nil || !first {
		t.Fatalf("first acquire=%t,%v want true", first, err)
	}
	second, err := c.TryAcquireInteractionLock(ctx)
	if err != nil || second {
		t.Fatalf("second acquire=%t,%v want false", second, err)
	}
	inProgress, err := c.InteractionInProgress(ctx)
	if err != nil || !inProgress {
		t.Fatalf("InteractionInProgress=%t,%v want true", inProgress, err)
	}
	if err := c.ReleaseInteractionLock(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	third, err := c.TryAcquireInteractionLock(ctx)
	if err != nil || !third {
		t.Fatalf("acquire after release=%t,%v want true", third, err)
	}
}

func TestInteractionLockSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	a := newTestCache(t, store)
	b := newTestCache(t, store)

	if ok, _ := a.TryAcquireInteractionLock(ctx); !ok {
		t.Fatalf("a should acquire")
	}
	if ok, _ := b.TryAcquireInteractionLock(ctx); ok {
		t.Fatalf("b should see the lock held by a")
	}

	other := New(store, cachekey.New("msal", "client-2"), Options{})
	if ok, _ := other.TryAcquireInteractionLock(ctx); !ok {
		t.Fatalf("a different client id should have its own lock")
	}
}

func TestCleanupByInteractionType(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, kvstore.NewMemory())
	redirectID, _ := seedPending(t, c, cachekey.InteractionRedirect, "")
	popupID, _ := seedPending(t, c, cachekey.InteractionPopup, "")
	if ok, _ := c.TryAcquireInteractionLock(ctx); !ok {
		t.Fatalf("acquire failed")
	}

	swept, err := c.CleanupByInteractionType(ctx, cachekey.InteractionRedirect)
	if err != nil {
		t.Fatalf("CleanupByInteractionType failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept=%d want 1", swept)
	}
	if _, err := c.ReadPendingRequest(ctx, redirectID); err == nil {
		t.Fatalf("redirect record should be gone")
	}
	if _, err := c.ReadPendingRequest(ctx, popupID); err != nil {
		t.Fatalf("popup record should survive: %v", err)
	}
	if inProgress, _ := c.InteractionInProgress(ctx); inProgress {
		t.Fatalf("lock should be released after sweeping a stale interactive flow")
	}
}

func TestCleanupByInteractionTypeNothingToSweepKeepsLock(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, kvstore.NewMemory())
	if ok, _ := c.TryAcquireInteractionLock(ctx); !ok {
		t.Fatalf("acquire failed")
	}
	swept, err := c.CleanupByInteractionType(ctx, cachekey.InteractionPopup)
	if err != nil || swept != 0 {
		t.Fatalf("swept=%d,%v want 0,nil", swept, err)
	}
	if inProgress, _ := c.InteractionInProgress(ctx); !inProgress {
		t.Fatalf("lock should stay held")
	}
}

func TestResponseHashStash(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, kvstore.NewMemory())

	if _, ok, err := c.TakeResponseHash(ctx); err != nil || ok {
		t.Fatalf("empty TakeResponseHash=%t,%v", ok, err)
	}
	if err := c.StashResponseHash(ctx, "#code=abc&state=x"); err != nil {
		t.Fatalf("StashResponseHash failed: %v", err)
	}
	hash, ok, err := c.TakeResponseHash(ctx)
	if err != nil || !ok || hash != "#code=abc&state=x" {
		t.Fatalf("TakeResponseHash=%q,%t,%v", hash, ok, err)
	}
	if _, ok, _ := c.TakeResponseHash(ctx); ok {
		t.Fatalf("hash should be consumed")
	}
}

func TestPendingRequestsListsOwnStubs(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	c := newTestCache(t, store)
	seedPending(t, c, cachekey.InteractionSilent, "")
	other := New(store, cachekey.New("msal", "client-2"), Options{})
	if _, _, err := other.BeginRequest(ctx, cachekey.InteractionPopup, ""); err != nil {
		t.Fatalf("BeginRequest failed: %v", err)
	}

	pending, err := c.PendingRequests(ctx)
	if err != nil {
		t.Fatalf("PendingRequests failed: %v", err)
	}
	if len(pending) != 1 || pending[0].InteractionType != cachekey.InteractionSilent {
		t.Fatalf("pending=%+v", pending)
	}
}

// padState re-encodes the library segment of state in padded standard base64.
func padState(t *testing.T, state string) string {
	t.Helper()
	library, caller, _ := strings.Cut(state, "|")
	raw, err := base64.RawURLEncoding.DecodeString(library)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw) + "|" + caller
}

func TestResolveCorrelationIDAcceptsReencodedState(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, kvstore.NewMemory())
	id, state := seedPending(t, c, cachekey.InteractionPopup, "app-state")

	reencoded := padState(t, state)
	if reencoded == state {
		t.Fatalf("re-encoding should change the state text")
	}
	resolved, ok := c.ResolveCorrelationID(ctx, reencoded, cachekey.InteractionPopup)
	if !ok || resolved != id {
		t.Fatalf("ResolveCorrelationID=%q,%t want %q,true", resolved, ok, id)
	}
	tampered := cachekey.EncodeState(id, cachekey.InteractionPopup, "other-state")
	if _, ok := c.ResolveCorrelationID(ctx, tampered, cachekey.InteractionPopup); ok {
		t.Fatalf("a different caller state must not resolve")
	}
}

func TestInteractionLockSurvivesReloadInCookies(t *testing.T) {
	ctx := context.Background()
	jar := kvstore.NewMemoryJar(nil)
	before := newTestCache(t, kvstore.NewCookieMirror(kvstore.NewMemory(), jar, kvstore.CookieMirrorOptions{Enabled: true}))
	if ok, err := before.TryAcquireInteractionLock(ctx); err != nil || !ok {
		t.Fatalf("acquire=%t,%v want true", ok, err)
	}

	// The reload drops the in-memory store but keeps the cookies.
	after := newTestCache(t, kvstore.NewCookieMirror(kvstore.NewMemory(), jar, kvstore.CookieMirrorOptions{Enabled: true}))
	inProgress, err := after.InteractionInProgress(ctx)
	if err != nil || !inProgress {
		t.Fatalf("InteractionInProgress=%t,%v want true", inProgress, err)
	}
	if ok, err := after.TryAcquireInteractionLock(ctx); err != nil || ok {
		t.Fatalf("acquire after reload=%t,%v want false", ok, err)
	}
}

func TestCleanupByInteractionTypeFindsCookieOnlyRecords(t *testing.T) {
	ctx := context.Background()
	jar := kvstore.NewMemoryJar(nil)
	before := newTestCache(t, kvstore.NewCookieMirror(kvstore.NewMemory(), jar, kvstore.CookieMirrorOptions{Enabled: true}))
	id, _ := seedPending(t, before, cachekey.InteractionRedirect, "")
	if ok, err := before.TryAcquireInteractionLock(ctx); err != nil || !ok {
		t.Fatalf("acquire=%t,%v want true", ok, err)
	}

	after := newTestCache(t, kvstore.NewCookieMirror(kvstore.NewMemory(), jar, kvstore.CookieMirrorOptions{Enabled: true}))
	pending, err := after.PendingRequests(ctx)
	if err != nil || len(pending) != 1 || pending[0].CorrelationID != id {
		t.Fatalf("pending=%v err=%v want %s", pending, err, id)
	}
	swept, err := after.CleanupByInteractionType(ctx, cachekey.InteractionRedirect)
	if err != nil || swept != 1 {
		t.Fatalf("swept=%d err=%v want 1", swept, err)
	}
	if busy, _ := after.InteractionInProgress(ctx); busy {
		t.Fatalf("lock should be released with the abandoned record")
	}
	if len(jar.Cookies()) != 0 {
		t.Fatalf("cookies left: %v", jar.Cookies())
	}
}
