package kvstore

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"
)

const DefaultCookieLifetime = 24 * time.Hour

// Jar is the minimal cookie surface the mirror needs. Browser hosts back it
// with document.cookie, the CLI with MemoryJar.
type Jar interface {
	Cookie(name string) (*http.Cookie, bool)
	SetCookie(c *http.Cookie)
	// Cookies lists every live cookie.
	Cookies() []*http.Cookie
}

// CookieMirror writes every entry to a primary store and, when enabled, to a
// cookie of the same name. Reads prefer the cookie.
type CookieMirror struct {
	primary  Store
	jar      Jar
	enabled  bool
	lifetime time.Duration
	now      func() time.Time
}

type CookieMirrorOptions struct {
	Enabled  bool
	Lifetime time.Duration
	Now      func() time.Time
}

func NewCookieMirror(primary Store, jar Jar, opts CookieMirrorOptions) *CookieMirror {
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultCookieLifetime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CookieMirror{
		primary:  primary,
		jar:      jar,
		enabled:  opts.Enabled && jar != nil,
		lifetime: opts.Lifetime,
		now:      opts.Now,
	}
}

func (c *CookieMirror) cookieName(key string) string {
	return url.QueryEscape(key)
}

func (c *CookieMirror) Get(ctx context.Context, key string) (string, bool, error) {
	if c.enabled {
		if cookie, ok := c.jar.Cookie(c.cookieName(key)); ok {
			if value, err := url.QueryUnescape(cookie.Value); err == nil {
				return value, true, nil
			}
		}
	}
	return c.primary.Get(ctx, key)
}

func (c *CookieMirror) Set(ctx context.Context, key, value string) error {
	if err := c.primary.Set(ctx, key, value); err != nil {
		return err
	}
	c.setCookie(key, value)
	return nil
}

// SetIfAbsent treats a mirrored cookie as present even when the primary has
// lost the entry, matching what Get and Has report.
func (c *CookieMirror) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if c.enabled {
		if _, ok := c.jar.Cookie(c.cookieName(key)); ok {
			return false, nil
		}
	}
	ok, err := SetIfAbsent(ctx, c.primary, key, value)
	if err != nil || !ok {
		return ok, err
	}
	c.setCookie(key, value)
	return true, nil
}

func (c *CookieMirror) Remove(ctx context.Context, key string) error {
	if c.enabled {
		c.jar.SetCookie(&http.Cookie{
			Name:    c.cookieName(key),
			Value:   "",
			Path:    "/",
			Expires: c.now().Add(-24 * time.Hour),
			MaxAge:  -1,
		})
	}
	return c.primary.Remove(ctx, key)
}

func (c *CookieMirror) Has(ctx context.Context, key string) (bool, error) {
	if c.enabled {
		if _, ok := c.jar.Cookie(c.cookieName(key)); ok {
			return true, nil
		}
	}
	return c.primary.Has(ctx, key)
}

// Keys merges the primary's keys with those only the cookies still hold.
func (c *CookieMirror) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.primary.Keys(ctx)
	if err != nil || !c.enabled {
		return keys, err
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
	}
	for _, cookie := range c.jar.Cookies() {
		key, err := url.QueryUnescape(cookie.Name)
		if err != nil {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Durable is true when cookies are mirrored: they survive navigation even
// when the primary store does not.
func (c *CookieMirror) Durable() bool {
	return c.enabled || c.primary.Durable()
}

func (c *CookieMirror) setCookie(key, value string) {
	if !c.enabled {
		return
	}
	c.jar.SetCookie(&http.Cookie{
		Name:    c.cookieName(key),
		Value:   url.QueryEscape(value),
		Path:    "/",
		Expires: c.now().Add(c.lifetime),
	})
}

// MemoryJar is an in-process Jar that honours expiry.
type MemoryJar struct {
	mu      sync.Mutex
	cookies map[string]*http.Cookie
	now     func() time.Time
}

func NewMemoryJar(now func() time.Time) *MemoryJar {
	if now == nil {
		now = time.Now
	}
	return &MemoryJar{cookies: make(map[string]*http.Cookie), now: now}
}

func (j *MemoryJar) Cookie(name string) (*http.Cookie, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	cookie, ok := j.cookies[name]
	if !ok {
		return nil, false
	}
	if !cookie.Expires.IsZero() && !cookie.Expires.After(j.now()) {
		delete(j.cookies, name)
		return nil, false
	}
	copied := *cookie
	return &copied, true
}

func (j *MemoryJar) SetCookie(c *http.Cookie) {
	if c == nil || c.Name == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if c.MaxAge < 0 || (!c.Expires.IsZero() && !c.Expires.After(j.now())) {
		delete(j.cookies, c.Name)
		return
	}
	copied := *c
	j.cookies[c.Name] = &copied
}

func (j *MemoryJar) Cookies() []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	out := make([]*http.Cookie, 0, len(j.cookies))
	for name, cookie := range j.cookies {
		if !cookie.Expires.IsZero() && !cookie.Expires.After(now) {
			delete(j.cookies, name)
			continue
		}
		copied := *cookie
		out = append(out, &copied)
	}
	return out
}
