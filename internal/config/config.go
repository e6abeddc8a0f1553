package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/houbamydar/ahojauth/internal/kvstore"
)

const (
	DefaultPopupTimeout           = 60 * time.Second
	DefaultIframeTimeout          = 6 * time.Second
	DefaultRedirectNavigationWait = 30 * time.Second
	DefaultPollInterval           = 50 * time.Millisecond
	DefaultCookieLifetime         = 24 * time.Hour
	DefaultNamespace              = "msal"
	DefaultAuthority              = "https://login.microsoftonline.com/common"
	DefaultStaleRequestMaxAge     = 24 * time.Hour
	minRecommendedPopupTimeout    = 60 * time.Second
	minRecommendedIframeTimeout   = 6 * time.Second
)

type Config struct {
	ClientID              string   `env:"AHOJ_CLIENT_ID"`
	Authority             string   `env:"AHOJ_AUTHORITY" envDefault:"https://login.microsoftonline.com/common"`
	RedirectURI           string   `env:"AHOJ_REDIRECT_URI"`
	PostLogoutRedirectURI string   `env:"AHOJ_POST_LOGOUT_REDIRECT_URI"`
	Scopes                []string `env:"AHOJ_SCOPES" envSeparator:","`

	// Pinned endpoints skip discovery for the configured authority.
	AuthorizeURL  string `env:"AHOJ_AUTHORIZE_URL"`
	TokenURL      string `env:"AHOJ_TOKEN_URL"`
	EndSessionURL string `env:"AHOJ_END_SESSION_URL"`

	Namespace              string        `env:"AHOJ_CACHE_NAMESPACE" envDefault:"msal"`
	CacheLocation          string        `env:"AHOJ_CACHE_LOCATION" envDefault:"redis"`
	RedisAddr              string        `env:"REDIS_ADDR"`
	RedisPrefix            string        `env:"AHOJ_REDIS_PREFIX" envDefault:"ahoj:kv:"`
	RedisTTL               time.Duration `env:"AHOJ_REDIS_TTL" envDefault:"24h"`
	PostgresURL            string        `env:"POSTGRES_URL"`
	StoreAuthStateInCookie bool          `env:"AHOJ_STORE_AUTH_STATE_IN_COOKIE"`
	CookieLifetime         time.Duration `env:"AHOJ_COOKIE_LIFETIME" envDefault:"24h"`

	PopupTimeout              time.Duration `env:"AHOJ_POPUP_TIMEOUT" envDefault:"60s"`
	IframeTimeout             time.Duration `env:"AHOJ_IFRAME_TIMEOUT" envDefault:"6s"`
	RedirectNavigationTimeout time.Duration `env:"AHOJ_REDIRECT_NAVIGATION_TIMEOUT" envDefault:"30s"`
	PollInterval              time.Duration `env:"AHOJ_POLL_INTERVAL" envDefault:"50ms"`
	NavigateFrameWait         time.Duration `env:"AHOJ_NAVIGATE_FRAME_WAIT"`
	AsyncPopups               bool          `env:"AHOJ_ASYNC_POPUPS"`
	AllowRedirectInIframe     bool          `env:"AHOJ_ALLOW_REDIRECT_IN_IFRAME"`
	NavigateToLoginRequestURL bool          `env:"AHOJ_NAVIGATE_TO_LOGIN_REQUEST_URL" envDefault:"true"`

	StaleRequestMaxAge time.Duration `env:"AHOJ_STALE_REQUEST_MAX_AGE" envDefault:"24h"`
	LoopbackAddr       string        `env:"AHOJ_LOOPBACK_ADDR" envDefault:"127.0.0.1:0"`
}

type Logger interface {
	Printf(format string, v ...any)
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// LoadFrom reads the configuration from the given variables only.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize fills zero values with defaults so a Config built in code
// behaves like one loaded from the environment.
func (c *Config) Normalize() {
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.Authority = strings.TrimRight(strings.TrimSpace(c.Authority), "/")
	if c.Authority == "" {
		c.Authority = DefaultAuthority
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.CacheLocation == "" {
		c.CacheLocation = kvstore.LocationMemory
	}
	c.CacheLocation = strings.ToLower(c.CacheLocation)
	if c.CookieLifetime <= 0 {
		c.CookieLifetime = DefaultCookieLifetime
	}
	if c.PopupTimeout <= 0 {
		c.PopupTimeout = DefaultPopupTimeout
	}
	if c.IframeTimeout <= 0 {
		c.IframeTimeout = DefaultIframeTimeout
	}
	if c.RedirectNavigationTimeout <= 0 {
		c.RedirectNavigationTimeout = DefaultRedirectNavigationWait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.NavigateFrameWait < 0 {
		c.NavigateFrameWait = 0
	}
	if c.StaleRequestMaxAge <= 0 {
		c.StaleRequestMaxAge = DefaultStaleRequestMaxAge
	}
}

func (c Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	u, err := url.Parse(c.Authority)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("authority must be an https url: %q", c.Authority)
	}
	if c.RedirectURI != "" {
		if _, err := url.Parse(c.RedirectURI); err != nil {
			return fmt.Errorf("invalid redirect uri: %w", err)
		}
	}
	if (c.AuthorizeURL == "") != (c.TokenURL == "") {
		return fmt.Errorf("authorize and token urls must be pinned together")
	}
	switch c.CacheLocation {
	case kvstore.LocationMemory, kvstore.LocationRedis, kvstore.LocationPostgres:
	default:
		return fmt.Errorf("unknown cache location %q", c.CacheLocation)
	}
	return nil
}

// WarnShortTimeouts logs when the interaction timeouts are below what a
// real identity provider needs.
func (c Config) WarnShortTimeouts(logger Logger) {
	if c.PopupTimeout < minRecommendedPopupTimeout {
		logger.Printf("config.warning popup_timeout=%s below_recommended=%s", c.PopupTimeout, minRecommendedPopupTimeout)
	}
	if c.IframeTimeout < minRecommendedIframeTimeout {
		logger.Printf("config.warning iframe_timeout=%s below_recommended=%s", c.IframeTimeout, minRecommendedIframeTimeout)
	}
}

func (c Config) StoreOptions(logger Logger) kvstore.Options {
	return kvstore.Options{
		Location:    c.CacheLocation,
		RedisAddr:   c.RedisAddr,
		RedisPrefix: c.RedisPrefix,
		RedisTTL:    c.RedisTTL,
		PostgresURL: c.PostgresURL,
		Logger:      logger,
	}
}

// PinnedEndpoints reports the configured endpoints, if any.
func (c Config) PinnedEndpoints() (authorize, token, endSession string, ok bool) {
	if c.AuthorizeURL == "" || c.TokenURL == "" {
		return "", "", "", false
	}
	return c.AuthorizeURL, c.TokenURL, c.EndSessionURL, true
}
