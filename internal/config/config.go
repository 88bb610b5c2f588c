// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

// Package config loads the example relying party's configuration using
// Koanf v2 with layered sources: built-in defaults, an optional YAML
// file, then EXAMPLE_RP_* environment variables. Precedence is
// ENV > file > defaults.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the example relying party's full configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Store   StoreConfig   `koanf:"store"`
	Session SessionConfig `koanf:"session"`
	Auth    AuthConfig    `koanf:"auth"`
	Fetcher FetcherConfig `koanf:"fetcher"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Host is the listen address.
	Host string `koanf:"host" validate:"required"`

	// Port is the listen port.
	Port int `koanf:"port" validate:"min=1,max=65535"`

	// BaseURL is the public URL this relying party is reachable at;
	// return_to and trust_root are derived from it.
	BaseURL string `koanf:"base_url" validate:"required"`

	// Timeout bounds request read/write.
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`

	// Environment is "development" or "production". Production enforces
	// secure session cookies.
	Environment string `koanf:"environment" validate:"oneof=development production"`
}

// StoreConfig selects the openid.Store backend.
type StoreConfig struct {
	// Backend is "memory" (tokens do not survive restarts) or "badger".
	Backend string `koanf:"backend" validate:"oneof=memory badger"`

	// Path is the Badger data directory; required for the badger backend.
	Path string `koanf:"path"`

	// GCInterval is how often the janitor sweeps expired nonces and
	// associations.
	GCInterval time.Duration `koanf:"gc_interval" validate:"min=1m"`
}

// SessionConfig holds the relying party's own session cookie settings.
type SessionConfig struct {
	// Secret signs session JWTs. Must be at least 32 bytes of entropy.
	Secret string `koanf:"secret"`

	// CookieName names the session cookie.
	CookieName string `koanf:"cookie_name" validate:"required"`

	// TTL is how long a verified login stays valid.
	TTL time.Duration `koanf:"ttl" validate:"min=1m"`

	// CookieSecure marks cookies Secure; forced on in production.
	CookieSecure bool `koanf:"cookie_secure"`
}

// AuthConfig tunes the OpenID consumer.
type AuthConfig struct {
	// Immediate requests checkid_immediate instead of checkid_setup.
	Immediate bool `koanf:"immediate"`

	// TrustRoot overrides the trust_root sent to providers; defaults to
	// the server base URL.
	TrustRoot string `koanf:"trust_root"`

	// RateLimitRequests caps login attempts per client IP per window.
	RateLimitRequests int `koanf:"rate_limit_requests" validate:"min=1"`

	// RateLimitWindow is the rate limit window.
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"min=1s"`
}

// FetcherConfig tunes outbound HTTP toward identity providers.
type FetcherConfig struct {
	// Timeout bounds each discovery or association call.
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`

	// ThrottlePerSecond limits sustained calls per provider host;
	// zero disables throttling.
	ThrottlePerSecond float64 `koanf:"throttle_per_second" validate:"min=0"`

	// ThrottleBurst is the per-host burst allowance.
	ThrottleBurst int `koanf:"throttle_burst" validate:"min=0"`

	// BreakerEnabled wraps the fetcher in per-host circuit breakers.
	BreakerEnabled bool `koanf:"breaker_enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// layered first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8085,
			BaseURL:     "http://localhost:8085",
			Timeout:     30 * time.Second,
			Environment: "development",
		},
		Store: StoreConfig{
			Backend:    "memory",
			Path:       "/data/clavis",
			GCInterval: 10 * time.Minute,
		},
		Session: SessionConfig{
			Secret:       "",
			CookieName:   "clavis_session",
			TTL:          24 * time.Hour,
			CookieSecure: false,
		},
		Auth: AuthConfig{
			Immediate:         false,
			TrustRoot:         "",
			RateLimitRequests: 10,
			RateLimitWindow:   time.Minute,
		},
		Fetcher: FetcherConfig{
			Timeout:           20 * time.Second,
			ThrottlePerSecond: 5,
			ThrottleBurst:     10,
			BreakerEnabled:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks struct tags plus the cross-field rules tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	base, err := url.Parse(c.Server.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("server.base_url %q is not an absolute URL", c.Server.BaseURL)
	}

	if len(c.Session.Secret) < 32 {
		return fmt.Errorf("session.secret must be at least 32 characters, got %d", len(c.Session.Secret))
	}

	if c.Store.Backend == "badger" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the badger backend")
	}

	if c.Server.Environment == "production" {
		if base.Scheme != "https" {
			return fmt.Errorf("production requires an https server.base_url, got %q", c.Server.BaseURL)
		}
		if !c.Session.CookieSecure {
			return fmt.Errorf("production requires session.cookie_secure=true")
		}
	}

	if c.Auth.TrustRoot != "" {
		if tr, err := url.Parse(c.Auth.TrustRoot); err != nil || tr.Scheme == "" || tr.Host == "" {
			return fmt.Errorf("auth.trust_root %q is not an absolute URL", c.Auth.TrustRoot)
		}
	}

	return nil
}

// TrustRoot returns the effective trust root: the configured override,
// or the server base URL with a trailing slash.
func (c *Config) TrustRoot() string {
	if c.Auth.TrustRoot != "" {
		return c.Auth.TrustRoot
	}
	base := c.Server.BaseURL
	if base[len(base)-1] != '/' {
		base += "/"
	}
	return base
}

// ReturnTo returns the callback URL derived from the base URL.
func (c *Config) ReturnTo() string {
	base := c.Server.BaseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/callback"
}
