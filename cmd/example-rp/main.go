// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

// Package main is the example relying party built on the clavis openid
// library.
//
// The server initializes components in the following order:
//
//  1. Configuration: layered Koanf v2 sources (defaults, config.yaml, EXAMPLE_RP_* env)
//  2. Logging: zerolog, configured from the logging section
//  3. Store: memory or Badger-backed association/nonce store
//  4. Fetcher: outbound HTTP with optional per-host throttling and circuit breakers
//  5. Consumer: the OpenID relying-party state machine
//  6. HTTP server: chi router with login, callback, session, and metrics routes
//  7. Supervisor: suture tree running the HTTP server and GC janitors
//
// # Configuration
//
// Every setting can come from config.yaml or environment variables
// (highest priority wins). Examples:
//
//	export EXAMPLE_RP_SERVER_BASE_URL=https://rp.example.com
//	export EXAMPLE_RP_SESSION_SECRET=$(openssl rand -base64 32)
//	export EXAMPLE_RP_STORE_BACKEND=badger
//	export EXAMPLE_RP_STORE_PATH=/data/clavis
//	./example-rp
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests (10s timeout), janitors stop, and the Badger store
// is closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/clavis/internal/config"
	"github.com/tomtom215/clavis/internal/logging"
	"github.com/tomtom215/clavis/internal/web"
	"github.com/tomtom215/clavis/openid"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("base_url", cfg.Server.BaseURL).
		Str("store", cfg.Store.Backend).
		Bool("immediate", cfg.Auth.Immediate).
		Msg("Starting clavis example relying party")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize store")
	}
	defer closeStore()

	fetcher, throttle := buildFetcher(cfg)

	var opts []openid.Option
	if cfg.Auth.Immediate {
		opts = append(opts, openid.WithImmediate())
	}
	consumer, err := openid.NewConsumer(store, fetcher, opts...)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create consumer")
	}

	sessions := web.NewSessionManager(
		[]byte(cfg.Session.Secret),
		cfg.Session.CookieName,
		cfg.Session.TTL,
		cfg.Session.CookieSecure,
	)

	handlers := web.NewHandlers(consumer, sessions, cfg)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           web.NewRouter(handlers, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bridge zerolog to slog for sutureslog.
	// The correct API is (&Handler{Logger: logger}).MustHook().
	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()
	sup := suture.New("example-rp", suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})

	sup.Add(web.NewHTTPServerService(server, shutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	addJanitors(sup, cfg, store, throttle)

	errCh := sup.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	logging.Info().Msg("Stopped gracefully")
}

// buildStore constructs the configured openid.Store. The returned close
// function releases the Badger database, or is a no-op for memory.
func buildStore(cfg *config.Config) (openid.Store, func(), error) {
	switch cfg.Store.Backend {
	case "badger":
		opts := badger.DefaultOptions(cfg.Store.Path).WithLogger(nil)
		db, err := badger.Open(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger store at %s: %w", cfg.Store.Path, err)
		}

		store, err := openid.NewBadgerStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("initialize badger store: %w", err)
		}

		closeStore := func() {
			if err := db.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing badger store")
			}
		}
		return store, closeStore, nil

	default:
		return openid.NewMemoryStore(), func() {}, nil
	}
}

// buildFetcher stacks the outbound HTTP pipeline: base fetcher, then
// optional per-host throttling, then optional circuit breakers. The
// throttle layer is also returned so the janitor can sweep its idle
// limiters.
func buildFetcher(cfg *config.Config) (openid.Fetcher, *openid.ThrottleFetcher) {
	var fetcher openid.Fetcher = openid.NewHTTPFetcher(&http.Client{
		Timeout: cfg.Fetcher.Timeout,
	})

	var throttle *openid.ThrottleFetcher
	if cfg.Fetcher.ThrottlePerSecond > 0 {
		throttle = openid.NewThrottleFetcher(fetcher, cfg.Fetcher.ThrottlePerSecond, cfg.Fetcher.ThrottleBurst)
		fetcher = throttle
		logging.Info().
			Float64("per_second", cfg.Fetcher.ThrottlePerSecond).
			Int("burst", cfg.Fetcher.ThrottleBurst).
			Msg("Per-host fetch throttling enabled")
	}

	if cfg.Fetcher.BreakerEnabled {
		fetcher = openid.NewBreakerFetcher(fetcher)
		logging.Info().Msg("Per-host circuit breakers enabled")
	}

	return fetcher, throttle
}

// addJanitors schedules the periodic sweeps: store GC for expired
// associations and nonces, and limiter cleanup when throttling is on.
func addJanitors(sup *suture.Supervisor, cfg *config.Config, store openid.Store, throttle *openid.ThrottleFetcher) {
	interval := cfg.Store.GCInterval

	switch s := store.(type) {
	case *openid.MemoryStore:
		sup.Add(web.NewJanitorService("store-gc", interval, func(context.Context) error {
			removed := s.GC(time.Now())
			if removed > 0 {
				logging.Debug().Int("removed", removed).Msg("Store GC swept expired entries")
			}
			return nil
		}))
	case *openid.BadgerStore:
		sup.Add(web.NewJanitorService("store-gc", interval, func(context.Context) error {
			return s.GC()
		}))
	}

	if throttle != nil {
		sup.Add(web.NewJanitorService("throttle-cleanup", interval, func(context.Context) error {
			throttle.Cleanup()
			return nil
		}))
	}
}
