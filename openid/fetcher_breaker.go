// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"context"
	"net/url"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/clavis/internal/logging"
)

var _ Fetcher = (*BreakerFetcher)(nil)

// BreakerFetcher wraps a Fetcher with one circuit breaker per
// scheme+host, shielding login handlers from a flapping provider:
// once a provider endpoint fails often enough, further calls fail fast
// instead of tying up request goroutines in timeouts.
//
// Breaker policy: opens at >= 60% failures over a one-minute window with
// at least 10 samples; retries via half-open after 2 minutes with up to
// 3 probe requests. The breaker uses real time; tests exercise the
// wrapped fetcher directly.
type BreakerFetcher struct {
	next Fetcher

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*FetchResult]
}

// NewBreakerFetcher wraps a Fetcher with per-host circuit breaking.
func NewBreakerFetcher(next Fetcher) *BreakerFetcher {
	return &BreakerFetcher{
		next:     next,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*FetchResult]),
	}
}

// Get delegates through the host's breaker.
func (f *BreakerFetcher) Get(ctx context.Context, rawURL string) (*FetchResult, error) {
	return f.breaker(rawURL).Execute(func() (*FetchResult, error) {
		return f.next.Get(ctx, rawURL)
	})
}

// Post delegates through the host's breaker.
func (f *BreakerFetcher) Post(ctx context.Context, rawURL string, form url.Values) (*FetchResult, error) {
	return f.breaker(rawURL).Execute(func() (*FetchResult, error) {
		return f.next.Post(ctx, rawURL, form)
	})
}

func (f *BreakerFetcher) breaker(rawURL string) *gobreaker.CircuitBreaker[*FetchResult] {
	key := hostKey(rawURL)

	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[key]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[*FetchResult](gobreaker.Settings{
		Name:        key,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("fetcher breaker state change")
			breakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
	f.breakers[key] = cb
	return cb
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
