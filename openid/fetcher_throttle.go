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

	"golang.org/x/time/rate"
)

// throttleIdleAfter is how long an unused per-host limiter survives
// before Cleanup removes it.
const throttleIdleAfter = time.Hour

var _ Fetcher = (*ThrottleFetcher)(nil)

// ThrottleFetcher wraps a Fetcher with a token-bucket limiter per
// scheme+host, keeping the relying party polite toward providers. Calls
// block (honoring the context) until the host's bucket grants a token.
type ThrottleFetcher struct {
	next  Fetcher
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*throttleEntry
}

// throttleEntry wraps a limiter with its last access time.
type throttleEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewThrottleFetcher limits outbound calls to each host to perSecond
// sustained with the given burst.
func NewThrottleFetcher(next Fetcher, perSecond float64, burst int) *ThrottleFetcher {
	return &ThrottleFetcher{
		next:     next,
		rate:     rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*throttleEntry),
	}
}

// Get waits for the host's bucket, then delegates.
func (f *ThrottleFetcher) Get(ctx context.Context, rawURL string) (*FetchResult, error) {
	if err := f.wait(ctx, rawURL); err != nil {
		return nil, err
	}
	return f.next.Get(ctx, rawURL)
}

// Post waits for the host's bucket, then delegates.
func (f *ThrottleFetcher) Post(ctx context.Context, rawURL string, form url.Values) (*FetchResult, error) {
	if err := f.wait(ctx, rawURL); err != nil {
		return nil, err
	}
	return f.next.Post(ctx, rawURL, form)
}

func (f *ThrottleFetcher) wait(ctx context.Context, rawURL string) error {
	key := hostKey(rawURL)

	f.mu.Lock()
	entry, ok := f.limiters[key]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(f.rate, f.burst)}
		f.limiters[key] = entry
	}
	entry.lastAccess = time.Now()
	limiter := entry.limiter
	f.mu.Unlock()

	return limiter.Wait(ctx)
}

// Cleanup removes limiters idle past the threshold and returns how many
// were dropped. Run it periodically from a janitor.
func (f *ThrottleFetcher) Cleanup() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	threshold := time.Now().Add(-throttleIdleAfter)
	removed := 0
	for key, entry := range f.limiters {
		if entry.lastAccess.Before(threshold) {
			delete(f.limiters, key)
			removed++
		}
	}
	return removed
}
