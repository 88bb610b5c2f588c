// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// defaultFetchTimeout bounds a whole fetch when the caller supplies
	// no client and no context deadline.
	defaultFetchTimeout = 20 * time.Second

	// maxResponseBytes caps response bodies. Identity pages and KV-form
	// responses are small; anything above this is hostile or broken.
	maxResponseBytes = 1 << 20

	fetchUserAgent = "clavis-openid/1.0"
)

// ErrResponseTooLarge is returned when a response body exceeds
// maxResponseBytes.
var ErrResponseTooLarge = errors.New("response body exceeds size limit")

// FetchResult is an HTTP exchange outcome: the status code, the
// post-redirect URL actually served, and the body.
type FetchResult struct {
	Status   int
	FinalURL string
	Body     []byte
}

// Fetcher performs the library's outbound HTTP: discovery GETs and
// associate/check_authentication POSTs. Implementations must follow
// redirects on Get and honor the context deadline.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*FetchResult, error)
	Post(ctx context.Context, rawURL string, form url.Values) (*FetchResult, error)
}

var _ Fetcher = (*HTTPFetcher)(nil)

// HTTPFetcher is the default net/http-backed Fetcher.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher wraps an http.Client; nil selects a default client with
// a sane timeout. Redirect policy comes from the client (the default
// follows up to ten).
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPFetcher{client: client}
}

// Get fetches a URL, following redirects. FinalURL reflects the last
// request in the chain.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build GET request: %w", err)
	}
	return f.do(req)
}

// Post sends an application/x-www-form-urlencoded form.
func (f *HTTPFetcher) Post(ctx context.Context, rawURL string, form url.Values) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return f.do(req)
}

func (f *HTTPFetcher) do(req *http.Request) (*FetchResult, error) {
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side already consumed

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", req.URL.Redacted(), err)
	}
	if len(body) > maxResponseBytes {
		return nil, ErrResponseTooLarge
	}

	return &FetchResult{
		Status:   resp.StatusCode,
		FinalURL: resp.Request.URL.String(),
		Body:     body,
	}, nil
}

// hostKey extracts the scheme+host key used by the throttling and
// circuit-breaking wrappers. Unparseable URLs share one bucket; they
// will fail downstream anyway.
func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}
