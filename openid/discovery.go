// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"golang.org/x/net/html"

	"github.com/tomtom215/clavis/internal/logging"
)

// discovered is the triple a successful discovery yields: the claimed
// identity URL after redirects, the identity the provider will assert,
// and the provider endpoint. All three are normalized.
type discovered struct {
	ConsumerID string
	ServerID   string
	ServerURL  string
}

// discover resolves a user-entered identity URL to an OpenID provider.
// It normalizes the URL, fetches it following redirects, and scans the
// page head for openid.server and openid.delegate link tags.
func (c *Consumer) discover(ctx context.Context, userURL string) (*discovered, *BeginResult) {
	normalized, err := NormalizeURL(userURL)
	if err != nil {
		logging.Debug().Str("url", userURL).Err(err).Msg("discovery: identity URL rejected")
		return nil, &BeginResult{Status: StatusParseError}
	}

	res, err := c.fetcher.Get(ctx, normalized)
	if err != nil || res == nil {
		logging.Warn().Str("url", normalized).Err(err).Msg("discovery: fetch failed")
		discoveryTotal.WithLabelValues("http_failure").Inc()
		return nil, &BeginResult{Status: StatusHTTPFailure}
	}
	if res.Status != http.StatusOK {
		logging.Debug().Str("url", normalized).Int("status", res.Status).Msg("discovery: non-200 response")
		discoveryTotal.WithLabelValues("http_failure").Inc()
		return nil, &BeginResult{Status: StatusHTTPFailure, HTTPStatus: res.Status}
	}

	serverURL, delegate := findOpenIDLinks(res.Body)
	if serverURL == "" {
		discoveryTotal.WithLabelValues("parse_error").Inc()
		return nil, &BeginResult{Status: StatusParseError}
	}

	// The claimed identity is wherever the redirects landed.
	consumerID, err := NormalizeURL(res.FinalURL)
	if err != nil {
		return nil, &BeginResult{Status: StatusParseError}
	}

	serverID := consumerID
	if delegate != "" {
		if serverID, err = NormalizeURL(delegate); err != nil {
			return nil, &BeginResult{Status: StatusParseError}
		}
	}

	normalizedServer, err := NormalizeURL(serverURL)
	if err != nil {
		return nil, &BeginResult{Status: StatusParseError}
	}

	discoveryTotal.WithLabelValues("success").Inc()
	return &discovered{
		ConsumerID: consumerID,
		ServerID:   serverID,
		ServerURL:  normalizedServer,
	}, nil
}

// findOpenIDLinks scans an identity page for the first link tag whose rel
// contains openid.server and the first whose rel contains openid.delegate.
// Matching is HTML-tolerant: tag and attribute names are case-insensitive,
// attribute values may be quoted or bare, and rel is split on whitespace.
// Scanning stops at the end of the head; identity pages advertise their
// provider there and body-level links are not part of the protocol.
func findOpenIDLinks(body []byte) (serverURL, delegate string) {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return serverURL, delegate

		case html.EndTagToken:
			if name, _ := tokenizer.TagName(); strings.EqualFold(string(name), "head") {
				return serverURL, delegate
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tokenizer.TagName()
			switch {
			case strings.EqualFold(string(name), "body"):
				// Implicitly closed head.
				return serverURL, delegate
			case !strings.EqualFold(string(name), "link") || !hasAttr:
				continue
			}

			var rel, href string
			for {
				key, val, more := tokenizer.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = string(val)
				case "href":
					href = string(val)
				}
				if !more {
					break
				}
			}

			for _, r := range strings.Fields(rel) {
				switch {
				case strings.EqualFold(r, "openid.server") && serverURL == "":
					serverURL = href
				case strings.EqualFold(r, "openid.delegate") && delegate == "":
					delegate = href
				}
			}
			if serverURL != "" && delegate != "" {
				return serverURL, delegate
			}
		}
	}
}
