// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

// Package openid implements the relying-party (consumer) side of the
// OpenID 1.x browser-redirect protocol.
//
// # Overview
//
// An OpenID 1.x login is a two-request dance. The relying party first
// resolves the user's claimed identity URL to a provider endpoint
// (discovery), then redirects the browser to that endpoint. The provider
// authenticates the user and redirects the browser back with a signed
// query. Nothing survives in process memory between the two legs, so the
// bridge state travels inside an opaque HMAC-authenticated token that the
// caller must carry across requests (session, cookie, or return_to).
//
// The three operations on Consumer map onto the dance:
//
//	BeginAuth         discovery + token mint; returns an AuthRequest
//	ConstructRedirect association negotiation + redirect URL construction
//	CompleteAuth      callback verification (signature, nonce, token)
//
// # Verification modes
//
// When the store holds a live association for the provider (smart mode),
// callback signatures are checked locally against the shared HMAC-SHA1
// secret negotiated via Diffie-Hellman. When no usable association exists,
// or the store is dumb, the signature is rechecked directly with the
// provider via a check_authentication POST (dumb mode). Either way a
// single-use nonce blocks callback replay.
//
// # Stores and fetchers
//
// Persistence and HTTP are injected. Store keeps the token auth key,
// associations, and nonces; MemoryStore suits tests and single-process
// deployments, BadgerStore persists across restarts, and DumbStore forces
// stateless operation. Fetcher performs the outbound HTTP; HTTPFetcher is
// the default, and ThrottleFetcher/BreakerFetcher wrap any Fetcher with
// per-host rate limiting and circuit breaking.
//
// # Quick start
//
//	store := openid.NewMemoryStore()
//	consumer, err := openid.NewConsumer(store, nil)
//	if err != nil { ... }
//
//	// First request handler:
//	begin := consumer.BeginAuth(ctx, userURL)
//	if begin.Status != openid.StatusSuccess { ... }
//	redirect, err := consumer.ConstructRedirect(ctx, begin.Request, returnTo, trustRoot)
//	// stash begin.Request.Token, then 302 to redirect
//
//	// Callback handler:
//	result := consumer.CompleteAuth(ctx, token, r.URL.Query())
//	switch result.Status {
//	case openid.StatusSuccess:
//	    // result.Identity is the verified claimed URL; empty means the
//	    // user cancelled at the provider.
//	case openid.StatusSetupNeeded:
//	    // immediate-mode deferral; send the user to result.SetupURL.
//	}
//
// Operations never panic across the API boundary; negative outcomes
// collapse into the Status taxonomy and diagnostics go to the logging
// sink. Outbound HTTP honors the caller's context deadline.
//
// Scope: OpenID 1.1 with HMAC-SHA1 associations and DH-SHA1 or plaintext
// association sessions. OpenID 2.0 (Yadis/XRDS discovery, HMAC-SHA256,
// AX/SREG extensions) and provider-side behavior are out of scope.
package openid
