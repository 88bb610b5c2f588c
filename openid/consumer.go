// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tomtom215/clavis/internal/logging"
)

// Option configures a Consumer at construction.
type Option func(*Consumer)

// WithImmediate makes ConstructRedirect request checkid_immediate
// instead of checkid_setup: the provider must answer without user
// interaction, deferring with a user_setup_url when it cannot.
func WithImmediate() Option {
	return func(c *Consumer) { c.immediate = true }
}

// WithClock overrides the consumer's time source. Tests use it to pin
// token and association expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// Consumer drives the relying-party side of an OpenID 1.x login. It is
// stateless between calls; everything a login needs lives in the minted
// token and the injected Store. Safe for concurrent use when the Store
// and Fetcher are.
type Consumer struct {
	store     Store
	fetcher   Fetcher
	immediate bool
	now       func() time.Time
}

// NewConsumer builds a Consumer around a Store and a Fetcher. A nil
// fetcher selects HTTPFetcher with default settings.
func NewConsumer(store Store, fetcher Fetcher, opts ...Option) (*Consumer, error) {
	if store == nil {
		return nil, errors.New("openid: store is required")
	}
	if fetcher == nil {
		fetcher = NewHTTPFetcher(nil)
	}

	c := &Consumer{
		store:   store,
		fetcher: fetcher,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BeginAuth starts a login for a user-entered identity URL: discovery,
// then a fresh nonce and bridge token. The caller must carry
// Request.Token to the callback handler (session, cookie, or return_to)
// and then redirect the browser to the ConstructRedirect URL.
func (c *Consumer) BeginAuth(ctx context.Context, userURL string) BeginResult {
	disc, fail := c.discover(ctx, userURL)
	if fail != nil {
		loginsStarted.WithLabelValues(fail.Status.String()).Inc()
		return *fail
	}

	nonce, err := newNonce()
	if err != nil {
		logging.Error().Err(err).Msg("begin_auth: nonce generation failed")
		loginsStarted.WithLabelValues("failure").Inc()
		return BeginResult{Status: StatusFailure}
	}

	authKey, err := c.store.AuthKey(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("begin_auth: auth key unavailable")
		loginsStarted.WithLabelValues("failure").Inc()
		return BeginResult{Status: StatusFailure}
	}

	token := mintToken(authKey, c.now(), nonce, disc.ConsumerID, disc.ServerID, disc.ServerURL)

	loginsStarted.WithLabelValues("success").Inc()
	return BeginResult{
		Status: StatusSuccess,
		Request: &AuthRequest{
			Token:     token,
			ServerID:  disc.ServerID,
			ServerURL: disc.ServerURL,
			Nonce:     nonce,
		},
	}
}

// ConstructRedirect builds the provider URL to send the browser to. It
// opportunistically negotiates an association (replacing one that would
// expire mid-login) and records the nonce so the callback can consume
// it. returnTo is where the provider sends the browser afterwards;
// trustRoot is the URL pattern shown to the user when authorizing.
func (c *Consumer) ConstructRedirect(ctx context.Context, req *AuthRequest, returnTo, trustRoot string) (string, error) {
	if req == nil {
		return "", errors.New("openid: nil auth request")
	}

	mode := "checkid_setup"
	if c.immediate {
		mode = "checkid_immediate"
	}

	query := url.Values{}
	query.Set("openid.mode", mode)
	query.Set("openid.identity", req.ServerID)
	query.Set("openid.return_to", returnTo)
	query.Set("openid.trust_root", trustRoot)
	if assoc := c.associationFor(ctx, req.ServerURL, true); assoc != nil {
		query.Set("openid.assoc_handle", assoc.Handle)
	}

	if err := c.store.StoreNonce(ctx, req.Nonce); err != nil {
		return "", fmt.Errorf("store nonce: %w", err)
	}

	return appendQuery(req.ServerURL, query.Encode()), nil
}

// CompleteAuth verifies the provider's callback. token is the bridge
// token from BeginAuth; query is the callback's parsed parameters.
// A StatusSuccess with an empty Identity means the user cancelled at
// the provider; callers must treat that as not logged in.
func (c *Consumer) CompleteAuth(ctx context.Context, token string, query url.Values) CompleteResult {
	res := c.completeAuth(ctx, token, query)

	outcome := res.Status.String()
	if res.Status == StatusSuccess && res.Identity == "" {
		outcome = "cancel"
	}
	loginsCompleted.WithLabelValues(outcome).Inc()
	return res
}

func (c *Consumer) completeAuth(ctx context.Context, token string, query url.Values) CompleteResult {
	query = canonicalizeQuery(query)

	switch mode := query.Get("openid.mode"); mode {
	case "cancel":
		// Inherited wire quirk: cancellation is a "successful" outcome
		// with no identity.
		return CompleteResult{Status: StatusSuccess}
	case "error":
		logging.Warn().Str("error", query.Get("openid.error")).Msg("complete_auth: provider returned error mode")
		return CompleteResult{Status: StatusFailure}
	case "id_res":
	default:
		logging.Debug().Str("mode", mode).Msg("complete_auth: unexpected mode")
		return CompleteResult{Status: StatusFailure}
	}

	authKey, err := c.store.AuthKey(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("complete_auth: auth key unavailable")
		return CompleteResult{Status: StatusFailure}
	}

	fields, err := parseToken(authKey, c.now(), token)
	if err != nil {
		logging.Debug().Err(err).Msg("complete_auth: token rejected")
		return CompleteResult{Status: StatusFailure}
	}

	fail := CompleteResult{Status: StatusFailure, Identity: fields.ConsumerID}

	returnTo := query.Get("openid.return_to")
	identity := query.Get("openid.identity")
	assocHandle := query.Get("openid.assoc_handle")
	if returnTo == "" || identity == "" || assocHandle == "" {
		logging.Debug().Msg("complete_auth: callback missing required fields")
		return fail
	}
	if identity != fields.ServerID {
		logging.Debug().
			Str("asserted", identity).
			Str("expected", fields.ServerID).
			Msg("complete_auth: identity does not match token")
		return fail
	}

	if setupURL := query.Get("openid.user_setup_url"); setupURL != "" {
		return CompleteResult{Status: StatusSetupNeeded, SetupURL: setupURL}
	}

	assoc := c.usableAssociation(ctx, fields.ServerURL, assocHandle)
	if assoc == nil {
		return c.completeDumb(ctx, fields, query, fail)
	}
	return c.completeSmart(ctx, assoc, fields, query, fail)
}

// usableAssociation loads the stored association for the provider and
// checks it against the handle the callback cites. Nil means dumb mode.
func (c *Consumer) usableAssociation(ctx context.Context, serverURL, handle string) *Association {
	assoc, err := c.store.GetAssociation(ctx, serverURL)
	if err != nil {
		if !errors.Is(err, ErrAssociationNotFound) {
			logging.Warn().Str("server_url", serverURL).Err(err).Msg("complete_auth: association lookup failed")
		}
		return nil
	}
	if assoc.Handle != handle || assoc.Expired(c.now()) {
		return nil
	}
	return assoc
}

// completeSmart verifies the callback signature locally against the
// stored association, then consumes the nonce.
func (c *Consumer) completeSmart(ctx context.Context, assoc *Association, fields *tokenFields, query url.Values, fail CompleteResult) CompleteResult {
	sig := query.Get("openid.sig")
	signed := query.Get("openid.signed")
	if sig == "" || signed == "" {
		logging.Debug().Msg("complete_auth: callback missing sig or signed")
		return fail
	}

	expected := assoc.Sign(strings.Split(signed, ","), query)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		logging.Warn().Str("server_url", fields.ServerURL).Msg("complete_auth: signature mismatch")
		return fail
	}

	return c.consumeNonce(ctx, fields, fail)
}

// completeDumb verifies the callback by asking the provider directly,
// then consumes the nonce. Runs when no stored association matches the
// cited handle, or the store is dumb.
func (c *Consumer) completeDumb(ctx context.Context, fields *tokenFields, query url.Values, fail CompleteResult) CompleteResult {
	signed := query.Get("openid.signed")
	if signed == "" {
		logging.Debug().Msg("complete_auth: dumb recheck requires signed field")
		return fail
	}

	valid, invalidateHandle := c.checkAuthentication(ctx, fields.ServerURL, strings.Split(signed, ","), query)
	if !valid {
		return fail
	}

	if invalidateHandle != "" {
		// The provider disowned a handle we may still be caching.
		if _, err := c.store.RemoveAssociation(ctx, fields.ServerURL, invalidateHandle); err != nil {
			logging.Warn().Str("server_url", fields.ServerURL).Err(err).Msg("complete_auth: invalidate_handle removal failed")
		}
	}

	return c.consumeNonce(ctx, fields, fail)
}

// consumeNonce enforces single use: the callback succeeds only if its
// nonce was issued and never consumed before. Runs after signature
// verification so a forged callback cannot burn a victim's nonce.
func (c *Consumer) consumeNonce(ctx context.Context, fields *tokenFields, fail CompleteResult) CompleteResult {
	used, err := c.store.UseNonce(ctx, fields.Nonce)
	if err != nil {
		logging.Error().Err(err).Msg("complete_auth: nonce consumption errored")
		return fail
	}
	if !used {
		logging.Warn().Str("consumer_id", fields.ConsumerID).Msg("complete_auth: nonce replay rejected")
		nonceReplays.Inc()
		return fail
	}

	return CompleteResult{Status: StatusSuccess, Identity: fields.ConsumerID}
}

// canonicalizeQuery undoes form parsers that rewrite "." to "_" in
// parameter names: keys beginning with openid_ become openid. again.
// The rewrite is limited to that prefix to avoid collisions.
func canonicalizeQuery(query url.Values) url.Values {
	out := make(url.Values, len(query))
	for key, values := range query {
		if rest, ok := strings.CutPrefix(key, "openid_"); ok {
			key = "openid." + rest
		}
		out[key] = values
	}
	return out
}
