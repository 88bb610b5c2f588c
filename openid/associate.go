// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tomtom215/clavis/internal/logging"
)

const assocTypeHMACSHA1 = "HMAC-SHA1"

// associationFor returns a usable association for the provider, or nil
// when the relying party must fall back to dumb mode. A dumb store short
// circuits to nil. A stored association is reused unless it is missing,
// or replace is requested and it would expire within TokenLifetime - the
// margin keeps an association alive for the whole login it signs.
//
// Negotiation failures return nil rather than an error: the protocol
// degrades to dumb mode, it does not abort.
func (c *Consumer) associationFor(ctx context.Context, serverURL string, replace bool) *Association {
	if c.store.IsDumb() {
		return nil
	}

	now := c.now()

	stored, err := c.store.GetAssociation(ctx, serverURL)
	switch {
	case err == nil:
		expiring := replace && stored.ExpiresIn(now) < TokenLifetime
		if !stored.Expired(now) && !expiring {
			return stored
		}
	case !errors.Is(err, ErrAssociationNotFound):
		logging.Warn().Str("server_url", serverURL).Err(err).Msg("association lookup failed")
	}

	assoc := c.associate(ctx, serverURL)
	if assoc == nil {
		return nil
	}

	if err := c.store.StoreAssociation(ctx, serverURL, assoc); err != nil {
		logging.Warn().Str("server_url", serverURL).Err(err).Msg("association store failed")
		// Still usable for this login even if persistence failed.
	}
	return assoc
}

// associate performs the openid.mode=associate exchange: a Diffie-Hellman
// key agreement that leaves both sides holding an HMAC-SHA1 secret
// without it ever crossing the wire in the clear.
func (c *Consumer) associate(ctx context.Context, serverURL string) *Association {
	dh, err := newDiffieHellman(nil, nil)
	if err != nil {
		logging.Error().Err(err).Msg("associate: dh keygen failed")
		associateTotal.WithLabelValues("bad_response").Inc()
		return nil
	}

	res, err := c.fetcher.Post(ctx, serverURL, associateRequest(dh))
	if err != nil || res == nil {
		logging.Warn().Str("server_url", serverURL).Err(err).Msg("associate: POST failed")
		associateTotal.WithLabelValues("http_failure").Inc()
		return nil
	}

	reply := ParseKVForm(res.Body)

	switch {
	case res.Status == http.StatusBadRequest:
		// Structured provider error.
		logging.Warn().Str("server_url", serverURL).Str("error", reply["error"]).Msg("associate: provider rejected request")
		associateTotal.WithLabelValues("provider_error").Inc()
		return nil
	case res.Status != http.StatusOK:
		logging.Warn().Str("server_url", serverURL).Int("status", res.Status).Msg("associate: unexpected status")
		associateTotal.WithLabelValues("http_failure").Inc()
		return nil
	}

	assoc := c.parseAssociateReply(serverURL, dh, reply)
	if assoc == nil {
		associateTotal.WithLabelValues("bad_response").Inc()
		return nil
	}

	associateTotal.WithLabelValues("success").Inc()
	logging.Debug().
		Str("server_url", serverURL).
		Str("handle", assoc.Handle).
		Int64("lifetime", assoc.Lifetime).
		Msg("associate: negotiated")
	return assoc
}

// associateRequest builds the associate POST form. Providers assume the
// well-known (p, g); only non-default parameters travel explicitly.
func associateRequest(dh *diffieHellman) url.Values {
	form := url.Values{}
	form.Set("openid.mode", "associate")
	form.Set("openid.assoc_type", assocTypeHMACSHA1)
	form.Set("openid.session_type", "DH-SHA1")
	form.Set("openid.dh_consumer_public", intToBase64(dh.pub))
	if !dh.usesDefaults() {
		form.Set("openid.dh_modulus", intToBase64(dh.p))
		form.Set("openid.dh_gen", intToBase64(dh.g))
	}
	return form
}

// parseAssociateReply validates the KV-form associate response and
// recovers the MAC secret, either directly (plaintext session) or via
// the DH shared secret (DH-SHA1 session).
func (c *Consumer) parseAssociateReply(serverURL string, dh *diffieHellman, reply map[string]string) *Association {
	warn := func(msg string) *Association {
		logging.Warn().Str("server_url", serverURL).Msg("associate: " + msg)
		return nil
	}

	if reply["assoc_type"] != assocTypeHMACSHA1 {
		return warn("unsupported assoc_type " + strconv.Quote(reply["assoc_type"]))
	}
	handle := reply["assoc_handle"]
	if handle == "" {
		return warn("missing assoc_handle")
	}

	var secret []byte
	switch sessionType := reply["session_type"]; sessionType {
	case "":
		// Plaintext session: the provider sent the MAC key directly.
		raw, err := base64.StdEncoding.DecodeString(reply["mac_key"])
		if err != nil || len(raw) == 0 {
			return warn("missing or undecodable mac_key")
		}
		secret = raw

	case "DH-SHA1":
		serverPub, err := base64ToInt(reply["dh_server_public"])
		if err != nil {
			return warn("missing or undecodable dh_server_public")
		}
		encMACKey, err := base64.StdEncoding.DecodeString(reply["enc_mac_key"])
		if err != nil || len(encMACKey) == 0 {
			return warn("missing or undecodable enc_mac_key")
		}

		shared := sha1.Sum(btwoc(dh.sharedSecret(serverPub)))
		if secret, err = xorBytes(shared[:], encMACKey); err != nil {
			return warn("enc_mac_key length mismatch")
		}

	default:
		return warn("unsupported session_type " + strconv.Quote(sessionType))
	}

	lifetime, err := strconv.ParseInt(reply["expires_in"], 10, 64)
	if err != nil || lifetime <= 0 {
		return warn("missing or invalid expires_in")
	}

	return &Association{
		Handle:    handle,
		Secret:    secret,
		AssocType: assocTypeHMACSHA1,
		IssuedAt:  c.now(),
		Lifetime:  lifetime,
	}
}

// checkAuthentication asks the provider to verify a callback signature
// the relying party cannot check itself (dumb mode). signedFields is the
// comma-split openid.signed list; query is the canonicalized callback.
// Returns (valid, invalidateHandle).
func (c *Consumer) checkAuthentication(ctx context.Context, serverURL string, signedFields []string, query url.Values) (bool, string) {
	// Forward every signed field plus the envelope fields the provider
	// needs to locate and validate the signature.
	admitted := map[string]bool{
		"assoc_handle":      true,
		"sig":               true,
		"signed":            true,
		"invalidate_handle": true,
	}
	for _, name := range signedFields {
		admitted[name] = true
	}

	form := url.Values{}
	for key := range query {
		name, ok := strings.CutPrefix(key, "openid.")
		if ok && admitted[name] {
			form.Set(key, query.Get(key))
		}
	}
	form.Set("openid.mode", "check_authentication")

	res, err := c.fetcher.Post(ctx, serverURL, form)
	if err != nil || res == nil {
		logging.Warn().Str("server_url", serverURL).Err(err).Msg("check_authentication: POST failed")
		checkAuthTotal.WithLabelValues("http_failure").Inc()
		return false, ""
	}

	reply := ParseKVForm(res.Body)
	if reply["is_valid"] != "true" {
		if e := reply["error"]; e != "" {
			logging.Warn().Str("server_url", serverURL).Str("error", e).Msg("check_authentication: provider error")
		}
		checkAuthTotal.WithLabelValues("invalid").Inc()
		return false, ""
	}

	checkAuthTotal.WithLabelValues("valid").Inc()
	return true, reply["invalidate_handle"]
}
