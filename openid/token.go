// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// TokenLifetime bounds how long a minted bridge token remains valid. A
// token exactly this old is still accepted; one second older is not.
// Stores must retain nonces at least this long after issuance.
const TokenLifetime = 300 * time.Second

const (
	nonceLength   = 8
	nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Token parse failures. All collapse to StatusFailure at the API
// boundary; the distinctions exist for logging and tests.
var (
	errTokenBadEncoding  = errors.New("token is not valid base64")
	errTokenTooShort     = errors.New("token shorter than its signature")
	errTokenBadSignature = errors.New("token signature mismatch")
	errTokenBadFields    = errors.New("token does not carry five fields")
	errTokenBadTimestamp = errors.New("token timestamp invalid")
	errTokenExpired      = errors.New("token expired")
)

// tokenFields is the bridge state recovered from a verified token. The
// timestamp is dropped after the lifetime check.
type tokenFields struct {
	Nonce      string
	ConsumerID string
	ServerID   string
	ServerURL  string
}

// mintToken seals the bridge state into an opaque string:
// base64(HMAC-SHA1(authKey, joined) || joined) with joined being the
// decimal timestamp and the four fields NUL-separated.
func mintToken(authKey []byte, now time.Time, nonce, consumerID, serverID, serverURL string) string {
	joined := strings.Join([]string{
		strconv.FormatInt(now.Unix(), 10),
		nonce,
		consumerID,
		serverID,
		serverURL,
	}, "\x00")

	mac := hmac.New(sha1.New, authKey)
	mac.Write([]byte(joined))
	sig := mac.Sum(nil)

	return base64.StdEncoding.EncodeToString(append(sig, joined...))
}

// parseToken authenticates and unpacks a minted token. The HMAC check is
// constant-time; the timestamp must be a nonzero integer no more than
// TokenLifetime in the past.
func parseToken(authKey []byte, now time.Time, token string) (*tokenFields, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, errTokenBadEncoding
	}
	if len(raw) < sha1.Size {
		return nil, errTokenTooShort
	}

	sig, joined := raw[:sha1.Size], raw[sha1.Size:]
	mac := hmac.New(sha1.New, authKey)
	mac.Write(joined)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, errTokenBadSignature
	}

	parts := strings.Split(string(joined), "\x00")
	if len(parts) != 5 {
		return nil, errTokenBadFields
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || ts == 0 {
		return nil, errTokenBadTimestamp
	}
	if ts+int64(TokenLifetime/time.Second) < now.Unix() {
		return nil, errTokenExpired
	}

	return &tokenFields{
		Nonce:      parts[1],
		ConsumerID: parts[2],
		ServerID:   parts[3],
		ServerURL:  parts[4],
	}, nil
}

// newNonce returns a fresh 8-character alphanumeric nonce from crypto/rand.
func newNonce() (string, error) {
	buf := make([]byte, nonceLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return string(buf), nil
}
