// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

// Package web implements the example relying party: a small chi-served
// site that logs users in through the openid consumer and keeps the
// verified identity in a signed session cookie.
package web

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// pendingCookieName carries the bridge token between the login POST and
// the provider callback. It is not a session; it expires with the token.
const pendingCookieName = "clavis_pending"

// ErrNoSession is returned when a request carries no valid session.
var ErrNoSession = errors.New("no valid session")

// Session is a verified login.
type Session struct {
	// ID is the session identifier (JWT ID claim).
	ID string
	// Identity is the verified OpenID identity URL.
	Identity string
	// ExpiresAt is when the session lapses.
	ExpiresAt time.Time
}

// sessionClaims is the JWT payload for a session cookie.
type sessionClaims struct {
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

// SessionManager mints and verifies HS256-signed session cookies.
type SessionManager struct {
	secret     []byte
	cookieName string
	ttl        time.Duration
	secure     bool
	now        func() time.Time
}

// NewSessionManager builds a session manager. secret signs the JWTs and
// must be private to the relying party.
func NewSessionManager(secret []byte, cookieName string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		secret:     secret,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
		now:        time.Now,
	}
}

// Issue creates a session for a verified identity and sets its cookie.
func (m *SessionManager) Issue(w http.ResponseWriter, identity string) (*Session, error) {
	now := m.now()
	session := &Session{
		ID:        uuid.NewString(),
		Identity:  identity,
		ExpiresAt: now.Add(m.ttl),
	}

	claims := sessionClaims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    signed,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return session, nil
}

// Get returns the request's session, or ErrNoSession.
func (m *SessionManager) Get(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil {
		return nil, ErrNoSession
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid || claims.Identity == "" {
		return nil, ErrNoSession
	}

	return &Session{
		ID:        claims.ID,
		Identity:  claims.Identity,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Clear expires the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// setPending stashes the bridge token for the callback handler. The
// OpenID token lifetime bounds the login, so the cookie lives that long.
func (m *SessionManager) setPending(w http.ResponseWriter, token string, lifetime time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     pendingCookieName,
		Value:    token,
		Path:     "/",
		Expires:  m.now().Add(lifetime),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// pending returns the stashed bridge token, clearing the cookie.
func (m *SessionManager) pending(w http.ResponseWriter, r *http.Request) (string, bool) {
	cookie, err := r.Cookie(pendingCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}

	http.SetCookie(w, &http.Cookie{
		Name:     pendingCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return cookie.Value, true
}
