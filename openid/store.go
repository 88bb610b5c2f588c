// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"sync"
	"time"
)

// ErrAssociationNotFound is returned when no association is stored for a
// server URL.
var ErrAssociationNotFound = errors.New("association not found")

// authKeyLength is the size of the token auth key: HMAC-SHA1 block-friendly
// 20 bytes, matching the hash output.
const authKeyLength = 20

// nonceRetention is how long stores keep unconsumed nonces. Tokens are
// rejected after TokenLifetime, so anything older can never verify again.
const nonceRetention = 2 * TokenLifetime

// Association is a negotiated MAC secret for one provider endpoint. It is
// valid while ExpiresIn is positive and its handle matches the one the
// provider cites in a callback.
type Association struct {
	// Handle is the opaque identifier assigned by the provider.
	Handle string `json:"handle"`

	// Secret is the shared HMAC key.
	Secret []byte `json:"secret"`

	// AssocType is exactly "HMAC-SHA1" in this library.
	AssocType string `json:"assoc_type"`

	// IssuedAt is when the consumer obtained the association.
	IssuedAt time.Time `json:"issued_at"`

	// Lifetime is the provider-granted validity in seconds.
	Lifetime int64 `json:"lifetime"`
}

// ExpiresIn returns the remaining validity at the given instant, floored
// at zero.
func (a *Association) ExpiresIn(now time.Time) time.Duration {
	d := a.IssuedAt.Add(time.Duration(a.Lifetime) * time.Second).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Expired reports whether the association can no longer verify callbacks.
func (a *Association) Expired(now time.Time) bool {
	return a.ExpiresIn(now) <= 0
}

// Sign computes the base64 HMAC-SHA1 signature over the named query
// fields, in order, exactly as a provider produces openid.sig.
func (a *Association) Sign(fields []string, query url.Values) string {
	mac := hmac.New(sha1.New, a.Secret)
	mac.Write(signatureBase(fields, query))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// clone returns a deep copy so callers cannot mutate stored state.
func (a *Association) clone() *Association {
	c := *a
	c.Secret = make([]byte, len(a.Secret))
	copy(c.Secret, a.Secret)
	return &c
}

// Store is the persistence contract the relying party supplies. All
// implementations must be safe for concurrent use; UseNonce in particular
// must be atomic, returning true for exactly one caller per nonce.
type Store interface {
	// AuthKey returns the secret used to HMAC bridge tokens. It must stay
	// stable for the store's lifetime; rotating it invalidates every
	// outstanding token.
	AuthKey(ctx context.Context) ([]byte, error)

	// IsDumb reports whether the store refuses association state, forcing
	// dumb-mode verification.
	IsDumb() bool

	// StoreAssociation persists an association under the server URL,
	// replacing any previous one. Last write wins under concurrency.
	StoreAssociation(ctx context.Context, serverURL string, assoc *Association) error

	// GetAssociation returns the association stored for the server URL,
	// or ErrAssociationNotFound.
	GetAssociation(ctx context.Context, serverURL string) (*Association, error)

	// RemoveAssociation deletes the association with the given handle.
	// Returns true when something was removed.
	RemoveAssociation(ctx context.Context, serverURL, handle string) (bool, error)

	// StoreNonce records that a nonce was issued.
	StoreNonce(ctx context.Context, nonce string) error

	// UseNonce atomically consumes a nonce: true iff it existed and had
	// not been used before.
	UseNonce(ctx context.Context, nonce string) (bool, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*DumbStore)(nil)
)

// MemoryStore is a mutex-guarded in-memory Store. Suitable for tests and
// single-process deployments; the auth key is fresh per instance, so
// tokens do not survive restarts. For durability use BadgerStore.
type MemoryStore struct {
	mu      sync.Mutex
	authKey []byte
	assocs  map[string]*Association
	nonces  map[string]time.Time
}

// NewMemoryStore creates an in-memory store with a random 20-byte auth key.
func NewMemoryStore() *MemoryStore {
	key := make([]byte, authKeyLength)
	// crypto/rand.Read never fails as of Go 1.24.
	_, _ = rand.Read(key)

	return &MemoryStore{
		authKey: key,
		assocs:  make(map[string]*Association),
		nonces:  make(map[string]time.Time),
	}
}

// AuthKey returns the instance's token auth key.
func (s *MemoryStore) AuthKey(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := make([]byte, len(s.authKey))
	copy(key, s.authKey)
	return key, nil
}

// IsDumb always reports false for MemoryStore.
func (s *MemoryStore) IsDumb() bool { return false }

// StoreAssociation persists an association under the server URL.
func (s *MemoryStore) StoreAssociation(_ context.Context, serverURL string, assoc *Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assocs[serverURL] = assoc.clone()
	return nil
}

// GetAssociation returns the stored association for the server URL.
func (s *MemoryStore) GetAssociation(_ context.Context, serverURL string) (*Association, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assoc, ok := s.assocs[serverURL]
	if !ok {
		return nil, ErrAssociationNotFound
	}
	return assoc.clone(), nil
}

// RemoveAssociation deletes the association if its handle matches.
func (s *MemoryStore) RemoveAssociation(_ context.Context, serverURL, handle string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assoc, ok := s.assocs[serverURL]
	if !ok || assoc.Handle != handle {
		return false, nil
	}
	delete(s.assocs, serverURL)
	return true, nil
}

// StoreNonce records the nonce with its issue time.
func (s *MemoryStore) StoreNonce(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nonces[nonce] = time.Now()
	return nil
}

// UseNonce consumes the nonce. The mutex makes the check-and-delete
// atomic: exactly one caller observes true.
func (s *MemoryStore) UseNonce(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nonces[nonce]; !ok {
		return false, nil
	}
	delete(s.nonces, nonce)
	return true, nil
}

// GC sweeps nonces past the retention horizon and expired associations,
// returning the number of entries removed. The library does not call
// this; run it from a periodic janitor.
func (s *MemoryStore) GC(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for nonce, issued := range s.nonces {
		if now.Sub(issued) > nonceRetention {
			delete(s.nonces, nonce)
			removed++
		}
	}
	for serverURL, assoc := range s.assocs {
		if assoc.Expired(now) {
			delete(s.assocs, serverURL)
			removed++
		}
	}
	return removed
}

// DumbStore is a stateless Store for relying parties that cannot persist
// anything. The auth key is derived from a caller-supplied secret phrase,
// associations are never kept, and nonces always consume successfully, so
// dumb mode trades replay protection for statelessness. Prefer a real
// store whenever one is available.
type DumbStore struct {
	authKey []byte
}

// NewDumbStore derives a stateless store from a secret phrase. The phrase
// must be private to the relying party and identical across instances.
func NewDumbStore(secret string) *DumbStore {
	sum := sha1.Sum([]byte(secret))
	return &DumbStore{authKey: sum[:]}
}

// AuthKey returns the SHA-1 digest of the secret phrase.
func (s *DumbStore) AuthKey(_ context.Context) ([]byte, error) {
	key := make([]byte, len(s.authKey))
	copy(key, s.authKey)
	return key, nil
}

// IsDumb always reports true, forcing dumb-mode verification.
func (s *DumbStore) IsDumb() bool { return true }

// StoreAssociation discards the association.
func (s *DumbStore) StoreAssociation(_ context.Context, _ string, _ *Association) error {
	return nil
}

// GetAssociation always reports no association.
func (s *DumbStore) GetAssociation(_ context.Context, _ string) (*Association, error) {
	return nil, ErrAssociationNotFound
}

// RemoveAssociation never removes anything.
func (s *DumbStore) RemoveAssociation(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

// StoreNonce discards the nonce.
func (s *DumbStore) StoreNonce(_ context.Context, _ string) error { return nil }

// UseNonce always succeeds; a dumb store cannot detect replay.
func (s *DumbStore) UseNonce(_ context.Context, _ string) (bool, error) {
	return true, nil
}
