// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Key prefixes for BadgerDB storage.
const (
	assocKeyPrefix = "assoc:"
	nonceKeyPrefix = "nonce:"
	authKeyKey     = "authkey"
)

// assocTTLSlack keeps expired association records readable slightly past
// their lifetime so RemoveAssociation on an invalidate_handle still finds
// them; Badger's TTL then reclaims the space.
const assocTTLSlack = time.Hour

var _ Store = (*BadgerStore)(nil)

// BadgerStore implements Store on a shared BadgerDB instance, surviving
// restarts. The auth key is created once and persisted; nonces and
// associations carry TTLs so Badger reclaims them without an external
// sweeper. The store does not own the DB; the caller opens and closes it.
type BadgerStore struct {
	db      *badger.DB
	authKey []byte
}

// NewBadgerStore loads or creates the persistent auth key and returns a
// store backed by the given DB.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	var key []byte

	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(authKeyKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			key = make([]byte, authKeyLength)
			// crypto/rand.Read never fails as of Go 1.24.
			_, _ = rand.Read(key)
			return txn.Set([]byte(authKeyKey), key)
		case err != nil:
			return fmt.Errorf("get auth key: %w", err)
		default:
			return item.Value(func(val []byte) error {
				key = append([]byte(nil), val...)
				return nil
			})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("initialize auth key: %w", err)
	}

	return &BadgerStore{db: db, authKey: key}, nil
}

// AuthKey returns the persisted token auth key.
func (s *BadgerStore) AuthKey(_ context.Context) ([]byte, error) {
	key := make([]byte, len(s.authKey))
	copy(key, s.authKey)
	return key, nil
}

// IsDumb always reports false for BadgerStore.
func (s *BadgerStore) IsDumb() bool { return false }

// StoreAssociation persists an association under the server URL with a
// TTL of its lifetime plus slack.
func (s *BadgerStore) StoreAssociation(_ context.Context, serverURL string, assoc *Association) error {
	data, err := json.Marshal(assoc)
	if err != nil {
		return fmt.Errorf("marshal association: %w", err)
	}

	ttl := time.Duration(assoc.Lifetime)*time.Second + assocTTLSlack
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(assocKeyPrefix+serverURL), data).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

// GetAssociation returns the association stored for the server URL.
func (s *BadgerStore) GetAssociation(_ context.Context, serverURL string) (*Association, error) {
	var assoc Association

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(assocKeyPrefix + serverURL))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrAssociationNotFound
		}
		if err != nil {
			return fmt.Errorf("get association: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &assoc)
		})
	})
	if err != nil {
		return nil, err
	}

	return &assoc, nil
}

// RemoveAssociation deletes the association when its handle matches. The
// read and delete share one transaction, so a concurrent replacement
// either survives intact or wins by conflict.
func (s *BadgerStore) RemoveAssociation(_ context.Context, serverURL, handle string) (bool, error) {
	removed := false

	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(assocKeyPrefix + serverURL)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get association: %w", err)
		}

		var assoc Association
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &assoc)
		}); err != nil {
			return fmt.Errorf("unmarshal association: %w", err)
		}
		if assoc.Handle != handle {
			return nil
		}

		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("delete association: %w", err)
		}
		removed = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// Lost a race against a concurrent writer; treat as not removed.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return removed, nil
}

// StoreNonce records the nonce with the retention-horizon TTL. The value
// is the issue time, for debugging only.
func (s *BadgerStore) StoreNonce(_ context.Context, nonce string) error {
	value := []byte(strconv.FormatInt(time.Now().Unix(), 10))
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(nonceKeyPrefix+nonce), value).WithTTL(nonceRetention)
		return txn.SetEntry(entry)
	})
}

// UseNonce consumes the nonce in a single read-delete transaction.
// Badger's serializable isolation guarantees at most one concurrent
// caller commits the delete; losers observe ErrConflict or a missing key,
// both of which report false.
func (s *BadgerStore) UseNonce(_ context.Context, nonce string) (bool, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := []byte(nonceKeyPrefix + nonce)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound), errors.Is(err, badger.ErrConflict):
		return false, nil
	default:
		return false, fmt.Errorf("use nonce: %w", err)
	}
}

// GC runs Badger's value-log garbage collection until it reports nothing
// left to rewrite. Entry expiry itself is TTL-driven; this only reclaims
// disk. Run it from a periodic janitor, not the request path.
func (s *BadgerStore) GC() error {
	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}
