// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// newTestBadgerDB opens an in-memory BadgerDB with logging disabled.
func newTestBadgerDB(t *testing.T) *badger.DB {
	t.Helper()

	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close badger: %v", err)
		}
	})
	return db
}

func TestBadgerStoreAuthKeyPersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := newTestBadgerDB(t)

	first, err := NewBadgerStore(db)
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	key1, err := first.AuthKey(ctx)
	if err != nil {
		t.Fatalf("AuthKey: %v", err)
	}
	if len(key1) != authKeyLength {
		t.Errorf("auth key length = %d, want %d", len(key1), authKeyLength)
	}

	// A second store on the same DB must load the same key.
	second, err := NewBadgerStore(db)
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	key2, err := second.AuthKey(ctx)
	if err != nil {
		t.Fatalf("AuthKey: %v", err)
	}
	if string(key1) != string(key2) {
		t.Error("auth key must persist across store instances on the same DB")
	}

	if first.IsDumb() {
		t.Error("BadgerStore must not report dumb")
	}
}

func TestBadgerStoreAssociationLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := NewBadgerStore(newTestBadgerDB(t))
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	serverURL := "http://idp.example/op"

	if _, err := store.GetAssociation(ctx, serverURL); !errors.Is(err, ErrAssociationNotFound) {
		t.Fatalf("expected ErrAssociationNotFound, got %v", err)
	}

	assoc := testAssociation(time.Now().Truncate(time.Second))
	if err := store.StoreAssociation(ctx, serverURL, assoc); err != nil {
		t.Fatalf("StoreAssociation: %v", err)
	}

	got, err := store.GetAssociation(ctx, serverURL)
	if err != nil {
		t.Fatalf("GetAssociation: %v", err)
	}
	if got.Handle != assoc.Handle {
		t.Errorf("handle = %q, want %q", got.Handle, assoc.Handle)
	}
	if string(got.Secret) != string(assoc.Secret) {
		t.Errorf("secret = %q, want %q", got.Secret, assoc.Secret)
	}
	if got.Lifetime != assoc.Lifetime {
		t.Errorf("lifetime = %d, want %d", got.Lifetime, assoc.Lifetime)
	}
	if !got.IssuedAt.Equal(assoc.IssuedAt) {
		t.Errorf("issued at = %v, want %v", got.IssuedAt, assoc.IssuedAt)
	}

	// Wrong handle: no removal.
	removed, err := store.RemoveAssociation(ctx, serverURL, "other-handle")
	if err != nil {
		t.Fatalf("RemoveAssociation: %v", err)
	}
	if removed {
		t.Error("removal with a stale handle must not remove")
	}
	if _, err := store.GetAssociation(ctx, serverURL); err != nil {
		t.Errorf("association vanished after no-op removal: %v", err)
	}

	// Matching handle: removed.
	removed, err = store.RemoveAssociation(ctx, serverURL, assoc.Handle)
	if err != nil {
		t.Fatalf("RemoveAssociation: %v", err)
	}
	if !removed {
		t.Error("removal with the live handle must succeed")
	}
	if _, err := store.GetAssociation(ctx, serverURL); !errors.Is(err, ErrAssociationNotFound) {
		t.Errorf("expected ErrAssociationNotFound after removal, got %v", err)
	}
}

func TestBadgerStoreAssociationReplacement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := NewBadgerStore(newTestBadgerDB(t))
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	serverURL := "http://idp.example/op"

	old := testAssociation(time.Now())
	if err := store.StoreAssociation(ctx, serverURL, old); err != nil {
		t.Fatalf("StoreAssociation: %v", err)
	}

	replacement := testAssociation(time.Now())
	replacement.Handle = "handle-2"
	if err := store.StoreAssociation(ctx, serverURL, replacement); err != nil {
		t.Fatalf("StoreAssociation replacement: %v", err)
	}

	got, err := store.GetAssociation(ctx, serverURL)
	if err != nil {
		t.Fatalf("GetAssociation: %v", err)
	}
	if got.Handle != "handle-2" {
		t.Errorf("handle after replacement = %q, want handle-2", got.Handle)
	}
}

func TestBadgerStoreNonceSingleUse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := NewBadgerStore(newTestBadgerDB(t))
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}

	if err := store.StoreNonce(ctx, "nonce-b"); err != nil {
		t.Fatalf("StoreNonce: %v", err)
	}

	ok, err := store.UseNonce(ctx, "nonce-b")
	if err != nil {
		t.Fatalf("UseNonce: %v", err)
	}
	if !ok {
		t.Error("first use must succeed")
	}

	ok, err = store.UseNonce(ctx, "nonce-b")
	if err != nil {
		t.Fatalf("UseNonce: %v", err)
	}
	if ok {
		t.Error("second use must fail")
	}

	if ok, _ := store.UseNonce(ctx, "never-stored"); ok {
		t.Error("unknown nonce must not consume")
	}
}

func TestBadgerStoreNonceExactlyOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := NewBadgerStore(newTestBadgerDB(t))
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	if err := store.StoreNonce(ctx, "contested"); err != nil {
		t.Fatalf("StoreNonce: %v", err)
	}

	const callers = 32
	var successes atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := store.UseNonce(ctx, "contested")
			if err != nil {
				t.Errorf("UseNonce: %v", err)
				return
			}
			if ok {
				successes.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("UseNonce returned true %d times, want exactly 1", got)
	}
}
