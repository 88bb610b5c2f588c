// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"bytes"
	"context"
	"math/big"
	"net/http"
	"net/url"
	"testing"
	"time"
)

// scriptedFetcher returns canned responses and records what was sent.
type scriptedFetcher struct {
	getRes  *FetchResult
	postRes *FetchResult
	err     error

	postURLs  []string
	postForms []url.Values
}

func (f *scriptedFetcher) Get(_ context.Context, _ string) (*FetchResult, error) {
	return f.getRes, f.err
}

func (f *scriptedFetcher) Post(_ context.Context, rawURL string, form url.Values) (*FetchResult, error) {
	f.postURLs = append(f.postURLs, rawURL)
	f.postForms = append(f.postForms, form)
	return f.postRes, f.err
}

func kvResult(status int, order []string, values map[string]string) *FetchResult {
	return &FetchResult{Status: status, Body: BuildKVForm(order, values)}
}

func newTestConsumer(t *testing.T, store Store, fetcher Fetcher, opts ...Option) *Consumer {
	t.Helper()
	c, err := NewConsumer(store, fetcher, opts...)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	return c
}

func TestAssociateRequestParameters(t *testing.T) {
	t.Parallel()

	t.Run("default_group_omits_modulus_and_gen", func(t *testing.T) {
		t.Parallel()

		dh, err := newDiffieHellman(nil, nil)
		if err != nil {
			t.Fatalf("newDiffieHellman: %v", err)
		}

		form := associateRequest(dh)
		if form.Get("openid.mode") != "associate" {
			t.Errorf("mode = %q", form.Get("openid.mode"))
		}
		if form.Get("openid.assoc_type") != "HMAC-SHA1" {
			t.Errorf("assoc_type = %q", form.Get("openid.assoc_type"))
		}
		if form.Get("openid.session_type") != "DH-SHA1" {
			t.Errorf("session_type = %q", form.Get("openid.session_type"))
		}
		if form.Get("openid.dh_consumer_public") == "" {
			t.Error("dh_consumer_public missing")
		}
		if form.Has("openid.dh_modulus") || form.Has("openid.dh_gen") {
			t.Error("default group must not transmit dh_modulus/dh_gen")
		}
	})

	t.Run("custom_group_includes_both", func(t *testing.T) {
		t.Parallel()

		// A small (insecure) prime is fine for wire-format checks.
		dh, err := newDiffieHellman(big.NewInt(23), big.NewInt(5))
		if err != nil {
			t.Fatalf("newDiffieHellman: %v", err)
		}

		form := associateRequest(dh)
		if !form.Has("openid.dh_modulus") || !form.Has("openid.dh_gen") {
			t.Fatal("custom group must transmit dh_modulus and dh_gen")
		}

		mod, err := base64ToInt(form.Get("openid.dh_modulus"))
		if err != nil {
			t.Fatalf("decode dh_modulus: %v", err)
		}
		if mod.Cmp(big.NewInt(23)) != 0 {
			t.Errorf("dh_modulus = %v, want 23", mod)
		}
	})
}

func TestAssociateNegotiation(t *testing.T) {
	t.Parallel()

	t.Run("dh_sha1_recovers_provider_secret", func(t *testing.T) {
		t.Parallel()

		provider := NewMockProvider()
		defer provider.Close()

		store := NewMemoryStore()
		consumer := newTestConsumer(t, store, nil)

		assoc := consumer.associationFor(context.Background(), provider.Endpoint(), false)
		if assoc == nil {
			t.Fatal("associationFor returned nil")
		}

		issued := provider.AssociationFor(assoc.Handle)
		if issued == nil {
			t.Fatalf("provider does not know handle %q", assoc.Handle)
		}
		if !bytes.Equal(assoc.Secret, issued.Secret) {
			t.Error("negotiated secret differs from provider's")
		}

		stored, err := store.GetAssociation(context.Background(), provider.Endpoint())
		if err != nil {
			t.Fatalf("GetAssociation: %v", err)
		}
		if stored.Handle != assoc.Handle {
			t.Errorf("stored handle = %q, want %q", stored.Handle, assoc.Handle)
		}
	})

	t.Run("plaintext_session_uses_mac_key_directly", func(t *testing.T) {
		t.Parallel()

		provider := NewMockProvider()
		provider.PlaintextSession = true
		defer provider.Close()

		consumer := newTestConsumer(t, NewMemoryStore(), nil)

		assoc := consumer.associationFor(context.Background(), provider.Endpoint(), false)
		if assoc == nil {
			t.Fatal("associationFor returned nil")
		}
		issued := provider.AssociationFor(assoc.Handle)
		if !bytes.Equal(assoc.Secret, issued.Secret) {
			t.Error("plaintext secret differs from provider's")
		}
	})

	t.Run("dumb_store_skips_negotiation", func(t *testing.T) {
		t.Parallel()

		fetcher := &scriptedFetcher{}
		consumer := newTestConsumer(t, NewDumbStore("secret"), fetcher)

		if assoc := consumer.associationFor(context.Background(), "http://idp.example/op", true); assoc != nil {
			t.Fatal("dumb store must not yield an association")
		}
		if len(fetcher.postForms) != 0 {
			t.Errorf("associate POSTed %d times, want 0", len(fetcher.postForms))
		}
	})
}

func TestAssociateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		res  *FetchResult
	}{
		{
			name: "http_400_provider_error",
			res:  kvResult(http.StatusBadRequest, []string{"error"}, map[string]string{"error": "no dice"}),
		},
		{
			name: "http_500",
			res:  kvResult(http.StatusInternalServerError, nil, nil),
		},
		{
			name: "missing_assoc_handle",
			res: kvResult(http.StatusOK, []string{"assoc_type", "expires_in"}, map[string]string{
				"assoc_type": "HMAC-SHA1",
				"expires_in": "3600",
			}),
		},
		{
			name: "wrong_assoc_type",
			res: kvResult(http.StatusOK, []string{"assoc_type", "assoc_handle", "expires_in"}, map[string]string{
				"assoc_type":   "HMAC-SHA256",
				"assoc_handle": "h",
				"expires_in":   "3600",
			}),
		},
		{
			name: "unknown_session_type",
			res: kvResult(http.StatusOK, []string{"assoc_type", "assoc_handle", "session_type", "expires_in"}, map[string]string{
				"assoc_type":   "HMAC-SHA1",
				"assoc_handle": "h",
				"session_type": "DH-SHA256",
				"expires_in":   "3600",
			}),
		},
		{
			name: "dh_reply_missing_server_public",
			res: kvResult(http.StatusOK, []string{"assoc_type", "assoc_handle", "session_type", "enc_mac_key", "expires_in"}, map[string]string{
				"assoc_type":   "HMAC-SHA1",
				"assoc_handle": "h",
				"session_type": "DH-SHA1",
				"enc_mac_key":  "AAAA",
				"expires_in":   "3600",
			}),
		},
		{
			name: "enc_mac_key_wrong_length",
			res: kvResult(http.StatusOK, []string{"assoc_type", "assoc_handle", "session_type", "dh_server_public", "enc_mac_key", "expires_in"}, map[string]string{
				"assoc_type":       "HMAC-SHA1",
				"assoc_handle":     "h",
				"session_type":     "DH-SHA1",
				"dh_server_public": intToBase64(big.NewInt(42)),
				"enc_mac_key":      "AAAA", // 3 bytes, not 20
				"expires_in":       "3600",
			}),
		},
		{
			name: "missing_expires_in",
			res: kvResult(http.StatusOK, []string{"assoc_type", "assoc_handle"}, map[string]string{
				"assoc_type":   "HMAC-SHA1",
				"assoc_handle": "h",
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fetcher := &scriptedFetcher{postRes: tt.res}
			consumer := newTestConsumer(t, NewMemoryStore(), fetcher)

			if assoc := consumer.associate(context.Background(), "http://idp.example/op"); assoc != nil {
				t.Errorf("associate = %+v, want nil", assoc)
			}
		})
	}
}

func TestAssociationReuse(t *testing.T) {
	t.Parallel()

	t.Run("live_association_reused", func(t *testing.T) {
		t.Parallel()

		provider := NewMockProvider()
		defer provider.Close()

		consumer := newTestConsumer(t, NewMemoryStore(), nil)

		first := consumer.associationFor(context.Background(), provider.Endpoint(), true)
		second := consumer.associationFor(context.Background(), provider.Endpoint(), true)
		if first == nil || second == nil {
			t.Fatal("negotiation failed")
		}
		if first.Handle != second.Handle {
			t.Errorf("handles differ: %q vs %q, want reuse", first.Handle, second.Handle)
		}
		if provider.AssociateCalls != 1 {
			t.Errorf("associate calls = %d, want 1", provider.AssociateCalls)
		}
	})

	t.Run("replace_renegotiates_expiring_association", func(t *testing.T) {
		t.Parallel()

		provider := NewMockProvider()
		defer provider.Close()

		store := NewMemoryStore()

		// Plant an association with less than TokenLifetime left.
		expiring := &Association{
			Handle:    "stale-handle",
			Secret:    []byte("00000000000000000000"),
			AssocType: "HMAC-SHA1",
			IssuedAt:  time.Now().Add(-time.Hour),
			Lifetime:  3600 + 60, // 60s remaining
		}
		if err := store.StoreAssociation(context.Background(), provider.Endpoint(), expiring); err != nil {
			t.Fatalf("StoreAssociation: %v", err)
		}

		consumer := newTestConsumer(t, store, nil)

		replaced := consumer.associationFor(context.Background(), provider.Endpoint(), true)
		if replaced == nil {
			t.Fatal("associationFor returned nil")
		}
		if replaced.Handle == "stale-handle" {
			t.Error("expiring association was not replaced")
		}

		// Without replace the same expiring association is still good.
		reused := consumer.associationFor(context.Background(), provider.Endpoint(), false)
		if reused.Handle != replaced.Handle {
			t.Errorf("handle = %q, want freshly stored %q", reused.Handle, replaced.Handle)
		}
	})
}
