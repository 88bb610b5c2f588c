// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFindOpenIDLinks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		body         string
		wantServer   string
		wantDelegate string
	}{
		{
			name:       "plain_quoted",
			body:       `<html><head><link rel="openid.server" href="http://idp.example/op"></head></html>`,
			wantServer: "http://idp.example/op",
		},
		{
			name:       "uppercase_tag_and_attrs",
			body:       `<HTML><HEAD><LINK REL="OpenID.Server" HREF="http://idp.example/op"></HEAD></HTML>`,
			wantServer: "http://idp.example/op",
		},
		{
			name:       "unquoted_attribute_values",
			body:       `<head><link rel=openid.server href=http://idp.example/op></head>`,
			wantServer: "http://idp.example/op",
		},
		{
			name:       "multi_valued_rel",
			body:       `<head><link rel="stylesheet openid.server alternate" href="http://idp.example/op"></head>`,
			wantServer: "http://idp.example/op",
		},
		{
			name: "server_and_delegate",
			body: `<head>
				<link rel="openid.server" href="http://idp.example/op">
				<link rel="openid.delegate" href="http://alice.id.example/">
			</head>`,
			wantServer:   "http://idp.example/op",
			wantDelegate: "http://alice.id.example/",
		},
		{
			name: "first_link_wins",
			body: `<head>
				<link rel="openid.server" href="http://first.example/op">
				<link rel="openid.server" href="http://second.example/op">
			</head>`,
			wantServer: "http://first.example/op",
		},
		{
			name: "body_links_ignored",
			body: `<html><head><title>x</title></head>
				<body><link rel="openid.server" href="http://idp.example/op"></body></html>`,
		},
		{
			name: "no_openid_links",
			body: `<head><link rel="stylesheet" href="/style.css"></head>`,
		},
		{
			name: "not_html_at_all",
			body: `just some text with openid.server in it`,
		},
		{
			name:       "unterminated_markup",
			body:       `<head><link rel="openid.server" href="http://idp.example/op"`,
			wantServer: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server, delegate := findOpenIDLinks([]byte(tt.body))
			if server != tt.wantServer {
				t.Errorf("server = %q, want %q", server, tt.wantServer)
			}
			if delegate != tt.wantDelegate {
				t.Errorf("delegate = %q, want %q", delegate, tt.wantDelegate)
			}
		})
	}
}

func TestBeginAuthDiscovery(t *testing.T) {
	t.Parallel()

	t.Run("follows_redirect_to_final_url", func(t *testing.T) {
		t.Parallel()

		mux := http.NewServeMux()
		mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/new", http.StatusFound)
		})
		mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<head><link rel="openid.server" href="http://idp.example/op"></head>`))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		consumer, err := NewConsumer(NewMemoryStore(), nil)
		if err != nil {
			t.Fatalf("NewConsumer: %v", err)
		}

		begin := consumer.BeginAuth(context.Background(), srv.URL+"/old")
		if begin.Status != StatusSuccess {
			t.Fatalf("status = %v, want success", begin.Status)
		}
		if begin.Request.ServerID != srv.URL+"/new" {
			t.Errorf("server id = %q, want post-redirect URL %q", begin.Request.ServerID, srv.URL+"/new")
		}
		if begin.Request.ServerURL != "http://idp.example/op" {
			t.Errorf("server url = %q", begin.Request.ServerURL)
		}
	})

	t.Run("non_200_is_http_failure", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		defer srv.Close()

		consumer, _ := NewConsumer(NewMemoryStore(), nil)
		begin := consumer.BeginAuth(context.Background(), srv.URL)
		if begin.Status != StatusHTTPFailure {
			t.Fatalf("status = %v, want http_failure", begin.Status)
		}
		if begin.HTTPStatus != http.StatusNotFound {
			t.Errorf("http status = %d, want 404", begin.HTTPStatus)
		}
	})

	t.Run("unreachable_host_is_http_failure", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close() // port now refuses connections

		consumer, _ := NewConsumer(NewMemoryStore(), nil)
		if begin := consumer.BeginAuth(context.Background(), srv.URL); begin.Status != StatusHTTPFailure {
			t.Errorf("status = %v, want http_failure", begin.Status)
		}
	})

	t.Run("page_without_server_link_is_parse_error", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<head><title>no links here</title></head>`))
		}))
		defer srv.Close()

		consumer, _ := NewConsumer(NewMemoryStore(), nil)
		if begin := consumer.BeginAuth(context.Background(), srv.URL); begin.Status != StatusParseError {
			t.Errorf("status = %v, want parse_error", begin.Status)
		}
	})

	t.Run("garbage_identity_url_is_parse_error", func(t *testing.T) {
		t.Parallel()

		consumer, _ := NewConsumer(NewMemoryStore(), nil)
		if begin := consumer.BeginAuth(context.Background(), "   "); begin.Status != StatusParseError {
			t.Errorf("status = %v, want parse_error", begin.Status)
		}
	})
}
