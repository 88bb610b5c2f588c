// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider is an in-process OpenID 1.x identity provider for tests.
// It serves identity pages with openid.server (and optionally
// openid.delegate) link tags, answers associate exchanges over DH-SHA1
// or plaintext sessions, verifies check_authentication requests against
// the associations it issued, and signs callback queries the way a real
// provider would.
//
// Zero value is not usable; construct with NewMockProvider and Close
// when done.
type MockProvider struct {
	Server *httptest.Server

	// PlaintextSession makes associate replies carry mac_key directly
	// with no session_type, exercising the plaintext branch.
	PlaintextSession bool

	// AssocLifetime is the expires_in granted to new associations.
	// Defaults to 3600 seconds.
	AssocLifetime int64

	// CheckAuthOverride, when non-empty, is returned as is_valid from
	// check_authentication instead of real verification ("true"/"false").
	CheckAuthOverride string

	// InvalidateHandle, when set, is echoed as invalidate_handle in
	// positive check_authentication replies.
	InvalidateHandle string

	mu         sync.Mutex
	assocs     map[string]*Association // by handle
	delegates  map[string]string       // identity path -> delegate URL
	identities map[string]bool         // known identity paths

	// Counters for asserting which exchanges ran.
	AssociateCalls int
	CheckAuthCalls int
}

// NewMockProvider starts the provider on an httptest server. The OP
// endpoint is Endpoint(); identity pages are added with AddIdentity.
func NewMockProvider() *MockProvider {
	p := &MockProvider{
		AssocLifetime: 3600,
		assocs:        make(map[string]*Association),
		delegates:     make(map[string]string),
		identities:    make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/op", p.handleOP)
	mux.HandleFunc("/id/", p.handleIdentity)
	p.Server = httptest.NewServer(mux)
	return p
}

// Close shuts the underlying server down.
func (p *MockProvider) Close() { p.Server.Close() }

// Endpoint returns the provider's OP URL.
func (p *MockProvider) Endpoint() string { return p.Server.URL + "/op" }

// AddIdentity registers an identity page at /id/<name>. delegate may be
// empty. Returns the identity URL.
func (p *MockProvider) AddIdentity(name, delegate string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.identities[name] = true
	if delegate != "" {
		p.delegates[name] = delegate
	}
	return p.Server.URL + "/id/" + name
}

// AssociationFor returns the issued association with the given handle,
// or nil.
func (p *MockProvider) AssociationFor(handle string) *Association {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.assocs[handle]; ok {
		return a.clone()
	}
	return nil
}

// LastHandle returns the handle of the most recently issued association,
// or "" when none was issued.
func (p *MockProvider) LastHandle() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var last *Association
	handle := ""
	for h, a := range p.assocs {
		if last == nil || a.IssuedAt.After(last.IssuedAt) {
			last, handle = a, h
		}
	}
	return handle
}

// SignedCallback builds a correctly signed id_res callback query for the
// given association handle, asserting identity and returnTo. extra is
// merged in after signing, so tests can append unsigned noise.
func (p *MockProvider) SignedCallback(handle, identity, returnTo string, extra url.Values) url.Values {
	p.mu.Lock()
	assoc := p.assocs[handle]
	p.mu.Unlock()
	if assoc == nil {
		panic(fmt.Sprintf("mock provider: unknown handle %q", handle))
	}

	query := url.Values{}
	query.Set("openid.mode", "id_res")
	query.Set("openid.identity", identity)
	query.Set("openid.return_to", returnTo)
	query.Set("openid.assoc_handle", handle)

	signed := []string{"mode", "identity", "return_to"}
	query.Set("openid.signed", strings.Join(signed, ","))
	query.Set("openid.sig", assoc.Sign(signed, query))

	for key, values := range extra {
		query[key] = values
	}
	return query
}

// handleIdentity serves a minimal identity page advertising the OP.
func (p *MockProvider) handleIdentity(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/id/")

	p.mu.Lock()
	known := p.identities[name]
	delegate := p.delegates[name]
	p.mu.Unlock()

	if !known {
		http.NotFound(w, r)
		return
	}

	var b strings.Builder
	b.WriteString("<html><head>\n")
	fmt.Fprintf(&b, "<link rel=%q href=%q>\n", "openid.server", p.Endpoint())
	if delegate != "" {
		fmt.Fprintf(&b, "<link rel=%q href=%q>\n", "openid.delegate", delegate)
	}
	b.WriteString("<title>identity</title>\n</head><body>hello</body></html>\n")

	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(b.String()))
}

// handleOP dispatches the direct POST modes.
func (p *MockProvider) handleOP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	switch mode := r.PostFormValue("openid.mode"); mode {
	case "associate":
		p.handleAssociate(w, r)
	case "check_authentication":
		p.handleCheckAuth(w, r)
	default:
		p.writeKV(w, http.StatusBadRequest, []string{"error"},
			map[string]string{"error": "unsupported mode " + mode})
	}
}

func (p *MockProvider) handleAssociate(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.AssociateCalls++
	p.mu.Unlock()

	if at := r.PostFormValue("openid.assoc_type"); at != assocTypeHMACSHA1 {
		p.writeKV(w, http.StatusBadRequest, []string{"error"},
			map[string]string{"error": "unsupported assoc_type " + at})
		return
	}

	secret := make([]byte, sha1.Size)
	_, _ = rand.Read(secret)

	assoc := &Association{
		Handle:    uuid.NewString(),
		Secret:    secret,
		AssocType: assocTypeHMACSHA1,
		IssuedAt:  time.Now(),
		Lifetime:  p.AssocLifetime,
	}

	p.mu.Lock()
	p.assocs[assoc.Handle] = assoc
	plaintext := p.PlaintextSession
	p.mu.Unlock()

	reply := map[string]string{
		"assoc_type":   assocTypeHMACSHA1,
		"assoc_handle": assoc.Handle,
		"expires_in":   fmt.Sprintf("%d", assoc.Lifetime),
	}
	order := []string{"assoc_type", "assoc_handle", "expires_in"}

	if plaintext {
		reply["mac_key"] = base64.StdEncoding.EncodeToString(secret)
		order = append(order, "mac_key")
		p.writeKV(w, http.StatusOK, order, reply)
		return
	}

	// DH-SHA1: derive the shared secret from the consumer's public key
	// and encrypt the MAC key against its hash.
	consumerPub, err := base64ToInt(r.PostFormValue("openid.dh_consumer_public"))
	if err != nil {
		p.writeKV(w, http.StatusBadRequest, []string{"error"},
			map[string]string{"error": "bad dh_consumer_public"})
		return
	}

	// Default (p, g) unless the request carries explicit parameters.
	modulus, gen := defaultDHModulus, defaultDHGen
	if m := r.PostFormValue("openid.dh_modulus"); m != "" {
		if modulus, err = base64ToInt(m); err != nil {
			p.writeKV(w, http.StatusBadRequest, []string{"error"},
				map[string]string{"error": "bad dh_modulus"})
			return
		}
	}
	if g := r.PostFormValue("openid.dh_gen"); g != "" {
		if gen, err = base64ToInt(g); err != nil {
			p.writeKV(w, http.StatusBadRequest, []string{"error"},
				map[string]string{"error": "bad dh_gen"})
			return
		}
	}

	y, _ := rand.Int(rand.Reader, new(big.Int).Sub(modulus, big.NewInt(2)))
	y.Add(y, big.NewInt(1))
	serverPub := new(big.Int).Exp(gen, y, modulus)
	shared := sha1.Sum(btwoc(new(big.Int).Exp(consumerPub, y, modulus)))

	encMACKey, err := xorBytes(shared[:], secret)
	if err != nil {
		http.Error(w, "secret length mismatch", http.StatusInternalServerError)
		return
	}

	reply["session_type"] = "DH-SHA1"
	reply["dh_server_public"] = intToBase64(serverPub)
	reply["enc_mac_key"] = base64.StdEncoding.EncodeToString(encMACKey)
	order = append(order, "session_type", "dh_server_public", "enc_mac_key")
	p.writeKV(w, http.StatusOK, order, reply)
}

func (p *MockProvider) handleCheckAuth(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.CheckAuthCalls++
	override := p.CheckAuthOverride
	invalidate := p.InvalidateHandle
	assoc := p.assocs[r.PostFormValue("openid.assoc_handle")]
	p.mu.Unlock()

	valid := "false"
	switch {
	case override != "":
		valid = override
	case assoc != nil:
		signed := strings.Split(r.PostFormValue("openid.signed"), ",")
		// The signature was produced over mode=id_res.
		query := url.Values{}
		for key := range r.PostForm {
			query.Set(key, r.PostFormValue(key))
		}
		query.Set("openid.mode", "id_res")
		if assoc.Sign(signed, query) == r.PostFormValue("openid.sig") {
			valid = "true"
		}
	}

	reply := map[string]string{"is_valid": valid}
	order := []string{"is_valid"}
	if valid == "true" && invalidate != "" {
		reply["invalidate_handle"] = invalidate
		order = append(order, "invalidate_handle")
	}
	p.writeKV(w, http.StatusOK, order, reply)
}

func (p *MockProvider) writeKV(w http.ResponseWriter, status int, order []string, values map[string]string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write(BuildKVForm(order, values))
}
