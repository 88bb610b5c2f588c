// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// defaultDHModulusDecimal is the well-known 1024-bit OpenID 1.x modulus
// (hex DCF93A0B...C583AB). Providers assume it when the associate request
// omits openid.dh_modulus.
const defaultDHModulusDecimal = "155172898181473697471232257763715539915724801966915404479707795314057629378541917580651227423698188993727816152646631438561595825688188889951272158842675419950341258706556549803580104870537681476726513255747040765857479291291572334510643245094715007229621094194349783925984760375594985848253359305585439638443"

var (
	// defaultDHModulus and defaultDHGen are the (p, g) a provider assumes
	// when the associate request carries no explicit parameters.
	defaultDHModulus, _ = new(big.Int).SetString(defaultDHModulusDecimal, 10)
	defaultDHGen        = big.NewInt(2)
)

// ErrKeyLengthMismatch is returned when enc_mac_key and the hashed DH
// shared secret differ in length.
var ErrKeyLengthMismatch = errors.New("enc_mac_key length does not match hashed shared secret")

// diffieHellman holds one side of a DH exchange: modulus p, generator g,
// ephemeral private x, and public g^x mod p.
type diffieHellman struct {
	p   *big.Int
	g   *big.Int
	x   *big.Int
	pub *big.Int
}

// newDiffieHellman creates a DH context with a fresh random private key.
// Nil p or g selects the well-known OpenID defaults.
func newDiffieHellman(p, g *big.Int) (*diffieHellman, error) {
	if p == nil {
		p = defaultDHModulus
	}
	if g == nil {
		g = defaultDHGen
	}

	// x uniform in [1, p-2]
	limit := new(big.Int).Sub(p, big.NewInt(2))
	x, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate dh private key: %w", err)
	}
	x.Add(x, big.NewInt(1))

	return &diffieHellman{
		p:   p,
		g:   g,
		x:   x,
		pub: new(big.Int).Exp(g, x, p),
	}, nil
}

// usesDefaults reports whether this context runs on the well-known (p, g),
// in which case the associate request must omit dh_modulus and dh_gen.
func (dh *diffieHellman) usesDefaults() bool {
	return dh.p.Cmp(defaultDHModulus) == 0 && dh.g.Cmp(defaultDHGen) == 0
}

// sharedSecret computes serverPub^x mod p.
func (dh *diffieHellman) sharedSecret(serverPub *big.Int) *big.Int {
	return new(big.Int).Exp(serverPub, dh.x, dh.p)
}

// btwoc encodes a non-negative integer as unsigned big-endian bytes with
// a leading zero byte when the most significant bit would otherwise be
// set, matching the provider side of the wire format.
func btwoc(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	if b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}

// intToBase64 encodes an integer as standard base64 over its btwoc form.
func intToBase64(n *big.Int) string {
	return base64.StdEncoding.EncodeToString(btwoc(n))
}

// base64ToInt decodes a standard-base64 btwoc value into an integer.
func base64ToInt(s string) (*big.Int, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 integer: %w", err)
	}
	if len(b) == 0 {
		return nil, errors.New("empty base64 integer")
	}
	return new(big.Int).SetBytes(b), nil
}

// xorBytes combines two equal-length byte strings. The associate exchange
// recovers the MAC secret as SHA1(btwoc(shared)) XOR enc_mac_key.
func xorBytes(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, ErrKeyLengthMismatch
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}
