// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
)

func TestDefaultDHModulus(t *testing.T) {
	t.Parallel()

	if defaultDHModulus == nil {
		t.Fatal("default modulus failed to parse")
	}
	if got := defaultDHModulus.BitLen(); got != 1024 {
		t.Errorf("default modulus bit length = %d, want 1024", got)
	}
	if defaultDHGen.Int64() != 2 {
		t.Errorf("default generator = %v, want 2", defaultDHGen)
	}
}

func TestDiffieHellmanKeyAgreement(t *testing.T) {
	t.Parallel()

	consumer, err := newDiffieHellman(nil, nil)
	if err != nil {
		t.Fatalf("consumer dh: %v", err)
	}
	server, err := newDiffieHellman(nil, nil)
	if err != nil {
		t.Fatalf("server dh: %v", err)
	}

	s1 := consumer.sharedSecret(server.pub)
	s2 := server.sharedSecret(consumer.pub)
	if s1.Cmp(s2) != 0 {
		t.Error("both sides must derive the same shared secret")
	}
}

func TestDiffieHellmanUsesDefaults(t *testing.T) {
	t.Parallel()

	dh, err := newDiffieHellman(nil, nil)
	if err != nil {
		t.Fatalf("newDiffieHellman: %v", err)
	}
	if !dh.usesDefaults() {
		t.Error("nil (p, g) must select the well-known defaults")
	}

	custom, err := newDiffieHellman(big.NewInt(23), big.NewInt(5))
	if err != nil {
		t.Fatalf("newDiffieHellman custom: %v", err)
	}
	if custom.usesDefaults() {
		t.Error("custom (p, g) must not report defaults")
	}
}

func TestBtwoc(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input int64
		want  []byte
	}{
		{"zero", 0, []byte{0}},
		{"small_positive", 1, []byte{1}},
		{"below_msb", 127, []byte{127}},
		{"msb_set_gets_leading_zero", 128, []byte{0, 128}},
		{"two_fifty_five", 255, []byte{0, 255}},
		{"two_bytes", 256, []byte{1, 0}},
		{"msb_of_second_byte", 32768, []byte{0, 128, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := btwoc(big.NewInt(tt.input))
			if !bytes.Equal(got, tt.want) {
				t.Errorf("btwoc(%d) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIntBase64RoundTrip(t *testing.T) {
	t.Parallel()

	values := []*big.Int{
		big.NewInt(1),
		big.NewInt(128),
		big.NewInt(65537),
		new(big.Int).Sub(defaultDHModulus, big.NewInt(1)),
	}

	for _, v := range values {
		encoded := intToBase64(v)
		decoded, err := base64ToInt(encoded)
		if err != nil {
			t.Fatalf("base64ToInt(%q): %v", encoded, err)
		}
		if decoded.Cmp(v) != 0 {
			t.Errorf("round trip of %v = %v", v, decoded)
		}
	}
}

func TestBase64ToIntInvalid(t *testing.T) {
	t.Parallel()

	if _, err := base64ToInt("not base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := base64ToInt(""); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestXorBytes(t *testing.T) {
	t.Parallel()

	a := []byte{0xFF, 0x00, 0xAA}
	b := []byte{0x0F, 0xF0, 0x55}
	got, err := xorBytes(a, b)
	if err != nil {
		t.Fatalf("xorBytes: %v", err)
	}
	want := []byte{0xF0, 0xF0, 0xFF}
	if !bytes.Equal(got, want) {
		t.Errorf("xorBytes = %v, want %v", got, want)
	}

	// xor is its own inverse
	back, err := xorBytes(got, b)
	if err != nil {
		t.Fatalf("xorBytes inverse: %v", err)
	}
	if !bytes.Equal(back, a) {
		t.Errorf("xor inverse = %v, want %v", back, a)
	}
}

func TestXorBytesLengthMismatch(t *testing.T) {
	t.Parallel()

	if _, err := xorBytes([]byte{1, 2}, []byte{1}); !errors.Is(err, ErrKeyLengthMismatch) {
		t.Errorf("error = %v, want ErrKeyLengthMismatch", err)
	}
}
