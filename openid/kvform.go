// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"net/url"
	"strings"
)

// ParseKVForm parses the newline-delimited key:value body used by
// associate and check_authentication responses. The first colon splits
// key from value; keys and values are trimmed of surrounding whitespace;
// colon-less or empty-key lines are skipped.
func ParseKVForm(body []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// BuildKVForm emits key:value records terminated by newlines, preserving
// the caller's field order. Missing keys emit an empty value.
func BuildKVForm(order []string, values map[string]string) []byte {
	var b strings.Builder
	for _, key := range order {
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(values[key])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// signatureBase builds the string a provider signs: for each field name
// in order, the value of openid.<name> from the query (empty when
// absent), in KV-form grammar. Field order is significant.
func signatureBase(fields []string, query url.Values) []byte {
	var b strings.Builder
	for _, name := range fields {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(query.Get("openid." + name))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
