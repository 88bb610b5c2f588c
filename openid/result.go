// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

// Status is the outcome of a consumer operation. The set is closed; wire
// strings from the protocol never leak into it.
type Status int

const (
	// StatusSuccess indicates a verified login, or - with an empty
	// identity - a user cancellation at the provider.
	StatusSuccess Status = iota

	// StatusFailure covers every other negative outcome: tampered or
	// expired token, signature mismatch, nonce replay, provider-reported
	// error, missing required fields.
	StatusFailure

	// StatusSetupNeeded answers an immediate-mode request the provider
	// could not satisfy without user interaction; the payload carries the
	// setup URL to send the user to.
	StatusSetupNeeded

	// StatusHTTPFailure indicates a transport failure or non-200 response
	// during discovery.
	StatusHTTPFailure

	// StatusParseError indicates the claimed URL did not advertise an
	// OpenID server in its link tags.
	StatusParseError
)

// String returns the status name for logging and debugging.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusSetupNeeded:
		return "setup_needed"
	case StatusHTTPFailure:
		return "http_failure"
	case StatusParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// BeginResult is the outcome of Consumer.BeginAuth.
type BeginResult struct {
	// Status is StatusSuccess, StatusHTTPFailure, or StatusParseError.
	Status Status

	// Request carries the bridge state on success.
	Request *AuthRequest

	// HTTPStatus is the discovery response code when Status is
	// StatusHTTPFailure and a response was received (0 otherwise).
	HTTPStatus int
}

// CompleteResult is the outcome of Consumer.CompleteAuth.
type CompleteResult struct {
	// Status is StatusSuccess, StatusFailure, or StatusSetupNeeded.
	Status Status

	// Identity is the verified claimed identity URL on success. Empty on
	// success means the user cancelled. On failure it is informational
	// only: the claimed URL recovered from the token, when available.
	Identity string

	// SetupURL is set when Status is StatusSetupNeeded.
	SetupURL string
}

// AuthRequest is the bridge object returned by BeginAuth and consumed by
// ConstructRedirect. The caller is responsible for carrying Token across
// the redirect; the rest is convenience for URL construction and display.
type AuthRequest struct {
	// Token is the opaque HMAC-authenticated bridge state.
	Token string

	// ServerID is the identity URL the provider will assert (the
	// delegate when one was advertised, else the claimed URL).
	ServerID string

	// ServerURL is the provider endpoint.
	ServerURL string

	// Nonce is the single-use replay blocker minted for this login.
	Nonce string
}
