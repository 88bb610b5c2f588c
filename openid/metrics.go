// Clavis - OpenID 1.x Relying Party Library
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clavis

package openid

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Protocol metrics, registered on the default registry. Outcome labels
// are the lowercase Status names plus operation-specific values noted
// per metric.

var (
	// loginsStarted counts BeginAuth calls by outcome
	// (success, http_failure, parse_error).
	loginsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openid_logins_started_total",
			Help: "Total BeginAuth discovery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// loginsCompleted counts CompleteAuth calls by outcome
	// (success, cancel, failure, setup_needed).
	loginsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openid_logins_completed_total",
			Help: "Total CompleteAuth callback verifications by outcome",
		},
		[]string{"outcome"},
	)

	// discoveryTotal counts identity URL discovery attempts by outcome
	// (success, http_failure, parse_error).
	discoveryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openid_discovery_total",
			Help: "Total identity page discoveries by outcome",
		},
		[]string{"outcome"},
	)

	// associateTotal counts associate exchanges by outcome
	// (success, provider_error, http_failure, bad_response).
	associateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openid_associate_total",
			Help: "Total association negotiations by outcome",
		},
		[]string{"outcome"},
	)

	// checkAuthTotal counts dumb-mode check_authentication calls by
	// outcome (valid, invalid, http_failure).
	checkAuthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openid_check_authentication_total",
			Help: "Total dumb-mode signature rechecks by outcome",
		},
		[]string{"outcome"},
	)

	// nonceReplays counts callbacks rejected because their nonce was
	// already consumed or never issued.
	nonceReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openid_nonce_replays_total",
			Help: "Total callbacks rejected by single-use nonce enforcement",
		},
	)

	// breakerState tracks circuit state per provider host for
	// BreakerFetcher (0 closed, 1 half-open, 2 open).
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openid_fetcher_breaker_state",
			Help: "Circuit breaker state per provider host (0=closed, 1=half-open, 2=open)",
		},
		[]string{"host"},
	)
)
