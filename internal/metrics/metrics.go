// Package metrics holds the Prometheus collectors exposed on the monitoring server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "messenger_webhook_gateway"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	// WebhookRequests counts inbound webhook requests by event kind and result.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_requests_total",
		Help:      "Inbound webhook requests by event kind and result.",
	}, []string{"kind", "result"})

	// DispatchAttempts counts outbound send attempts by upstream status class.
	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_attempts_total",
		Help:      "Outbound message send attempts by result.",
	}, []string{"result"})

	// DispatchRetries counts sends retried after a forced token refresh.
	DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_auth_retries_total",
		Help:      "Outbound sends retried after the platform rejected the access token.",
	})

	// TokenRefreshes counts upstream token exchanges by outcome.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "Upstream OAuth token exchanges by outcome.",
	}, []string{"outcome"})
)
