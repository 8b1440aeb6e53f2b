// Package metrics provides Prometheus collectors for the authentication
// lifecycle: emitted events, token refreshes, recovery attempts, and profile
// store degradations.
// file: internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records authentication lifecycle metrics. A nil *Collector is
// valid and records nothing, so wiring metrics stays optional.
type Collector struct {
	registry         *prometheus.Registry
	authEvents       *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
	recoveryAttempts *prometheus.CounterVec
	profileFallbacks prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics on a fresh
// registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeauth_events_total",
			Help: "Authentication events emitted, by event type.",
		}, []string{"type"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeauth_token_refreshes_total",
			Help: "Credential refresh attempts, by outcome.",
		}, []string{"outcome"}),
		recoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeauth_recovery_attempts_total",
			Help: "Silent reauthentication attempts, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		profileFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chargeauth_profile_fallbacks_total",
			Help: "Profile loads that fell back to session-derived data.",
		}),
	}

	c.registry.MustRegister(
		c.authEvents,
		c.tokenRefreshes,
		c.recoveryAttempts,
		c.profileFallbacks,
	)
	return c
}

// RecordAuthEvent counts one emitted authentication event.
func (c *Collector) RecordAuthEvent(eventType string) {
	if c == nil {
		return
	}
	c.authEvents.WithLabelValues(eventType).Inc()
}

// RecordTokenRefresh counts one credential refresh attempt. Outcome is
// "success", "failure", or "in_flight".
func (c *Collector) RecordTokenRefresh(outcome string) {
	if c == nil {
		return
	}
	c.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// RecordRecoveryAttempt counts one silent-reauth attempt. Outcome is
// "success", "failure", or "refused".
func (c *Collector) RecordRecoveryAttempt(provider, outcome string) {
	if c == nil {
		return
	}
	c.recoveryAttempts.WithLabelValues(provider, outcome).Inc()
}

// RecordProfileFallback counts one degraded profile load.
func (c *Collector) RecordProfileFallback() {
	if c == nil {
		return
	}
	c.profileFallbacks.Inc()
}

// Handler returns an HTTP handler exposing the collector's registry in
// Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
