// Package metrics holds the client's prometheus counters.
//
// Registers:
//
//	#auxite_api_requests_total{endpoint,outcome}
//	#auxite_ratelimit_rejections_total{category}
//	#auxite_balance_cache_total{result}
//	#auxite_quote_events_total{event}
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry     *prometheus.Registry
	apiRequests  *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	balanceCache *prometheus.CounterVec
	quoteEvents  *prometheus.CounterVec
}

// New creates the counters on a fresh registry together with the go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auxite_api_requests_total",
				Help: "Backend calls by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auxite_ratelimit_rejections_total",
				Help: "Requests rejected locally by the rate limiter",
			},
			[]string{"category"},
		),
		balanceCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auxite_balance_cache_total",
				Help: "Balance cache lookups by result",
			},
			[]string{"result"},
		),
		quoteEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auxite_quote_events_total",
				Help: "Quote lifecycle events",
			},
			[]string{"event"},
		),
	}
	m.registry.MustRegister(
		m.apiRequests,
		m.rateLimited,
		m.balanceCache,
		m.quoteEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// APIRequest counts one backend call. outcome is "ok", "error" or "rate_limited".
func (m *Metrics) APIRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(endpoint, outcome).Inc()
}

// RateLimited counts a local rate-limit rejection.
func (m *Metrics) RateLimited(category string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(category).Inc()
}

// BalanceCache counts a cache lookup. result is "hit" or "miss".
func (m *Metrics) BalanceCache(result string) {
	if m == nil {
		return
	}
	m.balanceCache.WithLabelValues(result).Inc()
}

// QuoteEvent counts a quote lifecycle event ("requested", "expired", "executed", "superseded", "failed").
func (m *Metrics) QuoteEvent(event string) {
	if m == nil {
		return
	}
	m.quoteEvents.WithLabelValues(event).Inc()
}
