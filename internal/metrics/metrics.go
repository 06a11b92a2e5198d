// Package metrics exposes the control plane's Prometheus collectors.
// Collectors register on the default registry via promauto; the HTTP
// layer serves them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts requests by method, normalized route and
	// status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_http_requests_total",
		Help: "HTTP requests processed, by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration observes request latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ChainAppends counts accepted evidence bundles.
	ChainAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_chain_appends_total",
		Help: "Evidence bundles appended across all chains.",
	})

	// ChainForks counts rejected appends whose prev_hash did not match
	// the stored head.
	ChainForks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_chain_forks_total",
		Help: "Evidence appends rejected as chain forks.",
	})

	// OrdersIssued counts signed orders handed to the order store.
	OrdersIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_orders_issued_total",
		Help: "Orders issued, before delivery.",
	})

	// WebsocketClients gauges currently connected event subscribers.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_websocket_clients",
		Help: "Connected websocket event subscribers.",
	})

	// PlanCompletions counts proxied L2 plan calls by outcome.
	PlanCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_plan_completions_total",
		Help: "L2 plan completions proxied to the model provider.",
	}, []string{"outcome"})
)
