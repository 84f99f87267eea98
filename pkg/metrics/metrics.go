// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hqx_reconnect_attempts_total",
			Help: "Reconnection attempts per connection key.",
		},
		[]string{"connection_key"},
	)

	ReconnectRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hqx_reconnect_rate_limited_total",
			Help: "Reconnection attempts suppressed by the quota budget.",
		},
		[]string{"connection_key"},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hqx_orders_submitted_total",
			Help: "Orders submitted to the venue by side.",
		},
		[]string{"side"},
	)

	OrdersRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hqx_orders_rejected_total",
			Help: "Orders declined by the venue or dropped on error.",
		},
	)

	FlattenWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hqx_flatten_warnings_total",
			Help: "Shutdown sequences that ended with a possibly non-flat account.",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hqx_sessions_active",
			Help: "Currently registered client sessions.",
		},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hqx_connections_active",
			Help: "Connection records currently in Connected status.",
		},
	)
)

func init() {
	prometheus.MustRegister(ReconnectAttempts, ReconnectRateLimited)
	prometheus.MustRegister(OrdersSubmitted, OrdersRejected, FlattenWarnings)
	prometheus.MustRegister(ActiveSessions, ActiveConnections)
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
