// Package metrics exposes gateway request/latency instrumentation via
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gateway's Prometheus instruments.
type Collector struct {
	RequestsTotal      *prometheus.CounterVec
	RateLimitDenials   *prometheus.CounterVec
	AdapterLatency     *prometheus.HistogramVec
	ActiveStreams      prometheus.Gauge
}

// NewCollector registers gateway instruments against a fresh registry and
// returns both the Collector and an http.Handler serving them.
func NewCollector() (*Collector, http.Handler) {
	reg := prometheus.NewRegistry()

	c := &Collector{
		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "porpulsion_requests_total",
			Help: "Total dispatcher requests by backend and final HTTP status.",
		}, []string{"backend", "status"}),
		RateLimitDenials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "porpulsion_rate_limit_denials_total",
			Help: "Total requests denied by the rate limiter, by token label and window.",
		}, []string{"label", "window"}),
		AdapterLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "porpulsion_adapter_request_duration_seconds",
			Help:    "Latency of adapter RPCs to backends, by backend and operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "operation"}),
		ActiveStreams: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "porpulsion_active_streams",
			Help: "Number of in-flight streaming responses.",
		}),
	}

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return c, handler
}

// ObserveAdapter times an adapter RPC and records it under backend/operation.
func (c *Collector) ObserveAdapter(backend, operation string, start time.Time) {
	c.AdapterLatency.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

// StreamStarted increments the in-flight stream gauge and returns a func to
// call when the stream ends, decrementing it again.
func (c *Collector) StreamStarted() func() {
	c.ActiveStreams.Inc()
	return func() { c.ActiveStreams.Dec() }
}
