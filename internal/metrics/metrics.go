// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	SessionsStarted  prometheus.Counter
	SessionsActive   prometheus.Gauge
	ClientsAttached  prometheus.Counter
	TargetRetries    prometheus.Counter
	UpstreamErrors   *prometheus.CounterVec
	HandoffsTotal    prometheus.Counter
	PassthroughTotal prometheus.Counter
	ProxiedBytes     prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors
// registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grip_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grip_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grip_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grip_proxy_sessions_started_total",
			Help: "Total proxy sessions started.",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grip_proxy_sessions_active",
			Help: "Proxy sessions currently live.",
		}),

		ClientsAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grip_proxy_session_clients_total",
			Help: "Total client sessions attached to proxy sessions.",
		}),

		TargetRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grip_proxy_target_retries_total",
			Help: "Total retries against a further origin target.",
		}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grip_proxy_upstream_errors_total",
			Help: "Total upstream request errors by condition.",
		}, []string{"condition"}),

		HandoffsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grip_proxy_handoffs_total",
			Help: "Total sessions handed off to the push subsystem.",
		}),

		PassthroughTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grip_proxy_passthrough_total",
			Help: "Total sessions completed by passthrough.",
		}),

		ProxiedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grip_proxy_response_bytes_total",
			Help: "Total upstream response bytes proxied.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.SessionsStarted,
		m.SessionsActive,
		m.ClientsAttached,
		m.TargetRetries,
		m.UpstreamErrors,
		m.HandoffsTotal,
		m.PassthroughTotal,
		m.ProxiedBytes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics. All
// proxied paths collapse to "proxy".
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix {
			return prefix
		}
	}
	return "proxy"
}
