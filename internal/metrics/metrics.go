// Package metrics provides Prometheus metrics for the sidecar.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for proxy latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the sidecar.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight *prometheus.GaugeVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	AdmissionRejections *prometheus.CounterVec
	TokenVerifications  *prometheus.CounterVec
	ContextReloads      *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otoroshi_sidecar_http_requests_total",
			Help: "Total inbound HTTP requests per proxy direction.",
		}, []string{"direction", "method", "status_code"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "otoroshi_sidecar_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"direction", "method", "status_code"}),

		RequestsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "otoroshi_sidecar_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}, []string{"direction"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "otoroshi_sidecar_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"direction", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otoroshi_sidecar_upstream_responses_total",
			Help: "Total upstream responses by direction and status code; status_code is \"error\" on transport failure.",
		}, []string{"direction", "status_code"}),

		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otoroshi_sidecar_admission_rejections_total",
			Help: "Requests rejected before forwarding, by direction and reason.",
		}, []string{"direction", "reason"}),

		TokenVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otoroshi_sidecar_token_verifications_total",
			Help: "Claim/state token verifications by result.",
		}, []string{"result"}),

		ContextReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otoroshi_sidecar_context_reloads_total",
			Help: "Proxy context reloads by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.AdmissionRejections,
		m.TokenVerifications,
		m.ContextReloads,
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
