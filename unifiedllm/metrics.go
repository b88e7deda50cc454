package unifiedllm

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

const tracerName = "github.com/martinemde/sage/unifiedllm"

var tracer = otel.Tracer(tracerName)

var (
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sage_provider_requests_total",
			Help: "Total number of provider requests by outcome",
		},
		[]string{"provider", "model", "status"},
	)

	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sage_provider_request_duration_seconds",
			Help:    "Provider request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	providerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sage_provider_retries_total",
			Help: "Total number of provider retries by error class",
		},
		[]string{"provider", "class"},
	)

	fallbackSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sage_fallback_switches_total",
			Help: "Total number of fallback model switches",
		},
		[]string{"from", "to", "reason"},
	)
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		providerRequestsTotal,
		providerRequestDuration,
		providerRetriesTotal,
		fallbackSwitchesTotal,
	}
}
