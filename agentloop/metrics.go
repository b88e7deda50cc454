package agentloop

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/martinemde/sage/agentloop")

var (
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sage_tool_calls_total",
			Help: "Total number of tool calls by terminal state",
		},
		[]string{"tool", "state"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sage_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds, pre-tool hooks through post-tool hooks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		toolCallsTotal,
		toolCallDuration,
	}
}
