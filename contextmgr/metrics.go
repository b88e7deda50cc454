package contextmgr

import "github.com/prometheus/client_golang/prometheus"

var (
	compactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sage_compactions_total",
			Help: "Total number of context compactions by summary mode",
		},
		[]string{"mode"},
	)

	compactionTokensSaved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sage_compaction_tokens_saved_total",
			Help: "Estimated tokens removed by compaction",
		},
	)
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{compactionsTotal, compactionTokensSaved}
}
