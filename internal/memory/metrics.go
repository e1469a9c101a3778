// Prometheus metrics for the memory service.
package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// operationsTotal counts service operations.
	// Labels: op (add, batch_add, get, list, search, update, delete),
	// result (success, error)
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "memory",
			Name:      "operations_total",
			Help:      "Total memory service operations by operation and result",
		},
		[]string{"op", "result"},
	)

	// operationDuration tracks operation latency including engine and
	// embedding round trips.
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memoryd",
			Subsystem: "memory",
			Name:      "operation_duration_seconds",
			Help:      "Duration of memory service operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// searchDegraded counts searches that returned empty because of an
	// underlying failure rather than a genuine miss.
	searchDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "memory",
			Name:      "search_degraded_total",
			Help:      "Total searches degraded to an empty result by an underlying failure",
		},
	)

	// tablesProvisioned counts first-use table provisioning by outcome.
	// Labels: outcome (created, already_exists)
	tablesProvisioned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "memory",
			Name:      "tables_provisioned_total",
			Help:      "Total table provisioning events by outcome",
		},
		[]string{"outcome"},
	)

	// batchChunksInserted counts fully-inserted batch chunks.
	batchChunksInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "memory",
			Name:      "batch_chunks_inserted_total",
			Help:      "Total batch chunks written as one engine insert",
		},
	)
)

// observeOp records one operation outcome.
func observeOp(op string, seconds float64, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(seconds)
}
