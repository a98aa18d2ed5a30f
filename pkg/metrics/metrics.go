package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// XAOperations counts resource manager operations by verb and outcome
// (XA_OK or the XA error code name)
var XAOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "xaconn_xa_operations_total",
		Help: "Total number of XA resource manager operations",
	},
	[]string{"verb", "outcome"},
)

// XAOperationDuration records latency of resource manager operations
var XAOperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "xaconn_xa_operation_duration_seconds",
		Help:    "Latency in seconds of XA resource manager operations",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"verb"},
)

// In-limbo recovery metrics
var (
	InLimboCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xaconn_inlimbo_completions_total",
			Help: "In-limbo transactions completed without a live owning connection",
		},
		[]string{"action", "outcome"},
	)

	HeuristicOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xaconn_xa_heuristic_outcomes_total",
			Help: "Heuristic outcomes reported to the transaction coordinator",
		},
		[]string{"kind"},
	)
)

// Connection metrics
var (
	FatalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xaconn_fatal_errors_total",
			Help: "Fatal connection errors observed, by whether the connection was broken",
		},
		[]string{"broken"},
	)

	RegistryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xaconn_registry_entries",
			Help: "Number of xids registered to a managed connection",
		},
	)

	PoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xaconn_pool_connections",
			Help: "Number of pooled managed connections by state",
		},
		[]string{"state"},
	)
)

// ObserveXA records one resource manager operation.
func ObserveXA(verb, outcome string, elapsed time.Duration) {
	XAOperations.WithLabelValues(verb, outcome).Inc()
	XAOperationDuration.WithLabelValues(verb).Observe(elapsed.Seconds())
}

func init() {
	prometheus.MustRegister(XAOperations, XAOperationDuration)
	prometheus.MustRegister(InLimboCompletions, HeuristicOutcomes)
	prometheus.MustRegister(FatalErrors, RegistryEntries, PoolConnections)
}
