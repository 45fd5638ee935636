package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpit_sessions_created_total",
			Help: "Total number of sandbox sessions created",
		},
	)

	SessionsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpit_sessions_terminal_total",
			Help: "Total number of sessions reaching a terminal status",
		},
		[]string{"status"},
	)

	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandpit_sessions_active",
			Help: "Number of live sessions by status",
		},
		[]string{"status"},
	)

	// Execution metrics
	ExecutionsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpit_executions_submitted_total",
			Help: "Total number of code executions submitted",
		},
	)

	ExecutionsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpit_executions_terminal_total",
			Help: "Total number of executions reaching a terminal status",
		},
		[]string{"status"},
	)

	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandpit_execution_duration_seconds",
			Help:    "Wall-clock duration of completed executions in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 3600},
		},
	)

	// Warm pool metrics
	WarmPoolHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpit_warm_pool_hits_total",
			Help: "Total number of sessions served from the warm pool",
		},
	)

	WarmPoolMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpit_warm_pool_misses_total",
			Help: "Total number of sessions that required a cold container start",
		},
	)

	WarmPoolAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandpit_warm_pool_available",
			Help: "Number of idle warm containers available by template",
		},
		[]string{"template"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandpit_scheduling_latency_seconds",
			Help:    "Time taken to place a session on a node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Node metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandpit_nodes_total",
			Help: "Total number of runtime nodes by kind and status",
		},
		[]string{"kind", "status"},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandpit_reconcile_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"reconciler"},
	)

	ReconcileCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpit_reconcile_cycles_total",
			Help: "Total reconciliation cycles completed",
		},
		[]string{"reconciler"},
	)

	SessionsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpit_sessions_recovered_total",
			Help: "Total sessions whose container was found again after going missing",
		},
	)

	SessionsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandpit_sessions_lost_total",
			Help: "Total sessions failed because their container vanished",
		},
	)

	SessionsSwept = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpit_sessions_swept_total",
			Help: "Total sessions terminated by cleanup sweeps by reason",
		},
		[]string{"reason"},
	)

	// Callback metrics
	CallbackEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpit_callback_events_total",
			Help: "Total runner callback events received by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpit_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandpit_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Storage metrics
	StorageOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandpit_storage_operations_total",
			Help: "Total object storage operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SessionsCreated)
	prometheus.MustRegister(SessionsTerminal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(ExecutionsSubmitted)
	prometheus.MustRegister(ExecutionsTerminal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(WarmPoolHits)
	prometheus.MustRegister(WarmPoolMisses)
	prometheus.MustRegister(WarmPoolAvailable)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileCycles)
	prometheus.MustRegister(SessionsRecovered)
	prometheus.MustRegister(SessionsLost)
	prometheus.MustRegister(SessionsSwept)
	prometheus.MustRegister(CallbackEvents)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(StorageOperations)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
