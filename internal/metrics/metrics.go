package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "runnerfleet"
)

// Metrics holds all Prometheus series for the intake, scale-up, scale-down,
// pool top-up and retry control loops.
type Metrics struct {
	// Intake (I)
	IntakeMessagesReceived *prometheus.CounterVec
	IntakeMessagesRejected *prometheus.CounterVec

	// Scale-up dispatcher (U)
	ScaleUpBatchDuration    prometheus.Histogram
	ScaleUpInstancesCreated *prometheus.CounterVec
	ScaleUpErrors           *prometheus.CounterVec

	// Scale-down reaper (D)
	ScaleDownDuration          prometheus.Histogram
	ScaleDownOrphansTerminated prometheus.Counter
	ScaleDownOrphansCleared    prometheus.Counter
	ScaleDownActiveTerminated  prometheus.Counter
	ScaleDownActiveOrphaned    prometheus.Counter

	// Pool top-up loop (P)
	PoolTopUpDuration prometheus.Histogram
	PoolInPool        *prometheus.GaugeVec
	PoolCreated        *prometheus.CounterVec

	// Retry layer (R)
	RetryRepublished     prometheus.Counter
	RetryAttemptsExhausted prometheus.Counter

	// Upstream job-service adapter
	UpstreamAPIRequests *prometheus.CounterVec
	UpstreamAPIDuration prometheus.Histogram

	// State fabric
	FabricOperations *prometheus.CounterVec
	FabricErrors     *prometheus.CounterVec

	// System metrics
	ControllerInfo *prometheus.GaugeVec
	LeaderElection prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		IntakeMessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intake_messages_received_total",
				Help:      "Total number of scale-up request messages received from the intake queue",
			},
			[]string{"event_type"},
		),
		IntakeMessagesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intake_messages_rejected_total",
				Help:      "Total number of messages rejected by the scale-up dispatcher",
			},
			[]string{"reason"},
		),

		ScaleUpBatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scale_up_batch_duration_seconds",
				Help:      "Duration of one scale-up batch invocation",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		ScaleUpInstancesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_up_instances_created_total",
				Help:      "Total number of instances created by the scale-up dispatcher",
			},
			[]string{"scope"},
		),
		ScaleUpErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_up_errors_total",
				Help:      "Total number of scale-up errors, by retriable classification",
			},
			[]string{"retriable"},
		),

		ScaleDownDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scale_down_duration_seconds",
				Help:      "Duration of one scale-down reaper invocation",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),
		ScaleDownOrphansTerminated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_down_orphans_terminated_total",
				Help:      "Total number of orphaned instances terminated in Phase 1",
			},
		),
		ScaleDownOrphansCleared: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_down_orphans_cleared_total",
				Help:      "Total number of false-positive orphan tags cleared in Phase 1",
			},
		),
		ScaleDownActiveTerminated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_down_active_terminated_total",
				Help:      "Total number of active instances terminated in Phase 2",
			},
		),
		ScaleDownActiveOrphaned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_down_active_orphaned_total",
				Help:      "Total number of active instances newly tagged orphan in Phase 2",
			},
		),

		PoolTopUpDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_top_up_duration_seconds",
				Help:      "Duration of one pool top-up invocation",
				Buckets:   []float64{1, 5, 10, 30, 60},
			},
		),
		PoolInPool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_in_pool",
				Help:      "Number of instances classified as in-pool for a scope, at last top-up",
			},
			[]string{"scope"},
		),
		PoolCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_created_total",
				Help:      "Total number of instances created to cover a pool shortfall",
			},
			[]string{"scope"},
		),

		RetryRepublished: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_republished_total",
				Help:      "Total number of messages republished by the retry layer",
			},
		),
		RetryAttemptsExhausted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_exhausted_total",
				Help:      "Total number of messages dropped after exhausting max retry attempts",
			},
		),

		UpstreamAPIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_api_requests_total",
				Help:      "Total number of upstream job-service API requests",
			},
			[]string{"endpoint", "status"},
		),
		UpstreamAPIDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_api_duration_seconds",
				Help:      "Duration of upstream job-service API requests",
				Buckets:   prometheus.DefBuckets,
			},
		),

		FabricOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fabric_operations_total",
				Help:      "Total number of state fabric operations",
			},
			[]string{"backend", "operation", "status"},
		),
		FabricErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fabric_errors_total",
				Help:      "Total number of state fabric operation errors",
			},
			[]string{"backend", "operation"},
		),

		ControllerInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "controller_info",
				Help:      "Information about the running controller process",
			},
			[]string{"version", "backend", "mode"},
		),
		LeaderElection: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leader_election_status",
				Help:      "Leader election status (1 if leader, 0 otherwise)",
			},
		),
	}
}
