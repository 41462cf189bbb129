package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bond ledger.
type Metrics struct {
	// --- Operation processing ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	Sequence    prometheus.Gauge

	// --- Domain state ---
	LockedTotal  *prometheus.GaugeVec
	AssetsIssued prometheus.Counter
	AssetsBonded prometheus.Counter

	// --- Collaborators ---
	TransferFailures prometheus.Counter
	DedupDuplicates  *prometheus.CounterVec
	DedupLRUSize     prometheus.Gauge

	// --- Output channels ---
	PublishDrops       prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistRowsWritten  prometheus.Counter
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastSequence prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bond_ops_applied_total",
			Help: "Operations successfully applied",
		}, []string{"op_type"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bond_ops_rejected_total",
			Help: "Operations rejected (dedup, validation, conflict)",
		}, []string{"op_type", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bond_op_apply_duration_seconds",
			Help:    "Time to apply a single operation",
			Buckets: applyBuckets,
		}, []string{"op_type"}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bond_sequence",
			Help: "Current operation sequence number",
		}),

		LockedTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bond_locked_total",
			Help: "Asset units in treasury custody per asset",
		}, []string{"symbol"}),

		AssetsIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bond_assets_issued_total",
			Help: "Asset ledgers created",
		}),

		AssetsBonded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bond_assets_bonded_total",
			Help: "Assets transitioned out of the sale phase",
		}),

		TransferFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bond_transfer_failures_total",
			Help: "Value transfer gateway rejections",
		}),

		DedupDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bond_dedup_duplicates_total",
			Help: "Duplicate operations caught",
		}, []string{"op_type"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bond_dedup_lru_size",
			Help: "Current dedup LRU occupancy",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bond_publish_drops_total",
			Help: "Outcomes dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bond_persist_backpressure_total",
			Help: "Times an operation blocked on the persist channel",
		}),

		PersistRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bond_persist_rows_written_total",
			Help: "Rows written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bond_persist_batch_size",
			Help:    "Outcomes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bond_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bond_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bond_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bond_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bond_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bond_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
