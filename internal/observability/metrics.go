package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the PUSD ledger.
type Metrics struct {
	// --- Engine operations ---
	EngineOpsApplied  *prometheus.CounterVec
	EngineOpsRejected *prometheus.CounterVec
	EngineOpDuration  *prometheus.HistogramVec
	EngineSequence    prometheus.Gauge
	StateHashDur      prometheus.Histogram

	// --- Risk ---
	HealthChecksFailed   *prometheus.CounterVec
	LiquidationsExecuted prometheus.Counter
	LiquidationsRejected *prometheus.CounterVec
	DebtOutstanding      prometheus.Gauge

	// --- Flash operations ---
	FlashOpsExecuted   *prometheus.CounterVec
	FlashOpsRolledBack *prometheus.CounterVec
	FlashOpDuration    *prometheus.HistogramVec

	// --- Oracle ---
	OraclePriceReads   *prometheus.CounterVec
	OracleInvalidPrice *prometheus.CounterVec
	PriceRoundsStored  *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Ingestion ---
	NATSPullLatency   *prometheus.HistogramVec
	IngestEventsTotal *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot & Recovery ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	apiBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		// Engine operations
		EngineOpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_engine_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op"}),

		EngineOpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_engine_ops_rejected_total",
			Help: "Operations rejected (validation, solvency, oracle)",
		}, []string{"op", "reason"}),

		EngineOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pusd_engine_op_duration_seconds",
			Help:    "Time to apply a single engine operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pusd_engine_sequence",
			Help: "Current engine event sequence number",
		}),

		StateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pusd_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		// Risk
		HealthChecksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_health_checks_failed_total",
			Help: "Operations blocked by a health-factor check",
		}, []string{"op"}),

		LiquidationsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pusd_liquidations_executed_total",
			Help: "Liquidations applied",
		}),

		LiquidationsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_liquidations_rejected_total",
			Help: "Liquidations rejected",
		}, []string{"reason"}),

		DebtOutstanding: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pusd_debt_outstanding_wad",
			Help: "Total minted synthetic debt across all users (wad, float approximation)",
		}),

		// Flash operations
		FlashOpsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_flash_ops_executed_total",
			Help: "Flash operations completed",
		}, []string{"kind"}),

		FlashOpsRolledBack: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_flash_ops_rolled_back_total",
			Help: "Flash operations rolled back",
		}, []string{"kind", "reason"}),

		FlashOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pusd_flash_op_duration_seconds",
			Help:    "End-to-end flash operation duration including callback",
			Buckets: apiBuckets,
		}, []string{"kind"}),

		// Oracle
		OraclePriceReads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_oracle_price_reads_total",
			Help: "Oracle price reads",
		}, []string{"feed"}),

		OracleInvalidPrice: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_oracle_invalid_price_total",
			Help: "Oracle reads rejected as invalid or stale",
		}, []string{"feed"}),

		PriceRoundsStored: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_price_rounds_stored_total",
			Help: "Price rounds ingested into the feed cache",
		}, []string{"feed"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pusd_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pusd_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_projection_drops_total",
			Help: "Outputs dropped on the projection channel",
		}, []string{"event_type"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pusd_publish_drops_total",
			Help: "Event publishes dropped",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pusd_persist_backpressure_total",
			Help: "Blocking sends to the persist channel that stalled",
		}),

		// Ingestion
		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pusd_nats_pull_latency_seconds",
			Help:    "NATS fetch latency",
			Buckets: apiBuckets,
		}, []string{"subject"}),

		IngestEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_ingest_events_total",
			Help: "Messages consumed from NATS",
		}, []string{"subject"}),

		IngestParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_ingest_parse_errors_total",
			Help: "Messages rejected during parsing",
		}, []string{"subject"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pusd_persist_events_written_total",
			Help: "Event envelopes written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pusd_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: apiBuckets,
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pusd_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_persist_errors_total",
			Help: "Persistence write errors",
		}, []string{"kind"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pusd_persist_retry_total",
			Help: "Persistence write retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pusd_persist_last_sequence",
			Help: "Highest sequence durably written",
		}),

		// Snapshot & Recovery
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pusd_snapshot_taken_total",
			Help: "State snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pusd_snapshot_duration_seconds",
			Help:    "Time to serialize and write one snapshot",
			Buckets: apiBuckets,
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pusd_snapshot_last_sequence",
			Help: "Sequence of the most recent snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pusd_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pusd_replay_duration_seconds",
			Help: "Wall time of the last recovery replay",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_query_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pusd_query_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: apiBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pusd_query_errors_total",
			Help: "HTTP API errors",
		}, []string{"endpoint", "code"}),
	}
}
