package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CreditLedger.
type Metrics struct {
	// --- Core processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreStateHashDur     prometheus.Histogram
	CoreSequence         prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Protocol state, per market ---
	FloatingAssets      *prometheus.GaugeVec
	FloatingDebt        *prometheus.GaugeVec
	BackupBorrowed      *prometheus.GaugeVec
	Utilization         *prometheus.GaugeVec
	EarningsAccumulator *prometheus.GaugeVec
	PriceUpdates        *prometheus.CounterVec

	// --- Liquidation ---
	LiquidationCandidates prometheus.Counter
	Liquidations          *prometheus.CounterVec
	BadDebtClears         *prometheus.CounterVec

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ReplayCommandsTotal    prometheus.Counter
	ReplayDuration         prometheus.Gauge

	// --- Query API ---
	QueryRequests    *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	QueryErrors      *prometheus.CounterVec
	QueryCacheHits   *prometheus.CounterVec
	WebsocketClients prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// means the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core processing
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"event_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_commands_rejected_total",
			Help: "Commands rejected (dedup, gap, protocol error)",
		}, []string{"event_type", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_journals_generated_total",
			Help: "Custody journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_ingest_to_apply_seconds",
			Help:    "Ingest receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Protocol state
		FloatingAssets: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_market_floating_assets",
			Help: "Floating pool assets in whole units of the underlying",
		}, []string{"market_id"}),

		FloatingDebt: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_market_floating_debt",
			Help: "Floating debt in whole units of the underlying",
		}, []string{"market_id"}),

		BackupBorrowed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_market_backup_borrowed",
			Help: "Floating liquidity lent to fixed pools",
		}, []string{"market_id"}),

		Utilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_market_utilization",
			Help: "Global utilization (0.0-1.0)",
		}, []string{"market_id"}),

		EarningsAccumulator: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_market_earnings_accumulator",
			Help: "Earnings waiting to be released to floating depositors",
		}, []string{"market_id"}),

		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_price_updates_total",
			Help: "Oracle price updates accepted",
		}, []string{"market_id"}),

		// Liquidation
		LiquidationCandidates: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_keeper_candidates_total",
			Help: "Accounts in shortfall found by the keeper",
		}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_liquidations_total",
			Help: "Liquidations by outcome",
		}, []string{"repay_market", "outcome"}),

		BadDebtClears: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_bad_debt_cleared_total",
			Help: "Liquidations that ended in a bad debt write-off",
		}, []string{"market_id"}),

		// Persistence
		PersistCommandsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_commands_written_total",
			Help: "Commands written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_persist_batch_size",
			Help:    "Commands per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ReplayCommandsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		QueryCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_query_cache_total",
			Help: "Read-through cache lookups",
		}, []string{"result"}),

		WebsocketClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_websocket_clients",
			Help: "Connected websocket subscribers",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
