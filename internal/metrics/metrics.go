package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Scanning
	// ============================================
	LastBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echo_last_block",
		Help: "Last block scanned for incoming transfers",
	})

	PersistedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echo_persisted_block",
		Help: "Last block covered by a durable snapshot",
	})

	BlocksScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_blocks_scanned_total",
		Help: "Total number of blocks scanned",
	})

	BlocksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_blocks_skipped_total",
		Help: "Blocks left unscanned because they fell outside the node's history window",
	})

	TransfersDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "echo_transfers_detected_total",
		Help: "Total number of qualifying incoming transfers detected",
	})

	// ============================================
	// Resolution
	// ============================================
	EchoOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_outcomes_total",
			Help: "Echo resolution outcomes",
		},
		[]string{"outcome"},
	)

	PendingTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echo_pending_transfers",
		Help: "Number of transfers not yet in a terminal status",
	})

	ProcessedCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echo_processed_count",
		Help: "Number of transfers echoed successfully",
	})

	LoopErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_loop_errors_total",
			Help: "Errors caught by the reconciliation loop",
		},
		[]string{"stage", "kind"},
	)

	LoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "echo_loop_duration_seconds",
		Help:    "Duration of one reconciliation iteration",
		Buckets: prometheus.DefBuckets,
	})

	// ============================================
	// Persistence
	// ============================================
	SnapshotWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_snapshot_writes_total",
			Help: "Snapshot writes by result",
		},
		[]string{"result"},
	)

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "echo_snapshot_duration_seconds",
		Help:    "Snapshot write duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ============================================
	// Balance & events
	// ============================================
	ControlledBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "echo_controlled_balance_wei",
			Help: "Balance of the controlled address in wei",
		},
		[]string{"address"},
	)

	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echo_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	EventsPublishFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echo_events_publish_failed_total",
			Help: "Transfer events that could not be delivered",
		},
		[]string{"sink"},
	)

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "echo_websocket_clients",
		Help: "Connected websocket clients",
	})
)
