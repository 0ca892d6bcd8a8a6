package bentobox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// --- Prometheus Metrics Definition ---

// Metrics contains all the Prometheus metrics for the BentoBoxSystem.
type Metrics struct {
	// --- Tier 1: Critical System Health & Liveness ---
	LastProcessedBlock *prometheus.GaugeVec
	LastAppliedBlock   *prometheus.GaugeVec
	ErrorsTotal        *prometheus.CounterVec

	// --- Tier 2: Performance & Bottleneck Identification ---
	PendingInitQueueSize *prometheus.GaugeVec
	BlockProcessingDur   *prometheus.HistogramVec
	RefreshDur           *prometheus.HistogramVec
	TokenInitDur         *prometheus.HistogramVec
	PruningDuration      *prometheus.HistogramVec

	// --- Tier 3: Data & State Integrity ---
	TokensInRegistry  *prometheus.GaugeVec
	TokensWithBalance *prometheus.GaugeVec
	RefreshesTotal    *prometheus.CounterVec
	TokensInitialized *prometheus.CounterVec
	TokensPruned      *prometheus.CounterVec
	TokensQuarantined *prometheus.CounterVec
	ApprovalChanges   *prometheus.CounterVec
}

// NewMetrics creates and registers all the Prometheus metrics for the system.
func NewMetrics(reg prometheus.Registerer, systemName string) *Metrics {
	return &Metrics{
		// --- Tier 1 Metrics ---
		LastProcessedBlock: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_last_processed_block",
			Help:      "The block number of the last block processed or skipped by the system.",
		}, []string{}),

		LastAppliedBlock: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_last_applied_block",
			Help:      "The block number of the last balance snapshot applied to the view.",
		}, []string{}),

		ErrorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_errors_total",
			Help:      "Total number of errors encountered by the system, labeled by error type.",
		}, []string{"type"}),

		// --- Tier 2 Metrics ---
		PendingInitQueueSize: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_pending_initialization_queue_size",
			Help:      "The current number of discovered tokens waiting for metadata.",
		}, []string{}),

		BlockProcessingDur: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_block_processing_duration_seconds",
			Help:      "A histogram of the time it takes to process a single block.",
			Buckets:   prometheus.DefBuckets,
		}, []string{}),

		RefreshDur: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_refresh_duration_seconds",
			Help:      "A histogram of the time it takes to fetch and apply one balance snapshot.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),

		TokenInitDur: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_token_initialization_duration_seconds",
			Help:      "A histogram of the time it takes for a batch of pending tokens to be initialized.",
			Buckets:   prometheus.DefBuckets,
		}, []string{}),

		PruningDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_pruning_duration_seconds",
			Help:      "A histogram of the time it takes for the pruner to run a full cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{}),

		// --- Tier 3 Metrics ---
		TokensInRegistry: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_tokens_in_registry_total",
			Help:      "The total number of tokens currently tracked.",
		}, []string{}),

		TokensWithBalance: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_tokens_with_balance_total",
			Help:      "The number of tracked tokens with a non-zero wallet or BentoBox balance.",
		}, []string{}),

		RefreshesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_refreshes_total",
			Help:      "Balance refreshes by outcome (applied, incomplete, stale, failed).",
		}, []string{"outcome"}),

		TokensInitialized: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_tokens_initialized_total",
			Help:      "A counter of discovered tokens added to the registry.",
		}, []string{}),

		TokensPruned: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_tokens_pruned_total",
			Help:      "A counter of blocked tokens removed from the registry.",
		}, []string{}),

		TokensQuarantined: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_tokens_quarantined_total",
			Help:      "A counter of tokens removed after repeated failed reads.",
		}, []string{}),

		ApprovalChanges: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "bentobox_system_approval_changes_total",
			Help:      "A counter of master contract approvals set by the account.",
		}, []string{}),
	}
}
