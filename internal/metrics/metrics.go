package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Admission gate metrics
	// ============================================
	AdmissionAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_admission_accepted_total",
		Help: "Total number of intents admitted past the gate",
	})

	AdmissionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_admission_rejected_total",
			Help: "Total number of intents rejected by the admission gate, by reason",
		},
		[]string{"reason"},
	)

	// ============================================
	// Priority queue metrics
	// ============================================
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayer_queue_depth",
			Help: "Number of jobs currently waiting in a priority lane",
		},
		[]string{"priority"},
	)

	QueueRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_queue_requeued_total",
			Help: "Total number of jobs requeued after a failed attempt",
		},
		[]string{"priority"},
	)

	// ============================================
	// Scheduler / worker pool metrics
	// ============================================
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_jobs_submitted_total",
		Help: "Total number of jobs successfully broadcast to the chain",
	})

	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_jobs_failed_total",
		Help: "Total number of jobs that exhausted their retry budget",
	})

	JobStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_job_state_transitions_total",
			Help: "Total number of job state transitions, by resulting state",
		},
		[]string{"state"},
	)

	ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_active_leases",
		Help: "Number of wallet leases currently held by in-flight jobs",
	})

	// ============================================
	// Wallet pool metrics
	// ============================================
	WalletBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayer_wallet_balance",
			Help: "Wallet balance in the chain's smallest unit",
		},
		[]string{"chain", "address"},
	)

	WalletState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relayer_wallet_state",
			Help: "Current wallet state (1=idle, 2=leased, 3=draining, 4=disabled)",
		},
		[]string{"address"},
	)

	WalletRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_wallet_rotations_total",
			Help: "Total number of wallets drained by the rotation policy, by reason",
		},
		[]string{"reason"},
	)

	// ============================================
	// Lifecycle / rollback metrics
	// ============================================
	RollbacksApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_rollbacks_applied_total",
		Help: "Total number of prepaid ledger rollbacks applied, operator-forced or reconciled",
	})

	ReconciledOnStartup = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_reconciled_on_startup",
		Help: "Number of orphaned rollback points reconciled on the most recent startup sweep",
	})
)
