// Package domain holds the data model shared by every relayer component:
// the admission gate, the priority queue, the wallet pool, the scheduler
// and the lifecycle manager all operate on these types rather than on
// component-local structs.
package domain

import (
	"math/big"
	"time"
)

// Priority is a strictly-ordered queue class. Dequeue order is
// Urgent > High > Normal > Low, FIFO within a class.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Priorities lists queue classes from highest to lowest precedence.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// JobState is a node in the transaction lifecycle state machine.
//
//	queued -> leased -> submitted -> confirmed
//	                              -> retry(reason) -> queued
//	                              -> failed -> rolled_back
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateLeased     JobState = "leased"
	JobStateSubmitted  JobState = "submitted"
	JobStateConfirmed  JobState = "confirmed"
	JobStateFailed     JobState = "failed"
	JobStateRolledBack JobState = "rolled_back"
)

// PaymentIntent is the caller-submitted request before it becomes a Job.
// It never mutates after admission; the admission gate either turns it
// into a Job or returns a rejection without persisting anything durable
// beyond the replay record and, on success, the prepaid debit.
type PaymentIntent struct {
	IntentID    string
	Owner       string // prepaid ledger owner / fee payer
	From        string // sending address
	To          string
	Amount      *big.Int
	ChainID     int64
	Nonce       uint64 // caller-asserted nonce, used for replay detection
	Priority    Priority
	APIKey      string
	Signature   []byte // recoverable signature over the canonical intent digest
	SubmittedAt time.Time
	Data        []byte // optional calldata
}

// Job is the durable, queueable unit derived from an admitted PaymentIntent.
type Job struct {
	JobID          string
	IntentID       string
	Owner          string
	From           string
	To             string
	Amount         *big.Int
	ChainID        int64
	Priority       Priority
	State          JobState
	AttemptCount   int
	MaxAttempts    int
	NotBefore      time.Time // backoff gate; job is not poppable before this time
	LeaseID        string    // set while leased to a wallet/worker
	WalletAddress  string    // set once a wallet has been assigned
	TxHash         string    // set once submitted on-chain
	TxNonce        uint64    // the on-chain nonce actually used
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Data           []byte
}

// WalletState tracks lease/drain status for a pool member.
type WalletState string

const (
	WalletStateIdle     WalletState = "idle"
	WalletStateLeased   WalletState = "leased"
	WalletStateDraining WalletState = "draining"
	WalletStateDisabled WalletState = "disabled"
)

// RotationReason records why a wallet left active rotation.
type RotationReason string

const (
	RotationScheduled           RotationReason = "scheduled"
	RotationLowPerformance      RotationReason = "low_performance"
	RotationHighLoad            RotationReason = "high_load"
	RotationNonceResync         RotationReason = "nonce_resync"
	RotationInsufficientBalance RotationReason = "insufficient_balance"
	RotationManual              RotationReason = "manual"
)

const successRateAlpha = 0.1

// Wallet is a pool member available for lease to submit one job at a time.
type Wallet struct {
	Address        string
	ChainID        int64
	State          WalletState
	LocalNonce     uint64 // next nonce this process will assign (one past the last assigned)
	PendingCount   int    // jobs currently leased to this wallet
	SuccessCount   int64
	FailureCount   int64
	SuccessRate    float64 // exponential moving average (alpha=0.1) of terminal outcomes, seeded at 1.0
	LastUsedAt     time.Time
	Balance        *big.Int
	BalanceCheckAt time.Time
	DrainReason    RotationReason
}

// RecordOutcome folds a job's terminal outcome — confirmed or failed,
// never a broadcast attempt by itself — into the wallet's success-rate
// EMA and raw tally.
func (w *Wallet) RecordOutcome(success bool) {
	obs := 0.0
	if success {
		obs = 1.0
		w.SuccessCount++
	} else {
		w.FailureCount++
	}
	w.SuccessRate = w.SuccessRate*(1-successRateAlpha) + obs*successRateAlpha
}

// PrepaidLedger tracks a single owner's prepaid balance used to fund fees
// ahead of submission. Debits happen at admission time, before enqueue;
// a failed enqueue issues a compensating credit for the same amount.
type PrepaidLedger struct {
	Owner     string
	Balance   *big.Int
	UpdatedAt time.Time
}

// ReplayRecord marks a (from, nonce) pair as already admitted, within
// whatever retention window the admission gate enforces.
type ReplayRecord struct {
	From       string
	Nonce      uint64
	IntentID   string
	RecordedAt time.Time
}

// RollbackPoint is written right after the prepaid debit, before the job
// is enqueued; if that write fails the debit is credited back. It lets a crash-recovery sweep find debits whose
// matching job never reached a terminal state and reconcile them.
type RollbackPoint struct {
	JobID      string
	Owner      string
	Amount     *big.Int
	CreatedAt  time.Time
	RolledBack bool
	RolledBackAt time.Time
}

// StatusEvent is published whenever a Job's state changes. Publication is
// idempotent per (JobID, AttemptCount, State): replaying the same event
// must not double-apply side effects downstream.
type StatusEvent struct {
	JobID        string
	AttemptCount int
	State        JobState
	TxHash       string
	Reason       string
	At           time.Time
}
