// Package lifecycle implements the C5 transaction lifecycle manager: the
// queued -> leased -> submitted -> confirmed|failed state machine,
// idempotent status publication keyed by (job id, attempt, state), prepaid
// rollback restricted to failed-without-prior-rollback jobs, and a
// startup sweep that reconciles any RollbackPoint left behind by a crash
// between debit and terminal state.
package lifecycle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/relaycore/relayer/internal/auditlog"
	"github.com/relaycore/relayer/internal/chainadapter"
	"github.com/relaycore/relayer/internal/domain"

	"github.com/sirupsen/logrus"
)

// Ledger is the prepaid-balance capability the manager credits against
// when a job's rollback point is reconciled.
type Ledger interface {
	Credit(ctx context.Context, owner string, amount *big.Int) error
}

// JobStore persists Job records and RollbackPoints so state survives a
// restart; the admin API and the startup sweep both read through it.
type JobStore interface {
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, jobID string) (domain.Job, bool, error)
	SaveRollbackPoint(ctx context.Context, rp domain.RollbackPoint) error
	GetRollbackPoint(ctx context.Context, jobID string) (domain.RollbackPoint, bool, error)
	MarkRolledBack(ctx context.Context, jobID string) error
	ListOpenRollbackPoints(ctx context.Context) ([]domain.RollbackPoint, error)
}

// WalletRecorder is the success-rate capability OnConfirmed/OnFailed use
// once a job's true outcome is known, rather than at broadcast time.
type WalletRecorder interface {
	RecordOutcome(address string, success bool)
}

// Manager is the C5 lifecycle component.
type Manager struct {
	jobs    JobStore
	audit   auditlog.Log
	ledger  Ledger
	chain   chainadapter.Adapter
	wallets WalletRecorder
	logger  *logrus.Logger

	mu        sync.Mutex
	published map[string]bool // idempotency guard keyed by "jobID:attempt:state"

	onEvent []func(domain.StatusEvent)
}

func NewManager(jobs JobStore, audit auditlog.Log, ledger Ledger, chain chainadapter.Adapter, wallets WalletRecorder, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		jobs:      jobs,
		audit:     audit,
		ledger:    ledger,
		chain:     chain,
		wallets:   wallets,
		logger:    logger,
		published: make(map[string]bool),
	}
}

// OnEvent registers a callback invoked for every status publication, used
// to wire the NATS fanout and the admin websocket stream. Each call adds
// a callback; every registered callback runs, in registration order.
func (m *Manager) OnEvent(fn func(domain.StatusEvent)) {
	m.onEvent = append(m.onEvent, fn)
}

func (m *Manager) OnLeased(ctx context.Context, jobID, leaseID, walletAddress string) error {
	job, ok, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	job.State = domain.JobStateLeased
	job.LeaseID = leaseID
	job.WalletAddress = walletAddress
	job.UpdatedAt = time.Now()
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	m.publish(ctx, job, "")
	return nil
}

func (m *Manager) OnSubmitted(ctx context.Context, jobID string, attempt int, txHash string) error {
	job, ok, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	job.State = domain.JobStateSubmitted
	job.AttemptCount = attempt
	job.TxHash = txHash
	job.UpdatedAt = time.Now()
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	m.publish(ctx, job, "")
	return nil
}

func (m *Manager) OnRetry(ctx context.Context, jobID string, attempt int, reason string) error {
	job, ok, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	job.AttemptCount = attempt
	job.LastError = reason
	job.UpdatedAt = time.Now()
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	m.publish(ctx, job, reason)
	return nil
}

// OnFailed advances a job to failed and immediately performs the rollback
// that failure implies: crediting the prepaid ledger back and settling
// the job in rolled_back, rather than leaving funds debited until an
// operator calls ForceRollback by hand.
func (m *Manager) OnFailed(ctx context.Context, jobID string, attempt int, reason string) error {
	job, ok, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	job.State = domain.JobStateFailed
	job.AttemptCount = attempt
	job.LastError = reason
	job.UpdatedAt = time.Now()
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	m.publish(ctx, job, reason)

	if m.wallets != nil {
		m.wallets.RecordOutcome(job.WalletAddress, false)
	}

	return m.applyRollback(ctx, job, reason)
}

// OnConfirmed is driven by a receipt-polling loop (not the scheduler
// itself) once a submitted job's transaction has a receipt.
func (m *Manager) OnConfirmed(ctx context.Context, jobID string) error {
	job, ok, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	job.State = domain.JobStateConfirmed
	job.UpdatedAt = time.Now()
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	m.publish(ctx, job, "")

	if m.wallets != nil {
		m.wallets.RecordOutcome(job.WalletAddress, true)
	}

	return nil
}

// PollReceipts is a long-running loop that checks submitted jobs' receipts
// through the chain adapter and advances them to confirmed or failed.
func (m *Manager) PollReceipts(ctx context.Context, interval time.Duration, submitted func(ctx context.Context) ([]domain.Job, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := submitted(ctx)
			if err != nil {
				m.logger.WithFields(logrus.Fields{"error": err}).Error("lifecycle: listing submitted jobs failed")
				continue
			}
			for _, job := range jobs {
				receipt, ok, err := m.chain.ReceiptByHash(ctx, job.TxHash)
				if err != nil {
					m.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": err}).Warn("lifecycle: receipt lookup failed")
					continue
				}
				if !ok {
					continue
				}
				if receipt.Success {
					if err := m.OnConfirmed(ctx, job.JobID); err != nil {
						m.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": err}).Error("lifecycle: OnConfirmed failed")
					}
				} else if err := m.OnFailed(ctx, job.JobID, job.AttemptCount, "on-chain execution reverted"); err != nil {
					m.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": err}).Error("lifecycle: OnFailed failed")
				}
			}
		}
	}
}

// applyRollback credits the prepaid ledger back for job's rollback point
// and settles the job in rolled_back. It is a no-op if there is no open
// rollback point, so both OnFailed's automatic call and an operator's
// ForceRollback can safely race a prior sweep.
func (m *Manager) applyRollback(ctx context.Context, job domain.Job, reason string) error {
	rp, ok, err := m.jobs.GetRollbackPoint(ctx, job.JobID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if !ok || rp.RolledBack {
		return nil
	}

	if err := m.ledger.Credit(ctx, rp.Owner, rp.Amount); err != nil {
		return fmt.Errorf("%w: credit during rollback: %v", domain.ErrInternal, err)
	}
	if err := m.jobs.MarkRolledBack(ctx, job.JobID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}

	job.State = domain.JobStateRolledBack
	job.UpdatedAt = time.Now()
	if err := m.jobs.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	m.publish(ctx, job, reason)
	return nil
}

// ForceRollback is the privileged escape hatch for a job that settled in
// failed without OnFailed's automatic rollback completing (for example,
// a ledger credit that errored after the job was already saved as
// failed). It is restricted to jobs in the failed state that have not
// already been rolled back.
func (m *Manager) ForceRollback(ctx context.Context, jobID string) error {
	job, ok, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	if job.State != domain.JobStateFailed {
		return fmt.Errorf("%w: job %s is %s, not failed", domain.ErrNotRollbackable, jobID, job.State)
	}
	rp, ok, err := m.jobs.GetRollbackPoint(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: no rollback point recorded for job %s", domain.ErrNotRollbackable, jobID)
	}
	if rp.RolledBack {
		return fmt.Errorf("%w: job %s already rolled back", domain.ErrNotRollbackable, jobID)
	}
	return m.applyRollback(ctx, job, "rolled back by operator")
}

// ReconcileOnStartup walks the open RollbackPoints left by a crash: a job
// that settled in failed is rolled back, and a point whose job record was
// never written is credited back directly. Jobs still queued, leased or
// submitted are left to the scheduler and the receipt poller. This resolves the
// distributed-transaction open question by making the rollback point
// itself, not any in-memory tracking, the source of truth for "was this
// debit ever settled".
func (m *Manager) ReconcileOnStartup(ctx context.Context) (int, error) {
	points, err := m.jobs.ListOpenRollbackPoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list open rollback points: %v", domain.ErrInternal, err)
	}

	reconciled := 0
	for _, rp := range points {
		job, ok, err := m.jobs.GetJob(ctx, rp.JobID)
		if err != nil {
			m.logger.WithFields(logrus.Fields{"job_id": rp.JobID, "error": err}).Error("lifecycle: reconcile lookup failed")
			continue
		}
		if ok && isTerminal(job.State) && job.State != domain.JobStateFailed {
			// settled successfully (confirmed, or already rolled back by
			// a prior sweep): nothing to reconcile.
			continue
		}
		if ok && job.State == domain.JobStateFailed {
			if err := m.ForceRollback(ctx, rp.JobID); err != nil {
				m.logger.WithFields(logrus.Fields{"job_id": rp.JobID, "error": err}).Error("lifecycle: startup rollback failed")
				continue
			}
			reconciled++
			continue
		}
		if ok {
			// still queued, leased or submitted: the debit is still live.
			continue
		}
		// the job record itself never settled (process died before it
		// reached any terminal state) — credit back directly since there
		// is no job to transition.
		if err := m.ledger.Credit(ctx, rp.Owner, rp.Amount); err != nil {
			m.logger.WithFields(logrus.Fields{"job_id": rp.JobID, "error": err}).Error("lifecycle: startup credit failed")
			continue
		}
		if err := m.jobs.MarkRolledBack(ctx, rp.JobID); err != nil {
			m.logger.WithFields(logrus.Fields{"job_id": rp.JobID, "error": err}).Error("lifecycle: startup mark-rolled-back failed")
			continue
		}
		reconciled++
	}
	if reconciled > 0 {
		m.logger.WithFields(logrus.Fields{"count": reconciled}).Info("lifecycle: reconciled orphaned rollback points on startup")
	}
	return reconciled, nil
}

func isTerminal(s domain.JobState) bool {
	return s == domain.JobStateConfirmed || s == domain.JobStateFailed || s == domain.JobStateRolledBack
}

// publish is idempotent per (jobID, attempt, state): a duplicate call for
// the same job, attempt and state is a no-op and reaches neither the audit
// log nor the event callbacks, so replaying a status event never
// double-applies effects.
func (m *Manager) publish(ctx context.Context, job domain.Job, reason string) {
	key := fmt.Sprintf("%s:%d:%s", job.JobID, job.AttemptCount, job.State)

	m.mu.Lock()
	if m.published[key] {
		m.mu.Unlock()
		return
	}
	m.published[key] = true
	m.mu.Unlock()

	ev := domain.StatusEvent{
		JobID:        job.JobID,
		AttemptCount: job.AttemptCount,
		State:        job.State,
		TxHash:       job.TxHash,
		Reason:       reason,
		At:           time.Now(),
	}
	if err := m.audit.RecordStatusEvent(ctx, ev); err != nil {
		m.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": err}).Warn("lifecycle: audit log write failed")
	}
	for _, fn := range m.onEvent {
		fn(ev)
	}
}
