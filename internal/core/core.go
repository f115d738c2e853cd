// Package core exposes the relayer's business operations as plain Go
// methods — submit an intent, read a job's status, force a rollback,
// credit a prepaid ledger, suggest a priority — with no HTTP framing of
// its own. The wire protocol callers use to reach these methods is an
// external collaborator's concern; this package only implements what
// happens once a call arrives.
package core

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/relaycore/relayer/internal/admission"
	"github.com/relaycore/relayer/internal/auditlog"
	"github.com/relaycore/relayer/internal/domain"
	"github.com/relaycore/relayer/internal/kvstore"
	"github.com/relaycore/relayer/internal/lifecycle"
	"github.com/relaycore/relayer/internal/pqueue"
	"github.com/relaycore/relayer/internal/scheduler"
	"github.com/relaycore/relayer/internal/wallet"

	"github.com/sirupsen/logrus"
)

// JobReader is the read surface GetJobStatus and GetQueueStatus need;
// satisfied by store.JobStore.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (domain.Job, bool, error)
	ListByState(ctx context.Context, states ...domain.JobState) ([]domain.Job, error)
}

// LedgerReader is the read surface prepaid-balance queries need;
// satisfied by store.PrepaidLedger.
type LedgerReader interface {
	Balance(ctx context.Context, owner string) (*big.Int, error)
}

// CreditLedger is the capability CreditPrepaid needs.
type CreditLedger interface {
	Credit(ctx context.Context, owner string, amount *big.Int) error
}

// Service is the assembled relayer: every component wired together
// behind the plain-Go operation surface callers (an HTTP layer, a CLI,
// a test) drive.
type Service struct {
	Gate      *admission.Gate
	Queue     *pqueue.Queue
	Wallets   *wallet.Pool
	Scheduler *scheduler.Pool
	Lifecycle *lifecycle.Manager
	Audit     auditlog.Log

	jobs   JobReader
	ledger LedgerReader
	credit CreditLedger
	store  kvstore.Store
	logger *logrus.Logger
}

// New assembles a Service from already-constructed components.
func New(gate *admission.Gate, queue *pqueue.Queue, wallets *wallet.Pool, sched *scheduler.Pool, lc *lifecycle.Manager, audit auditlog.Log, jobs JobReader, ledger LedgerReader, credit CreditLedger, kv kvstore.Store, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		Gate: gate, Queue: queue, Wallets: wallets, Scheduler: sched, Lifecycle: lc, Audit: audit,
		jobs: jobs, ledger: ledger, credit: credit, store: kv, logger: logger,
	}
}

// SubmitIntent runs the intent through the admission gate and returns the
// resulting Job on success.
func (s *Service) SubmitIntent(ctx context.Context, intent domain.PaymentIntent) (domain.Job, error) {
	return s.Gate.Admit(ctx, intent)
}

// GetJobStatus returns the current state of a previously-admitted job.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (domain.Job, error) {
	job, ok, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return job, nil
}

// ForceRollback is restricted to failed-without-prior-rollback jobs; see
// lifecycle.Manager.ForceRollback for the exact eligibility rule.
func (s *Service) ForceRollback(ctx context.Context, jobID string) error {
	return s.Lifecycle.ForceRollback(ctx, jobID)
}

// CreditPrepaid tops up an owner's prepaid balance; it's an administrative
// action, not something a caller can self-serve, since it moves money the
// relayer will later debit against.
func (s *Service) CreditPrepaid(ctx context.Context, owner string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", domain.ErrValidation)
	}
	return s.credit.Credit(ctx, owner, amount)
}

// PrepaidBalance reads an owner's current prepaid balance.
func (s *Service) PrepaidBalance(ctx context.Context, owner string) (*big.Int, error) {
	return s.ledger.Balance(ctx, owner)
}

// WalletSnapshot returns the current state of every wallet in the pool,
// for operator visibility.
func (s *Service) WalletSnapshot() []domain.Wallet {
	return s.Wallets.Snapshot()
}

// SuggestPriority is a non-binding helper: it scores a suggested priority
// class from queue congestion and a caller-supplied urgency hint, but
// never overrides the priority class a caller explicitly requests in
// SubmitIntent, and has no effect on the strictly-FIFO-per-class pop
// order the queue guarantees.
func (s *Service) SuggestPriority(ctx context.Context, urgency float64, age time.Duration) (domain.Priority, error) {
	congested, err := s.isCongested(ctx)
	if err != nil {
		return domain.PriorityNormal, err
	}

	score := urgency
	if age > 5*time.Minute {
		score *= 1.2
	}
	if congested {
		score *= 0.9
	}

	switch {
	case score >= 1.5:
		return domain.PriorityUrgent, nil
	case score >= 1.0:
		return domain.PriorityHigh, nil
	case score >= 0.5:
		return domain.PriorityNormal, nil
	default:
		return domain.PriorityLow, nil
	}
}

// QueueStatus is the get_queue_status operator-visibility snapshot:
// per-priority backlog depth, and the set of jobs currently in flight
// (leased or submitted, not yet settled) against the pool's configured
// concurrency bound.
type QueueStatus struct {
	QueuedByPriority map[string]int64 `json:"queued_by_priority"`
	InFlight         int              `json:"in_flight"`
	MaxConcurrent    int              `json:"max_concurrent"`
	InFlightIDs      []string         `json:"in_flight_ids"`
}

// GetQueueStatus reports the priority queue's per-class backlog and the
// scheduler's in-flight jobs, for operator visibility.
func (s *Service) GetQueueStatus(ctx context.Context) (QueueStatus, error) {
	byPriority := make(map[string]int64, len(domain.Priorities))
	for _, p := range domain.Priorities {
		n, err := s.store.LLen(ctx, "queue:"+p.String())
		if err != nil {
			return QueueStatus{}, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		byPriority[p.String()] = n
	}

	inFlight, err := s.jobs.ListByState(ctx, domain.JobStateLeased, domain.JobStateSubmitted)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	ids := make([]string, 0, len(inFlight))
	for _, j := range inFlight {
		ids = append(ids, j.JobID)
	}

	return QueueStatus{
		QueuedByPriority: byPriority,
		InFlight:         len(ids),
		MaxConcurrent:    s.Wallets.MaxConcurrent(),
		InFlightIDs:      ids,
	}, nil
}

func (s *Service) isCongested(ctx context.Context) (bool, error) {
	var total int64
	for _, p := range domain.Priorities {
		n, err := s.store.LLen(ctx, "queue:"+p.String())
		if err != nil {
			return false, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		total += n
	}
	return total > 1000, nil
}

// Start launches the scheduler's worker pool and the wallet balance
// monitor and receipt-polling background loops. It returns once they're
// running; callers cancel ctx to stop everything.
func (s *Service) Start(ctx context.Context, balanceCheckInterval, receiptPollInterval time.Duration, submittedLister func(ctx context.Context) ([]domain.Job, error)) {
	s.Scheduler.Start(ctx)
	go s.Wallets.MonitorBalances(ctx, balanceCheckInterval)
	go s.Lifecycle.PollReceipts(ctx, receiptPollInterval, submittedLister)
}

// Stop shuts the scheduler's worker pool down cleanly.
func (s *Service) Stop() {
	s.Scheduler.Stop()
}
