// Package admission implements the gate every incoming PaymentIntent must
// pass before it becomes a queued Job: API key check, rate limiting,
// replay/freshness detection, signature recovery, amount policy, and a
// prepaid ledger debit, in that fixed order, short-circuiting on the
// first failure.
package admission

import (
	"context"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"github.com/relaycore/relayer/internal/domain"
	"github.com/relaycore/relayer/internal/kvstore"
	"github.com/relaycore/relayer/internal/pqueue"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Config holds the gate's tunables, loaded from the service configuration.
type Config struct {
	ValidAPIKeys  map[string]bool
	RateLimit     int64         // max requests per RateWindow per owner, counted whether or not they are admitted
	RateWindow    time.Duration
	ReplayWindow  time.Duration
	MaxIntentAge  time.Duration // freshness bound on SubmittedAt
	MinAmount     *big.Int
	MaxAmount     *big.Int
}

// Ledger is the prepaid-balance capability the gate debits against before
// enqueueing, and credits back on enqueue failure.
type Ledger interface {
	Debit(ctx context.Context, owner string, amount *big.Int) error
	Credit(ctx context.Context, owner string, amount *big.Int) error
}

// RollbackRecorder persists the RollbackPoint written right after the
// prepaid debit, and the Job record, before the job is enqueued, so a
// crash between debit and terminal state leaves a durable trail for the
// startup sweep.
type RollbackRecorder interface {
	SaveRollbackPoint(ctx context.Context, rp domain.RollbackPoint) error
	SaveJob(ctx context.Context, job domain.Job) error
	MarkRolledBack(ctx context.Context, jobID string) error
}

// Gate is the C1 admission component.
type Gate struct {
	cfg      Config
	store    kvstore.Store
	queue    *pqueue.Queue
	ledger   Ledger
	rollback RollbackRecorder
	logger   *logrus.Logger
}

func NewGate(cfg Config, store kvstore.Store, queue *pqueue.Queue, ledger Ledger, rollback RollbackRecorder, logger *logrus.Logger) *Gate {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gate{cfg: cfg, store: store, queue: queue, ledger: ledger, rollback: rollback, logger: logger}
}

// Admit runs the full seven-step pipeline and, on success, returns the Job
// that was pushed onto the priority queue.
func (g *Gate) Admit(ctx context.Context, intent domain.PaymentIntent) (domain.Job, error) {
	if err := g.checkAPIKey(intent); err != nil {
		return domain.Job{}, err
	}
	if err := g.checkRateLimit(ctx, intent); err != nil {
		return domain.Job{}, err
	}
	if err := g.checkReplay(ctx, intent); err != nil {
		return domain.Job{}, err
	}
	from, err := g.checkSignature(intent)
	if err != nil {
		return domain.Job{}, err
	}
	if err := g.checkAmountPolicy(intent); err != nil {
		return domain.Job{}, err
	}

	if err := g.ledger.Debit(ctx, intent.Owner, intent.Amount); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", domain.ErrInsufficientBalance, err)
	}

	job := domain.Job{
		JobID:       intent.IntentID,
		IntentID:    intent.IntentID,
		Owner:       intent.Owner,
		From:        from,
		To:          intent.To,
		Amount:      intent.Amount,
		ChainID:     intent.ChainID,
		Priority:    intent.Priority,
		State:       domain.JobStateQueued,
		MaxAttempts: 8,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Data:        intent.Data,
	}

	// written before enqueue so a crash between here and the job reaching
	// a terminal state leaves a durable trail the startup sweep can find.
	rp := domain.RollbackPoint{JobID: job.JobID, Owner: job.Owner, Amount: job.Amount, CreatedAt: job.CreatedAt}
	if err := g.rollback.SaveRollbackPoint(ctx, rp); err != nil {
		if credErr := g.ledger.Credit(ctx, intent.Owner, intent.Amount); credErr != nil {
			g.logger.WithFields(logrus.Fields{
				"owner": intent.Owner, "amount": intent.Amount.String(), "error": credErr,
			}).Error("admission: compensating credit failed after rollback-point write failure")
		}
		return domain.Job{}, fmt.Errorf("%w: save rollback point: %v", domain.ErrInternal, err)
	}

	// the job record is saved before enqueue so the lifecycle manager finds
	// it as soon as a worker pops the job.
	err = g.rollback.SaveJob(ctx, job)
	if err == nil {
		err = g.queue.Push(ctx, job)
	}
	if err != nil {
		// compensating credit: the debit must not outlive a failed enqueue.
		if credErr := g.ledger.Credit(ctx, intent.Owner, intent.Amount); credErr != nil {
			g.logger.WithFields(logrus.Fields{
				"owner": intent.Owner, "amount": intent.Amount.String(), "error": credErr,
			}).Error("admission: compensating credit failed after enqueue failure")
		}
		if rbErr := g.rollback.MarkRolledBack(ctx, job.JobID); rbErr != nil {
			g.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": rbErr}).Error("admission: failed to close rollback point after enqueue failure")
		}
		job.State = domain.JobStateRolledBack
		if saveErr := g.rollback.SaveJob(ctx, job); saveErr != nil {
			g.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": saveErr}).Error("admission: failed to settle job record after enqueue failure")
		}
		return domain.Job{}, fmt.Errorf("enqueue job: %w", err)
	}

	g.logger.WithFields(logrus.Fields{
		"job_id": job.JobID, "owner": job.Owner, "priority": job.Priority.String(),
	}).Info("admission: intent admitted")
	return job, nil
}

func (g *Gate) checkAPIKey(intent domain.PaymentIntent) error {
	if len(g.cfg.ValidAPIKeys) == 0 {
		return nil
	}
	if !g.cfg.ValidAPIKeys[intent.APIKey] {
		return fmt.Errorf("%w: unknown api key", domain.ErrValidation)
	}
	return nil
}

func (g *Gate) checkRateLimit(ctx context.Context, intent domain.PaymentIntent) error {
	if g.cfg.RateLimit <= 0 {
		return nil
	}
	key := fmt.Sprintf("ratelimit:%s", intent.Owner)
	n, err := g.store.Incr(ctx, key, 1, g.cfg.RateWindow)
	if err != nil {
		return fmt.Errorf("%w: rate limit check: %v", domain.ErrInternal, err)
	}
	if n > g.cfg.RateLimit {
		return fmt.Errorf("%w: owner %s exceeded %d per %s", domain.ErrRateLimited, intent.Owner, g.cfg.RateLimit, g.cfg.RateWindow)
	}
	return nil
}

func (g *Gate) checkReplay(ctx context.Context, intent domain.PaymentIntent) error {
	if g.cfg.MaxIntentAge > 0 {
		age := time.Since(intent.SubmittedAt)
		if age < 0 {
			age = -age
		}
		if age > g.cfg.MaxIntentAge {
			return fmt.Errorf("%w: intent timestamp outside the %s freshness window", domain.ErrValidation, g.cfg.MaxIntentAge)
		}
	}
	key := fmt.Sprintf("replay:%s:%d", intent.From, intent.Nonce)
	ok, err := g.store.SetIfAbsent(ctx, key, intent.IntentID, g.cfg.ReplayWindow)
	if err != nil {
		return fmt.Errorf("%w: replay check: %v", domain.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: nonce %d for %s already admitted", domain.ErrReplay, intent.Nonce, intent.From)
	}
	return nil
}

// checkSignature recovers the sender address from the intent's signature
// over its canonical digest and confirms it matches the asserted From.
func (g *Gate) checkSignature(intent domain.PaymentIntent) (string, error) {
	digest := canonicalDigest(intent)
	pub, err := crypto.SigToPub(digest, intent.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: signature recovery: %v", domain.ErrValidation, err)
	}
	recovered := crypto.PubkeyToAddress(*pub).Hex()
	if intent.From != "" && subtle.ConstantTimeCompare([]byte(normalizeAddress(recovered)), []byte(normalizeAddress(intent.From))) != 1 {
		return "", fmt.Errorf("%w: signature does not match asserted sender", domain.ErrValidation)
	}
	return recovered, nil
}

func (g *Gate) checkAmountPolicy(intent domain.PaymentIntent) error {
	if intent.Amount == nil || intent.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	if g.cfg.MinAmount != nil && intent.Amount.Cmp(g.cfg.MinAmount) < 0 {
		return fmt.Errorf("%w: amount below minimum", domain.ErrValidation)
	}
	if g.cfg.MaxAmount != nil && intent.Amount.Cmp(g.cfg.MaxAmount) > 0 {
		return fmt.Errorf("%w: amount above maximum", domain.ErrValidation)
	}
	return nil
}

func normalizeAddress(a string) string {
	return common.HexToAddress(a).Hex()
}

// canonicalDigest is the hash the caller is expected to have signed,
// binding sender, recipient, amount and timestamp so a captured
// signature cannot be replayed later against an edited timestamp.
func canonicalDigest(intent domain.PaymentIntent) []byte {
	msg := fmt.Sprintf("%s:%s:%s:%d", intent.From, intent.To, intent.Amount.String(), intent.SubmittedAt.UnixMilli())
	return crypto.Keccak256([]byte(msg))
}
