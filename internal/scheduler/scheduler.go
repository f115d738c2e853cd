// Package scheduler implements the C3 bounded-concurrency worker pool:
// a fixed number of workers pop jobs off the priority queue, lease a
// wallet, submit a transaction through the chain adapter, and hand the
// outcome to the lifecycle manager, with cancellable retry/backoff on
// failure. Submission for a single wallet is serialized through a
// per-address lock so nonce assignment never races, the same pattern the
// reference backend's transaction queue service uses with its
// processingLocks map.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaycore/relayer/internal/chainadapter"
	"github.com/relaycore/relayer/internal/domain"
	"github.com/relaycore/relayer/internal/pqueue"
	"github.com/relaycore/relayer/internal/wallet"

	"github.com/sirupsen/logrus"
)

// Lifecycle is the narrow callback surface the scheduler drives; the
// lifecycle manager implements it.
type Lifecycle interface {
	OnLeased(ctx context.Context, jobID, leaseID, walletAddress string) error
	OnSubmitted(ctx context.Context, jobID string, attempt int, txHash string) error
	OnRetry(ctx context.Context, jobID string, attempt int, reason string) error
	OnFailed(ctx context.Context, jobID string, attempt int, reason string) error
}

// Config tunes worker concurrency and poll cadence.
type Config struct {
	Workers    int
	PollIdle   time.Duration // how long a worker sleeps after finding an empty queue
	SubmitGas  uint64
}

// SignerResolver returns the signing strategy to use for a given wallet
// address, letting a multi-wallet pool mix local-key and KMS-backed
// signers without the scheduler caring which is which.
type SignerResolver func(address string) (chainadapter.Signer, error)

// Pool is the C3 scheduler/worker pool component.
type Pool struct {
	cfg       Config
	queue     *pqueue.Queue
	wallets   *wallet.Pool
	chain     chainadapter.Adapter
	lifecycle Lifecycle
	signerFor SignerResolver
	logger    *logrus.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(cfg Config, queue *pqueue.Queue, wallets *wallet.Pool, chain chainadapter.Adapter, lifecycle Lifecycle, signerFor SignerResolver, logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollIdle <= 0 {
		cfg.PollIdle = 500 * time.Millisecond
	}
	return &Pool{
		cfg:       cfg,
		queue:     queue,
		wallets:   wallets,
		chain:     chain,
		lifecycle: lifecycle,
		signerFor: signerFor,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Start launches the configured number of worker goroutines. They run
// until ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(workerCtx, i)
	}
}

// Stop cancels all workers and waits for them to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := p.queue.Pop(ctx)
		if err != nil {
			p.logger.WithFields(logrus.Fields{"worker": id, "error": err}).Error("scheduler: pop failed")
			p.sleepOrDone(ctx, p.cfg.PollIdle)
			continue
		}
		if !ok {
			p.sleepOrDone(ctx, p.cfg.PollIdle)
			continue
		}

		p.process(ctx, job)
	}
}

func (p *Pool) sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process leases a wallet for the job, serializes submission per address
// behind that wallet's lock, and routes the outcome to the lifecycle
// manager — confirmed is decided elsewhere by a receipt-polling loop, so
// this only covers queued -> leased -> submitted | retry | failed.
func (p *Pool) process(ctx context.Context, job domain.Job) {
	job.AttemptCount++

	w, err := p.wallets.Acquire(ctx)
	if err != nil {
		p.retryOrFail(ctx, job, fmt.Sprintf("no wallet available: %v", err))
		return
	}
	leaseID := fmt.Sprintf("%s:%d", job.JobID, job.AttemptCount)
	defer func() { p.wallets.Release(w.Address) }()

	if err := p.lifecycle.OnLeased(ctx, job.JobID, leaseID, w.Address); err != nil {
		p.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": err}).Error("scheduler: lifecycle rejected lease")
		return
	}

	lock := p.addressLock(w.Address)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := p.wallets.NextNonce(ctx, w.Address)
	if err != nil {
		p.retryOrFail(ctx, job, fmt.Sprintf("nonce assignment failed: %v", err))
		return
	}

	gasPrice, err := p.chain.SuggestGasPrice(ctx)
	if err != nil {
		p.retryOrFail(ctx, job, fmt.Sprintf("gas price lookup failed: %v", err))
		return
	}

	unsigned := chainadapter.UnsignedTx{
		ChainID:  job.ChainID,
		From:     w.Address,
		To:       job.To,
		Nonce:    nonce,
		Amount:   job.Amount,
		GasLimit: p.cfg.SubmitGas,
		GasPrice: gasPrice,
		Data:     job.Data,
	}

	// signer resolution is delegated to whoever constructed this pool; it
	// only orchestrates leasing and submission, never touches key material.
	signer, err := p.signerFor(w.Address)
	if err != nil {
		p.retryOrFail(ctx, job, fmt.Sprintf("no signer for wallet: %v", err))
		return
	}
	signed, err := p.chain.Sign(ctx, signer, unsigned)
	if err != nil {
		p.retryOrFail(ctx, job, fmt.Sprintf("signing failed: %v", err))
		return
	}

	if err := p.chain.Broadcast(ctx, signed); err != nil {
		p.handleBroadcastError(ctx, job, w, nonce, signed, err)
		return
	}

	p.markSubmitted(ctx, job, nonce, signed)
}

// markSubmitted advances job to submitted and notifies the lifecycle
// manager; also the path a duplicate broadcast (treated as success)
// takes.
func (p *Pool) markSubmitted(ctx context.Context, job domain.Job, nonce uint64, signed chainadapter.SignedTx) {
	job.State = domain.JobStateSubmitted
	job.TxHash = signed.TxHash
	job.TxNonce = nonce
	if err := p.lifecycle.OnSubmitted(ctx, job.JobID, job.AttemptCount, signed.TxHash); err != nil {
		p.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": err}).Error("scheduler: lifecycle rejected submission")
	}
}

// handleBroadcastError classifies a chain adapter submission failure and
// routes it to the matching outcome: treated-as-success for a duplicate,
// drain-and-retry for a nonce mismatch, disable-and-retry for a wallet
// out of gas funds, backoff retry for the transient classes, and an
// immediate permanent failure for a revert or anything the adapter left
// unclassified — unknown errors default to the most conservative class.
func (p *Pool) handleBroadcastError(ctx context.Context, job domain.Job, w *domain.Wallet, nonce uint64, signed chainadapter.SignedTx, err error) {
	class, known := chainadapter.AsClass(err)
	if !known {
		p.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": err}).Error("scheduler: unclassified chain error, defaulting to permanent failure")
		class = chainadapter.ErrClassReverted
	}

	switch class {
	case chainadapter.ErrClassDuplicate:
		p.markSubmitted(ctx, job, nonce, signed)
	case chainadapter.ErrClassNonceTooLow, chainadapter.ErrClassNonceTooHigh:
		p.wallets.Drain(w.Address, domain.RotationNonceResync)
		p.retryOrFail(ctx, job, fmt.Sprintf("broadcast failed (%s), wallet draining for nonce resync: %v", class, err))
	case chainadapter.ErrClassInsufficientFunds:
		p.wallets.Disable(w.Address, domain.RotationInsufficientBalance)
		p.retryOrFail(ctx, job, fmt.Sprintf("broadcast failed (%s): %v", class, err))
	case chainadapter.ErrClassUnderpriced, chainadapter.ErrClassNetwork, chainadapter.ErrClassTimeout:
		p.retryOrFail(ctx, job, fmt.Sprintf("broadcast failed (%s): %v", class, err))
	default:
		if ferr := p.lifecycle.OnFailed(ctx, job.JobID, job.AttemptCount, fmt.Sprintf("broadcast failed (%s): %v", class, err)); ferr != nil {
			p.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": ferr}).Error("scheduler: lifecycle OnFailed error")
		}
	}
}

func (p *Pool) retryOrFail(ctx context.Context, job domain.Job, reason string) {
	if job.AttemptCount >= job.MaxAttempts {
		if err := p.lifecycle.OnFailed(ctx, job.JobID, job.AttemptCount, reason); err != nil {
			p.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": err}).Error("scheduler: lifecycle OnFailed error")
		}
		return
	}
	if err := p.lifecycle.OnRetry(ctx, job.JobID, job.AttemptCount, reason); err != nil {
		p.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": err}).Error("scheduler: lifecycle OnRetry error")
		return
	}
	if err := p.queue.Requeue(ctx, job); err != nil {
		p.logger.WithFields(logrus.Fields{"job_id": job.JobID, "error": err}).Error("scheduler: requeue failed")
	}
}

func (p *Pool) addressLock(address string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	lock, ok := p.locks[address]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[address] = lock
	}
	return lock
}
