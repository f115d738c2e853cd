// Package wallet implements the C4 wallet pool: lease/release with a
// bounded-concurrency semaphore, a selection policy over idle wallets,
// nonce discipline with draining on divergence, and a background balance
// monitor with a TTL cache, grounded on the rotation/selection concepts
// in the original Rust wallet pool but refit to the lease/release shape
// this service's scheduler drives.
package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/relaycore/relayer/internal/chainadapter"
	"github.com/relaycore/relayer/internal/domain"

	"github.com/sirupsen/logrus"
)

// Config tunes balance checking and rotation.
type Config struct {
	MinBalance      *big.Int
	AlertThreshold  *big.Int
	BalanceCacheTTL time.Duration
	RotationInterval time.Duration
	LowSuccessRate   float64 // below this, a wallet becomes a rotation candidate
}

// Pool is the C4 wallet pool component. One Pool instance serves a single
// chain ID; a multi-chain relayer runs one Pool per chain.
type Pool struct {
	cfg     Config
	chainID int64
	chain   chainadapter.Adapter
	logger  *logrus.Logger

	mu      sync.Mutex
	wallets map[string]*domain.Wallet
	sem     chan struct{} // bounds concurrent leases across the whole pool

	lastRotation time.Time
}

// NewPool builds a pool bounded to maxConcurrent simultaneous leases.
func NewPool(cfg Config, chainID int64, chain chainadapter.Adapter, maxConcurrent int, logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.New()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Pool{
		cfg:     cfg,
		chainID: chainID,
		chain:   chain,
		logger:  logger,
		wallets: make(map[string]*domain.Wallet),
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// AddWallet registers a wallet as an idle pool member.
func (p *Pool) AddWallet(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wallets[address] = &domain.Wallet{
		Address:     address,
		ChainID:     p.chainID,
		State:       domain.WalletStateIdle,
		Balance:     big.NewInt(0),
		SuccessRate: 1.0,
	}
}

// Acquire blocks on the pool's concurrency semaphore, then selects and
// leases the best-eligible idle wallet. Callers must call Release exactly
// once per successful Acquire.
func (p *Pool) Acquire(ctx context.Context) (*domain.Wallet, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	candidate := p.selectLocked()
	if candidate == nil {
		<-p.sem
		return nil, domain.ErrWalletUnavailable
	}

	candidate.State = domain.WalletStateLeased
	candidate.PendingCount++
	candidate.LastUsedAt = time.Now()

	out := *candidate
	return &out, nil
}

// selectLocked implements the precedence order: exclude
// disabled/draining/below-min-balance, then prefer lowest pending count,
// then highest success rate, then least-recently-used. Caller must hold
// p.mu.
func (p *Pool) selectLocked() *domain.Wallet {
	var eligible []*domain.Wallet
	for _, w := range p.wallets {
		if w.State == domain.WalletStateDisabled || w.State == domain.WalletStateDraining {
			continue
		}
		if w.State == domain.WalletStateLeased {
			continue
		}
		if p.cfg.MinBalance != nil && w.Balance != nil && w.Balance.Cmp(p.cfg.MinBalance) < 0 {
			continue
		}
		eligible = append(eligible, w)
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.PendingCount != b.PendingCount {
			return a.PendingCount < b.PendingCount
		}
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		return a.LastUsedAt.Before(b.LastUsedAt)
	})
	return eligible[0]
}

// Release returns a wallet to idle once its lease ends. Success-rate
// bookkeeping happens separately, through RecordOutcome, once a job's
// true outcome is known — a broadcast that succeeds can still revert on
// confirmation, so release time is too early to score it.
func (p *Pool) Release(address string) {
	defer func() { <-p.sem }()

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.wallets[address]
	if !ok {
		return
	}
	if w.PendingCount > 0 {
		w.PendingCount--
	}
	if w.State == domain.WalletStateLeased {
		w.State = domain.WalletStateIdle
	}
}

// RecordOutcome folds a job's confirmed-or-failed terminal outcome into
// the leasing wallet's success-rate EMA, driving the selection policy's
// success-rate term and the rotation policy's underperformance check.
func (p *Pool) RecordOutcome(address string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.wallets[address]
	if !ok {
		return
	}
	w.RecordOutcome(success)
}

// Drain marks a wallet draining — excluded from selection until an
// operator reactivates it — used when a submission error indicates the
// wallet's local nonce bookkeeping needs a resync.
func (p *Pool) Drain(address string, reason domain.RotationReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.wallets[address]
	if !ok {
		return
	}
	w.State = domain.WalletStateDraining
	w.DrainReason = reason
	p.logger.WithFields(logrus.Fields{"address": address, "reason": reason}).Warn("wallet pool: wallet draining")
}

// Disable marks a wallet disabled — excluded from selection until an
// operator reactivates it or a later balance check clears the condition
// that caused it — the C4 contract's disable(address, reason) operation.
func (p *Pool) Disable(address string, reason domain.RotationReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.wallets[address]
	if !ok {
		return
	}
	w.State = domain.WalletStateDisabled
	w.DrainReason = reason
	p.logger.WithFields(logrus.Fields{"address": address, "reason": reason}).Warn("wallet pool: wallet disabled")
}

// MaxConcurrent returns the pool's configured lease concurrency bound,
// for operator visibility via get_queue_status.
func (p *Pool) MaxConcurrent() int {
	return cap(p.sem)
}

// NextNonce returns the next local nonce to assign for address, comparing
// against the chain's view and draining the wallet for resync if they
// have diverged rather than silently trusting either side.
func (p *Pool) NextNonce(ctx context.Context, address string) (uint64, error) {
	chainNonce, err := p.chain.NonceAt(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("%w: read chain nonce: %v", domain.ErrChainUnavailable, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.wallets[address]
	if !ok {
		return 0, fmt.Errorf("%w: wallet %s", domain.ErrNotFound, address)
	}

	if w.LocalNonce != 0 && chainNonce > w.LocalNonce {
		// the chain has moved ahead of what this process tracked locally:
		// something submitted outside our bookkeeping. Drain for resync
		// rather than risk a nonce collision.
		w.State = domain.WalletStateDraining
		w.DrainReason = domain.RotationNonceResync
		w.LocalNonce = chainNonce
		p.logger.WithFields(logrus.Fields{
			"address": address, "chain_nonce": chainNonce,
		}).Warn("wallet pool: nonce divergence detected, draining for resync")
		return 0, fmt.Errorf("%w: nonce divergence on %s, draining", domain.ErrConflict, address)
	}

	next := w.LocalNonce
	if chainNonce > next {
		next = chainNonce
	}
	w.LocalNonce = next + 1
	return next, nil
}

// RefreshBalance re-reads a wallet's balance if its cached value is older
// than the configured TTL, and returns the (possibly cached) value.
func (p *Pool) RefreshBalance(ctx context.Context, address string) (*big.Int, error) {
	p.mu.Lock()
	w, ok := p.wallets[address]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: wallet %s", domain.ErrNotFound, address)
	}
	fresh := p.cfg.BalanceCacheTTL <= 0 || time.Since(w.BalanceCheckAt) >= p.cfg.BalanceCacheTTL
	cached := new(big.Int)
	if w.Balance != nil {
		cached.Set(w.Balance)
	}
	p.mu.Unlock()

	if !fresh {
		return cached, nil
	}

	balance, err := p.chain.BalanceAt(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrChainUnavailable, err)
	}

	p.mu.Lock()
	w.Balance = balance
	w.BalanceCheckAt = time.Now()
	p.mu.Unlock()

	return balance, nil
}

// MonitorBalances runs until ctx is cancelled, periodically refreshing
// every pool member's balance, logging a warning for any that fall below
// the alert threshold, and disabling (or re-enabling) wallets against the
// harder MinBalance exclusion. The alert threshold is a soft early-warning
// signal distinct from MinBalance, which is a hard exclusion at selection
// time, checked first.
func (p *Pool) MonitorBalances(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkAllBalances(ctx)
		}
	}
}

func (p *Pool) checkAllBalances(ctx context.Context) {
	p.mu.Lock()
	addresses := make([]string, 0, len(p.wallets))
	for addr := range p.wallets {
		addresses = append(addresses, addr)
	}
	p.mu.Unlock()

	var low []string
	for _, addr := range addresses {
		balance, err := p.RefreshBalance(ctx, addr)
		if err != nil {
			p.logger.WithFields(logrus.Fields{"address": addr, "error": err}).Warn("wallet pool: balance refresh failed")
			continue
		}
		p.applyBalanceState(addr, balance)
		if p.cfg.AlertThreshold != nil && balance.Cmp(p.cfg.AlertThreshold) < 0 {
			low = append(low, addr)
		}
	}
	if len(low) > 0 {
		p.logger.WithFields(logrus.Fields{"addresses": low}).Warn("wallet pool: low balance detected")
	}
}

// applyBalanceState disables a wallet once its balance drops below
// MinBalance and re-enables it once recovered, but only reverses a
// disablement it itself caused — a wallet an operator disabled manually,
// or disabled for an unrelated reason, stays disabled until reactivated
// by hand.
func (p *Pool) applyBalanceState(address string, balance *big.Int) {
	if p.cfg.MinBalance == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.wallets[address]
	if !ok {
		return
	}

	underMin := balance.Cmp(p.cfg.MinBalance) < 0
	switch {
	case underMin && w.State != domain.WalletStateDisabled:
		w.State = domain.WalletStateDisabled
		w.DrainReason = domain.RotationInsufficientBalance
		p.logger.WithFields(logrus.Fields{"address": address, "balance": balance.String()}).Warn("wallet pool: wallet disabled for insufficient balance")
	case !underMin && w.State == domain.WalletStateDisabled && w.DrainReason == domain.RotationInsufficientBalance:
		w.State = domain.WalletStateIdle
		w.DrainReason = ""
		p.logger.WithFields(logrus.Fields{"address": address, "balance": balance.String()}).Info("wallet pool: wallet re-enabled, balance recovered")
	}
}

// MaybeRotate checks every pool member's success rate against the
// configured threshold, or whether the rotation interval has elapsed,
// and drains any wallet that qualifies so it stops being selected until
// an operator re-enables it. Mirrors the rotation-trigger logic in the
// original Rust rotator, minus its strategy-reorder step: this pool's
// selection is always computed fresh from live stats, so there's no
// separate rotation order to maintain.
func (p *Pool) MaybeRotate(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rotated []string
	scheduled := p.cfg.RotationInterval > 0 && now.Sub(p.lastRotation) >= p.cfg.RotationInterval

	for addr, w := range p.wallets {
		if w.State != domain.WalletStateIdle {
			continue
		}
		total := w.SuccessCount + w.FailureCount
		underperforming := p.cfg.LowSuccessRate > 0 && total >= 5 && w.SuccessRate < p.cfg.LowSuccessRate
		if underperforming {
			w.State = domain.WalletStateDraining
			w.DrainReason = domain.RotationLowPerformance
			rotated = append(rotated, addr)
			continue
		}
		if scheduled {
			w.State = domain.WalletStateDraining
			w.DrainReason = domain.RotationScheduled
			rotated = append(rotated, addr)
		}
	}
	if scheduled {
		p.lastRotation = now
	}
	if len(rotated) > 0 {
		p.logger.WithFields(logrus.Fields{"wallets": rotated}).Info("wallet pool: rotated out for draining")
	}
	return rotated
}

// Reactivate moves a draining or disabled wallet back to idle, used by
// operators once a drained wallet has been resynced or re-verified.
func (p *Pool) Reactivate(address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.wallets[address]
	if !ok {
		return fmt.Errorf("%w: wallet %s", domain.ErrNotFound, address)
	}
	w.State = domain.WalletStateIdle
	w.DrainReason = ""
	return nil
}

// Snapshot returns a point-in-time copy of every pool member, for the
// admin status endpoint.
func (p *Pool) Snapshot() []domain.Wallet {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Wallet, 0, len(p.wallets))
	for _, w := range p.wallets {
		out = append(out, *w)
	}
	return out
}
