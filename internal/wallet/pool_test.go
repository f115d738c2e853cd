package wallet

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/relaycore/relayer/internal/chainadapter"
	"github.com/relaycore/relayer/internal/domain"
)

func newTestPool(t *testing.T, maxConcurrent int) (*Pool, *chainadapter.Memory) {
	t.Helper()
	chain := chainadapter.NewMemory(1)
	pool := NewPool(Config{MinBalance: big.NewInt(100)}, 1, chain, maxConcurrent, nil)
	return pool, chain
}

func TestAcquireSelectsLowestPendingCount(t *testing.T) {
	pool, chain := newTestPool(t, 4)
	chain.SetBalance("0xA", big.NewInt(1000))
	chain.SetBalance("0xB", big.NewInt(1000))
	pool.AddWallet("0xA")
	pool.AddWallet("0xB")
	pool.wallets["0xA"].Balance = big.NewInt(1000)
	pool.wallets["0xB"].Balance = big.NewInt(1000)
	pool.wallets["0xA"].PendingCount = 2

	ctx := context.Background()
	w, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if w.Address != "0xB" {
		t.Fatalf("expected 0xB (lower pending count), got %s", w.Address)
	}
}

func TestAcquireExcludesBelowMinBalance(t *testing.T) {
	pool, _ := newTestPool(t, 4)
	pool.AddWallet("0xLow")
	pool.wallets["0xLow"].Balance = big.NewInt(1)

	_, err := pool.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected no wallet available error")
	}
}

func TestAcquireBlocksOnConcurrencyLimit(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	pool.AddWallet("0xA")
	pool.wallets["0xA"].Balance = big.NewInt(1000)
	pool.AddWallet("0xB")
	pool.wallets["0xB"].Balance = big.NewInt(1000)

	ctx := context.Background()
	first, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx2)
	if err == nil {
		t.Fatal("expected second acquire to block past the concurrency bound and time out")
	}

	pool.Release(first.Address)
	w, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if w.State != domain.WalletStateLeased {
		t.Fatalf("expected leased state in returned snapshot, got %s", w.State)
	}
}

func TestNextNonceDrainsOnDivergence(t *testing.T) {
	pool, chain := newTestPool(t, 4)
	pool.AddWallet("0xA")
	chain.SetBalance("0xA", big.NewInt(1000))

	// simulate the chain having moved beyond this process's bookkeeping
	chain.SetNonce("0xA", 9)
	pool.wallets["0xA"].LocalNonce = 5

	_, err := pool.NextNonce(context.Background(), "0xA")
	if err == nil {
		t.Fatal("expected nonce divergence error")
	}
	if pool.wallets["0xA"].State != domain.WalletStateDraining {
		t.Fatalf("expected wallet to be draining, got %s", pool.wallets["0xA"].State)
	}
}

func TestMaybeRotateDrainsLowPerformers(t *testing.T) {
	pool, _ := newTestPool(t, 4)
	pool.cfg.LowSuccessRate = 0.5
	pool.AddWallet("0xBad")
	pool.wallets["0xBad"].Balance = big.NewInt(1000)
	pool.wallets["0xBad"].SuccessCount = 1
	pool.wallets["0xBad"].FailureCount = 9
	pool.wallets["0xBad"].SuccessRate = 0.1

	rotated := pool.MaybeRotate(time.Now())
	if len(rotated) != 1 || rotated[0] != "0xBad" {
		t.Fatalf("expected 0xBad to rotate out, got %v", rotated)
	}
	if pool.wallets["0xBad"].DrainReason != domain.RotationLowPerformance {
		t.Fatalf("expected low performance drain reason, got %s", pool.wallets["0xBad"].DrainReason)
	}
}

func TestCheckAllBalancesDisablesAndReenables(t *testing.T) {
	pool, chain := newTestPool(t, 4)
	pool.AddWallet("0xA")
	chain.SetBalance("0xA", big.NewInt(1))

	pool.checkAllBalances(context.Background())
	if pool.wallets["0xA"].State != domain.WalletStateDisabled {
		t.Fatalf("expected wallet disabled for low balance, got %s", pool.wallets["0xA"].State)
	}
	if pool.wallets["0xA"].DrainReason != domain.RotationInsufficientBalance {
		t.Fatalf("expected insufficient_balance drain reason, got %s", pool.wallets["0xA"].DrainReason)
	}

	pool.wallets["0xA"].BalanceCheckAt = time.Time{}
	chain.SetBalance("0xA", big.NewInt(1000))
	pool.checkAllBalances(context.Background())
	if pool.wallets["0xA"].State != domain.WalletStateIdle {
		t.Fatalf("expected wallet re-enabled after balance recovered, got %s", pool.wallets["0xA"].State)
	}
}

func TestCheckAllBalancesDoesNotReenableManualDisable(t *testing.T) {
	pool, chain := newTestPool(t, 4)
	pool.AddWallet("0xA")
	chain.SetBalance("0xA", big.NewInt(1000))
	pool.Disable("0xA", domain.RotationManual)

	pool.checkAllBalances(context.Background())
	if pool.wallets["0xA"].State != domain.WalletStateDisabled {
		t.Fatalf("expected manually disabled wallet to stay disabled, got %s", pool.wallets["0xA"].State)
	}
}
