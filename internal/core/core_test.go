package core

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/relaycore/relayer/internal/auditlog"
	"github.com/relaycore/relayer/internal/chainadapter"
	"github.com/relaycore/relayer/internal/domain"
	"github.com/relaycore/relayer/internal/kvstore"
	"github.com/relaycore/relayer/internal/lifecycle"
	"github.com/relaycore/relayer/internal/pqueue"
	"github.com/relaycore/relayer/internal/scheduler"
	"github.com/relaycore/relayer/internal/store"
	"github.com/relaycore/relayer/internal/wallet"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	kv := kvstore.NewMemory()
	queue := pqueue.NewQueue(pqueue.Config{BaseDelay: time.Millisecond, MaxDelay: time.Second}, kv, nil)
	ledger := store.NewPrepaidLedger(kv)
	jobs := store.NewJobStore(kv)
	chain := chainadapter.NewMemory(1)
	wallets := wallet.NewPool(wallet.Config{}, 1, chain, 1, nil)
	audit := auditlog.NewMemory()
	lc := lifecycle.NewManager(jobs, audit, ledger, chain, wallets, nil)
	sched := scheduler.NewPool(scheduler.Config{Workers: 1}, queue, wallets, chain, lc, nil, nil)
	return New(nil, queue, wallets, sched, lc, audit, jobs, ledger, ledger, kv, nil)
}

func TestCreditPrepaidRejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if err := svc.CreditPrepaid(ctx, "owner-1", big.NewInt(0)); err == nil {
		t.Fatal("expected rejection of zero amount")
	}
	if err := svc.CreditPrepaid(ctx, "owner-1", big.NewInt(-5)); err == nil {
		t.Fatal("expected rejection of negative amount")
	}
}

func TestCreditPrepaidThenBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if err := svc.CreditPrepaid(ctx, "owner-1", big.NewInt(250)); err != nil {
		t.Fatal(err)
	}
	bal, err := svc.PrepaidBalance(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("expected balance 250, got %s", bal.String())
	}
}

func TestGetJobStatusNotFound(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.GetJobStatus(context.Background(), "missing-job"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestGetQueueStatusReportsBacklogAndInFlight(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	jobs := svc.jobs.(*store.JobStore)

	if err := svc.Queue.Push(ctx, domain.Job{JobID: "job-1", Priority: domain.PriorityHigh, Amount: big.NewInt(1), MaxAttempts: 1}); err != nil {
		t.Fatal(err)
	}

	leased := domain.Job{JobID: "job-2", Priority: domain.PriorityNormal, State: domain.JobStateLeased, MaxAttempts: 1}
	if err := jobs.SaveJob(ctx, leased); err != nil {
		t.Fatal(err)
	}

	status, err := svc.GetQueueStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.QueuedByPriority[domain.PriorityHigh.String()] != 1 {
		t.Fatalf("expected 1 queued high-priority job, got %d", status.QueuedByPriority[domain.PriorityHigh.String()])
	}
	if status.InFlight != 1 || len(status.InFlightIDs) != 1 || status.InFlightIDs[0] != "job-2" {
		t.Fatalf("expected job-2 reported in flight, got %+v", status)
	}
	if status.MaxConcurrent != 1 {
		t.Fatalf("expected max_concurrent 1, got %d", status.MaxConcurrent)
	}
}

func TestSuggestPriorityEscalatesWithUrgencyAndAge(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	low, err := svc.SuggestPriority(ctx, 0.1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if low != domain.PriorityLow {
		t.Fatalf("expected low priority for low urgency, got %s", low.String())
	}

	urgent, err := svc.SuggestPriority(ctx, 1.6, 0)
	if err != nil {
		t.Fatal(err)
	}
	if urgent != domain.PriorityUrgent {
		t.Fatalf("expected urgent priority for high urgency, got %s", urgent.String())
	}
}
