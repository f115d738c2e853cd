package admission

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/relaycore/relayer/internal/domain"
	"github.com/relaycore/relayer/internal/kvstore"
	"github.com/relaycore/relayer/internal/pqueue"
	"github.com/relaycore/relayer/internal/store"
)

func newTestGate(t *testing.T) (*Gate, *kvstore.Memory, *store.PrepaidLedger, *store.JobStore) {
	t.Helper()
	kv := kvstore.NewMemory()
	queue := pqueue.NewQueue(pqueue.Config{BaseDelay: time.Millisecond, MaxDelay: time.Second}, kv, nil)
	ledger := store.NewPrepaidLedger(kv)
	jobs := store.NewJobStore(kv)
	cfg := Config{
		RateLimit:    100,
		RateWindow:   time.Minute,
		ReplayWindow: time.Hour,
		MaxIntentAge: time.Hour,
		MinAmount:    big.NewInt(1),
	}
	gate := NewGate(cfg, kv, queue, ledger, jobs, nil)
	return gate, kv, ledger, jobs
}

func signedIntent(t *testing.T, owner string, amount int64, nonce uint64) (domain.PaymentIntent, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey).Hex()

	intent := domain.PaymentIntent{
		IntentID:    "intent-" + from + "-" + big.NewInt(int64(nonce)).String(),
		Owner:       owner,
		From:        from,
		To:          "0x0000000000000000000000000000000000000001",
		Amount:      big.NewInt(amount),
		ChainID:     1,
		Nonce:       nonce,
		Priority:    domain.PriorityNormal,
		SubmittedAt: time.Now(),
	}
	digest := canonicalDigest(intent)
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatal(err)
	}
	intent.Signature = sig
	return intent, from
}

func TestAdmitHappyPath(t *testing.T) {
	ctx := context.Background()
	gate, kv, ledger, _ := newTestGate(t)

	if err := kv.Set(ctx, "ledger:owner-1", "1000", 0); err != nil {
		t.Fatal(err)
	}
	intent, from := signedIntent(t, "owner-1", 100, 1)

	job, err := gate.Admit(ctx, intent)
	if err != nil {
		t.Fatal(err)
	}
	if job.From != from {
		t.Fatalf("expected recovered address %s, got %s", from, job.From)
	}
	if job.State != domain.JobStateQueued {
		t.Fatalf("expected queued state, got %s", job.State)
	}

	bal, err := ledger.Balance(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("expected balance debited to 900, got %s", bal.String())
	}
}

func TestAdmitRejectsReplay(t *testing.T) {
	ctx := context.Background()
	gate, kv, _, _ := newTestGate(t)
	if err := kv.Set(ctx, "ledger:owner-1", "1000", 0); err != nil {
		t.Fatal(err)
	}

	intent, _ := signedIntent(t, "owner-1", 50, 7)
	if _, err := gate.Admit(ctx, intent); err != nil {
		t.Fatal(err)
	}

	// same from+nonce again must be rejected even with a fresh intent id
	intent.IntentID = "intent-replay-attempt"
	if _, err := gate.Admit(ctx, intent); err == nil {
		t.Fatal("expected replay rejection")
	}
}

func TestAdmitRejectsFutureDatedIntent(t *testing.T) {
	ctx := context.Background()
	gate, kv, _, _ := newTestGate(t)
	if err := kv.Set(ctx, "ledger:owner-1", "1000", 0); err != nil {
		t.Fatal(err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey).Hex()
	intent := domain.PaymentIntent{
		IntentID:    "intent-future",
		Owner:       "owner-1",
		From:        from,
		To:          "0x0000000000000000000000000000000000000001",
		Amount:      big.NewInt(50),
		ChainID:     1,
		Nonce:       1,
		Priority:    domain.PriorityNormal,
		SubmittedAt: time.Now().Add(2 * time.Hour),
	}
	digest := canonicalDigest(intent)
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatal(err)
	}
	intent.Signature = sig

	if _, err := gate.Admit(ctx, intent); err == nil {
		t.Fatal("expected rejection of a future-dated intent outside the freshness window")
	}
}

func TestAdmitRejectsInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	gate, kv, _, _ := newTestGate(t)
	if err := kv.Set(ctx, "ledger:owner-1", "10", 0); err != nil {
		t.Fatal(err)
	}

	intent, _ := signedIntent(t, "owner-1", 1000, 1)
	if _, err := gate.Admit(ctx, intent); err == nil {
		t.Fatal("expected insufficient balance rejection")
	}
}

func TestAdmitRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	gate, kv, _, _ := newTestGate(t)
	if err := kv.Set(ctx, "ledger:owner-1", "1000", 0); err != nil {
		t.Fatal(err)
	}

	intent, _ := signedIntent(t, "owner-1", 50, 1)
	intent.Signature[0] ^= 0xFF // corrupt the signature
	if _, err := gate.Admit(ctx, intent); err == nil {
		t.Fatal("expected signature rejection")
	}
}

func TestAdmitEnqueueFailureCreditsBack(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	queue := pqueue.NewQueue(pqueue.Config{MaxSize: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second}, kv, nil)
	ledger := store.NewPrepaidLedger(kv)
	jobs := store.NewJobStore(kv)
	cfg := Config{ReplayWindow: time.Hour, MaxIntentAge: time.Hour, MinAmount: big.NewInt(1)}
	gate := NewGate(cfg, kv, queue, ledger, jobs, nil)

	if err := kv.Set(ctx, "ledger:owner-1", "1000", 0); err != nil {
		t.Fatal(err)
	}
	// fill the queue to its bound directly, bypassing admission, so the
	// next Admit call's Push fails and must trigger the compensating credit.
	if err := queue.Push(ctx, domain.Job{JobID: "filler", Priority: domain.PriorityLow}); err != nil {
		t.Fatal(err)
	}

	intent, _ := signedIntent(t, "owner-1", 100, 1)
	if _, err := gate.Admit(ctx, intent); err == nil {
		t.Fatal("expected enqueue failure due to full queue")
	}

	bal, err := ledger.Balance(ctx, "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if bal.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected balance restored to 1000 after compensating credit, got %s", bal.String())
	}
}
