package pqueue

import (
	"context"
	"testing"
	"time"

	"github.com/relaycore/relayer/internal/domain"
	"github.com/relaycore/relayer/internal/kvstore"
)

func newTestQueue() *Queue {
	return NewQueue(Config{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}, kvstore.NewMemory(), nil)
}

func TestPopStrictPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	for _, j := range []domain.Job{
		{JobID: "low-1", Priority: domain.PriorityLow},
		{JobID: "urgent-1", Priority: domain.PriorityUrgent},
		{JobID: "normal-1", Priority: domain.PriorityNormal},
		{JobID: "high-1", Priority: domain.PriorityHigh},
	} {
		if err := q.Push(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	wantOrder := []string{"urgent-1", "high-1", "normal-1", "low-1"}
	for _, want := range wantOrder {
		job, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			t.Fatalf("Pop failed: ok=%v err=%v", ok, err)
		}
		if job.JobID != want {
			t.Fatalf("expected %q next, got %q", want, job.JobID)
		}
	}
}

func TestPopFIFOWithinClass(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, domain.Job{JobID: id, Priority: domain.PriorityNormal}); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		job, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			t.Fatalf("Pop failed: ok=%v err=%v", ok, err)
		}
		if job.JobID != want {
			t.Fatalf("expected %q, got %q", want, job.JobID)
		}
	}
}

func TestRequeueGoesToTailWithBackoff(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(Config{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}, kvstore.NewMemory(), nil)

	if err := q.Push(ctx, domain.Job{JobID: "first", Priority: domain.PriorityNormal}); err != nil {
		t.Fatal(err)
	}
	retried := domain.Job{JobID: "retried", Priority: domain.PriorityNormal, AttemptCount: 1}
	if err := q.Requeue(ctx, retried); err != nil {
		t.Fatal(err)
	}

	// "first" has no backoff delay and should pop before "retried", which
	// is gated by NotBefore even though it was pushed second overall.
	job, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("Pop failed: ok=%v err=%v", ok, err)
	}
	if job.JobID != "first" {
		t.Fatalf("expected 'first' to pop before backoff-gated retry, got %q", job.JobID)
	}

	time.Sleep(75 * time.Millisecond)
	job, ok, err = q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("Pop failed after backoff elapsed: ok=%v err=%v", ok, err)
	}
	if job.JobID != "retried" {
		t.Fatalf("expected 'retried' once backoff elapsed, got %q", job.JobID)
	}
}

func TestPushRejectsWhenFull(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(Config{MaxSize: 1}, kvstore.NewMemory(), nil)

	if err := q.Push(ctx, domain.Job{JobID: "one", Priority: domain.PriorityLow}); err != nil {
		t.Fatal(err)
	}
	err := q.Push(ctx, domain.Job{JobID: "two", Priority: domain.PriorityLow})
	if err == nil {
		t.Fatal("expected queue-full error")
	}
}
