package kvstore

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.SetIfAbsent(ctx, "replay:0xabc:1", "intent-1", time.Hour)
	if err != nil || !ok {
		t.Fatalf("first SetIfAbsent should succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = m.SetIfAbsent(ctx, "replay:0xabc:1", "intent-2", time.Hour)
	if err != nil || ok {
		t.Fatalf("second SetIfAbsent on same key should fail, got ok=%v err=%v", ok, err)
	}
}

func TestMemorySetIfAbsentExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.SetIfAbsent(ctx, "k", "v", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	ok, err := m.SetIfAbsent(ctx, "k", "v2", time.Hour)
	if err != nil || !ok {
		t.Fatalf("expired key should be settable again, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryIncr(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 5; i++ {
		if _, err := m.Incr(ctx, "rate:key1", 1, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	n, err := m.Incr(ctx, "rate:key1", 0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("expected 5, got %d", n)
	}
}

func TestMemoryListFIFO(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, v := range []string{"job-1", "job-2", "job-3"} {
		if err := m.LPush(ctx, "queue:urgent", v); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []string{"job-1", "job-2", "job-3"} {
		got, ok, err := m.RPop(ctx, "queue:urgent")
		if err != nil || !ok {
			t.Fatalf("RPop failed: ok=%v err=%v", ok, err)
		}
		if got != want {
			t.Fatalf("expected FIFO order, got %q want %q", got, want)
		}
	}

	if _, ok, _ := m.RPop(ctx, "queue:urgent"); ok {
		t.Fatal("expected empty queue after draining")
	}
}
