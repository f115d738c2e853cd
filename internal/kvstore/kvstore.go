// Package kvstore defines the storage primitives every other relayer
// component is built on: simple get/set, atomic set-if-absent for replay
// protection, atomic counters for rate limiting, and list operations for
// the priority queue's per-class backlogs.
package kvstore

import (
	"context"
	"time"
)

// Store is the capability set the admission gate, priority queue and
// wallet pool depend on. Production traffic runs against the redis-backed
// implementation; tests run against the in-memory one. Neither side knows
// which it's talking to.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfAbsent returns true if the key did not already exist and was
	// written. It must be atomic: two concurrent callers racing on the
	// same key must never both observe true.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	// Incr atomically increments key by delta, creating it at 0 first if
	// absent, and returns the new value. Used for rate-limit counters.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// LPush pushes value onto the head of the list at key.
	LPush(ctx context.Context, key, value string) error
	// RPop pops a value from the tail of the list at key. ok is false
	// when the list is empty.
	RPop(ctx context.Context, key string) (value string, ok bool, err error)
	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int64, error)
}
