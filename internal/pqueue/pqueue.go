// Package pqueue implements the durable, strictly-prioritized backlog:
// four FIFO lanes (urgent, high, normal, low) backed by a KV store's list
// primitives, a max-size backpressure bound, and backoff re-entry for
// jobs that fail and need to be retried later.
package pqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaycore/relayer/internal/domain"
	"github.com/relaycore/relayer/internal/kvstore"

	"github.com/sirupsen/logrus"
)

const queueKeyPrefix = "queue:"

// Config tunes backoff and backpressure.
type Config struct {
	MaxSize      int64 // 0 means unbounded
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// Queue is the C2 priority queue component.
type Queue struct {
	cfg    Config
	store  kvstore.Store
	logger *logrus.Logger
}

func NewQueue(cfg Config, store kvstore.Store, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Minute
	}
	return &Queue{cfg: cfg, store: store, logger: logger}
}

// Push appends a fresh job to the tail of its priority class's lane. It
// enforces the max-size bound across all lanes combined.
func (q *Queue) Push(ctx context.Context, job domain.Job) error {
	if q.cfg.MaxSize > 0 {
		total, err := q.totalSize(ctx)
		if err != nil {
			return fmt.Errorf("%w: size check: %v", domain.ErrInternal, err)
		}
		if total >= q.cfg.MaxSize {
			return fmt.Errorf("%w: %d items queued, limit is %d", domain.ErrQueueFull, total, q.cfg.MaxSize)
		}
	}
	return q.push(ctx, job)
}

func (q *Queue) push(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.store.LPush(ctx, laneKey(job.Priority), string(payload)); err != nil {
		return fmt.Errorf("push to lane: %w", err)
	}
	return nil
}

// Pop scans priority lanes from urgent to low and returns the first job
// whose NotBefore has elapsed. Jobs still in backoff are put back at the
// tail of their own lane rather than blocking the class behind them.
func (q *Queue) Pop(ctx context.Context) (domain.Job, bool, error) {
	now := time.Now()
	for _, p := range domain.Priorities {
		key := laneKey(p)
		length, err := q.store.LLen(ctx, key)
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("%w: %v", domain.ErrInternal, err)
		}
		// bound the scan to the lane's current length so a lane made up
		// entirely of not-yet-due jobs can't spin forever.
		for i := int64(0); i < length; i++ {
			raw, ok, err := q.store.RPop(ctx, key)
			if err != nil {
				return domain.Job{}, false, fmt.Errorf("%w: %v", domain.ErrInternal, err)
			}
			if !ok {
				break
			}
			var job domain.Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				q.logger.WithFields(logrus.Fields{"error": err}).Error("pqueue: dropping corrupt queue entry")
				continue
			}
			if job.NotBefore.After(now) {
				if err := q.store.LPush(ctx, key, raw); err != nil {
					return domain.Job{}, false, fmt.Errorf("%w: %v", domain.ErrInternal, err)
				}
				continue
			}
			return job, true, nil
		}
	}
	return domain.Job{}, false, nil
}

// Requeue re-enters a job that failed an attempt, appending it to the
// tail of its priority lane (never the head) with an exponential backoff
// delay gating when it becomes poppable again.
func (q *Queue) Requeue(ctx context.Context, job domain.Job) error {
	delay := q.backoffDelay(job.AttemptCount)
	job.NotBefore = time.Now().Add(delay)
	job.State = domain.JobStateQueued
	job.UpdatedAt = time.Now()
	q.logger.WithFields(logrus.Fields{
		"job_id": job.JobID, "attempt": job.AttemptCount, "delay": delay,
	}).Info("pqueue: requeueing job with backoff")
	return q.push(ctx, job)
}

func (q *Queue) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	return delay
}

func (q *Queue) totalSize(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range domain.Priorities {
		n, err := q.store.LLen(ctx, laneKey(p))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func laneKey(p domain.Priority) string {
	return queueKeyPrefix + p.String()
}
