package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relaycore/relayer/internal/domain"
	"github.com/relaycore/relayer/internal/kvstore"
)

const (
	jobKeyPrefix      = "job:"
	rollbackKeyPrefix = "rollback:"
	jobIndexKey       = "job_index"
	rollbackIndexKey  = "rollback_index"
)

// JobStore persists Jobs and RollbackPoints in a KV store, alongside a
// durable index of known IDs under jobIndexKey/rollbackIndexKey so the
// startup sweep can enumerate rollback points after a restart without
// the KV store needing a native scan primitive. Index updates are
// read-modify-write and serialized with an in-process mutex; a
// multi-instance deployment would need this pushed down into a KV-native
// set, which the narrow kvstore.Store primitive set deliberately doesn't
// provide, mirroring what a real Redis deployment would cost to add.
type JobStore struct {
	kv kvstore.Store
	mu sync.Mutex
}

func NewJobStore(kv kvstore.Store) *JobStore {
	return &JobStore{kv: kv}
}

func (s *JobStore) SaveJob(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.kv.Set(ctx, jobKeyPrefix+job.JobID, string(payload), 0); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return s.addToIndex(ctx, jobIndexKey, job.JobID)
}

func (s *JobStore) GetJob(ctx context.Context, jobID string) (domain.Job, bool, error) {
	raw, ok, err := s.kv.Get(ctx, jobKeyPrefix+jobID)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("get job: %w", err)
	}
	if !ok {
		return domain.Job{}, false, nil
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, true, nil
}

func (s *JobStore) ListSubmitted(ctx context.Context) ([]domain.Job, error) {
	return s.ListByState(ctx, domain.JobStateSubmitted)
}

// ListByState returns every known job currently in one of the given
// states, by scanning the durable job index. Used by the receipt poller
// (submitted) and by the operator queue-status view (leased, submitted).
func (s *JobStore) ListByState(ctx context.Context, states ...domain.JobState) ([]domain.Job, error) {
	want := make(map[domain.JobState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	ids, err := s.readIndex(ctx, jobIndexKey)
	if err != nil {
		return nil, err
	}
	var out []domain.Job
	for _, id := range ids {
		job, ok, err := s.GetJob(ctx, id)
		if err != nil || !ok {
			continue
		}
		if want[job.State] {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *JobStore) SaveRollbackPoint(ctx context.Context, rp domain.RollbackPoint) error {
	payload, err := json.Marshal(rp)
	if err != nil {
		return fmt.Errorf("marshal rollback point: %w", err)
	}
	if err := s.kv.Set(ctx, rollbackKeyPrefix+rp.JobID, string(payload), 0); err != nil {
		return fmt.Errorf("save rollback point: %w", err)
	}
	return s.addToIndex(ctx, rollbackIndexKey, rp.JobID)
}

func (s *JobStore) GetRollbackPoint(ctx context.Context, jobID string) (domain.RollbackPoint, bool, error) {
	raw, ok, err := s.kv.Get(ctx, rollbackKeyPrefix+jobID)
	if err != nil {
		return domain.RollbackPoint{}, false, fmt.Errorf("get rollback point: %w", err)
	}
	if !ok {
		return domain.RollbackPoint{}, false, nil
	}
	var rp domain.RollbackPoint
	if err := json.Unmarshal([]byte(raw), &rp); err != nil {
		return domain.RollbackPoint{}, false, fmt.Errorf("unmarshal rollback point: %w", err)
	}
	return rp, true, nil
}

func (s *JobStore) MarkRolledBack(ctx context.Context, jobID string) error {
	rp, ok, err := s.GetRollbackPoint(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no rollback point for job %s", domain.ErrNotFound, jobID)
	}
	rp.RolledBack = true
	return s.SaveRollbackPoint(ctx, rp)
}

func (s *JobStore) ListOpenRollbackPoints(ctx context.Context) ([]domain.RollbackPoint, error) {
	ids, err := s.readIndex(ctx, rollbackIndexKey)
	if err != nil {
		return nil, err
	}
	var out []domain.RollbackPoint
	for _, id := range ids {
		rp, ok, err := s.GetRollbackPoint(ctx, id)
		if err != nil || !ok {
			continue
		}
		if !rp.RolledBack {
			out = append(out, rp)
		}
	}
	return out, nil
}

func (s *JobStore) readIndex(ctx context.Context, key string) ([]string, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal index %s: %w", key, err)
	}
	return ids, nil
}

func (s *JobStore) addToIndex(ctx context.Context, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readIndex(ctx, key)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	payload, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal index %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, string(payload), 0)
}
