package auditlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaycore/relayer/internal/domain"
)

// Memory is an in-process Log used in tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordStatusEvent(_ context.Context, ev domain.StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{
		ID:         fmt.Sprintf("%s:%d", ev.JobID, ev.AttemptCount),
		JobID:      ev.JobID,
		Kind:       "status_event",
		Detail:     fmt.Sprintf("state=%s tx_hash=%s reason=%s", ev.State, ev.TxHash, ev.Reason),
		RecordedAt: ev.At,
	})
	return nil
}

func (m *Memory) RecordAdminAction(_ context.Context, actor, kind, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{
		ID:         fmt.Sprintf("admin:%s:%d", actor, time.Now().UnixNano()),
		Kind:       kind,
		Detail:     detail,
		Actor:      actor,
		RecordedAt: time.Now(),
	})
	return nil
}

func (m *Memory) ListByJob(_ context.Context, jobID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) All() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
