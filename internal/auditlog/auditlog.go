// Package auditlog abstracts durable, append-only recording of status
// events and admin actions. The relayer's correctness never depends on
// the audit log — it's a write path for operators, not a read path for
// the state machine — so every implementation here treats write failures
// as log-and-continue, never as a reason to fail the operation being
// audited.
package auditlog

import (
	"context"
	"time"

	"github.com/relaycore/relayer/internal/domain"
)

// Entry is one durable audit record.
type Entry struct {
	ID        string
	JobID     string
	Kind      string // "status_event", or the caller-supplied kind of an admin action
	Detail    string
	Actor     string // empty for system-originated entries
	RecordedAt time.Time
}

// Log is the capability set the lifecycle manager and admin API depend on.
type Log interface {
	RecordStatusEvent(ctx context.Context, ev domain.StatusEvent) error
	RecordAdminAction(ctx context.Context, actor, kind, detail string) error
	ListByJob(ctx context.Context, jobID string) ([]Entry, error)
}
