package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycore/relayer/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// auditRow is the GORM model backing the audit_log table, following the
// reference backend's convention of a TableName method on every model.
type auditRow struct {
	ID         string `gorm:"primaryKey"`
	JobID      string `gorm:"index"`
	Kind       string
	Detail     string
	Actor      string
	RecordedAt int64 `gorm:"index"`
}

func (auditRow) TableName() string { return "audit_log" }

// Postgres is the durable Log implementation. It's additive-only: rows
// are never updated or deleted by the relayer itself.
type Postgres struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewPostgres(db *gorm.DB, logger *logrus.Logger) *Postgres {
	if logger == nil {
		logger = logrus.New()
	}
	return &Postgres{db: db, logger: logger}
}

// Migrate creates the audit_log table if it doesn't exist yet.
func (p *Postgres) Migrate() error {
	return p.db.AutoMigrate(&auditRow{})
}

func (p *Postgres) RecordStatusEvent(ctx context.Context, ev domain.StatusEvent) error {
	row := auditRow{
		ID:         fmt.Sprintf("%s:%d", ev.JobID, ev.AttemptCount),
		JobID:      ev.JobID,
		Kind:       "status_event",
		Detail:     fmt.Sprintf("state=%s tx_hash=%s reason=%s", ev.State, ev.TxHash, ev.Reason),
		RecordedAt: ev.At.Unix(),
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		p.logger.WithFields(logrus.Fields{"job_id": ev.JobID, "error": err}).Warn("audit log: failed to record status event")
		return fmt.Errorf("record status event: %w", err)
	}
	return nil
}

func (p *Postgres) RecordAdminAction(ctx context.Context, actor, kind, detail string) error {
	row := auditRow{
		ID:     fmt.Sprintf("admin:%s:%d", actor, time.Now().UnixNano()),
		Kind:   kind,
		Detail: detail,
		Actor:  actor,
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		p.logger.WithFields(logrus.Fields{"actor": actor, "kind": kind, "error": err}).Warn("audit log: failed to record admin action")
		return fmt.Errorf("record admin action: %w", err)
	}
	return nil
}

func (p *Postgres) ListByJob(ctx context.Context, jobID string) ([]Entry, error) {
	var rows []auditRow
	if err := p.db.WithContext(ctx).Where("job_id = ?", jobID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{ID: r.ID, JobID: r.JobID, Kind: r.Kind, Detail: r.Detail, Actor: r.Actor})
	}
	return out, nil
}
