package auditlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaycore/relayer/internal/domain"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSBus publishes status events to a best-effort fanout subject for
// external subscribers. It never blocks the lifecycle manager on publish
// failure — a dropped status notification is recoverable by polling
// get_job_status, so this is deliberately fire-and-forget, logged at Warn
// rather than propagated as an error.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
}

// NewNATSBus connects with the same reconnect posture the reference
// backend's NATS client uses: unlimited reconnect attempts, a bounded
// wait between them.
func NewNATSBus(url, subject string, logger *logrus.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = logrus.New()
	}
	conn, err := nats.Connect(url,
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithFields(logrus.Fields{"error": err}).Warn("status bus: disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("status bus: reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect status bus: %w", err)
	}
	return &NATSBus{conn: conn, subject: subject, logger: logger}, nil
}

// Publish fans a status event out to subscribers. Failures are logged,
// not returned, so a NATS outage never blocks a state transition.
func (b *NATSBus) Publish(ev domain.StatusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.WithFields(logrus.Fields{"job_id": ev.JobID, "error": err}).Warn("status bus: failed to marshal event")
		return
	}
	if err := b.conn.Publish(b.subject, payload); err != nil {
		b.logger.WithFields(logrus.Fields{"job_id": ev.JobID, "error": err}).Warn("status bus: failed to publish event")
	}
}

func (b *NATSBus) Close() {
	b.conn.Close()
}
