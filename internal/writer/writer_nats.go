package writer

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"GoSniffy/internal/events"
	"GoSniffy/internal/model"
	"GoSniffy/pkg/stats"
)

// NATSWriter publishes every snapshot as one message.
type NATSWriter struct {
	nc       *nats.Conn
	subject  string
	interval time.Duration
}

// NewNATSWriter publishes on an existing connection.
func NewNATSWriter(nc *nats.Conn, subject string, interval time.Duration) model.Writer {
	return &NATSWriter{nc: nc, subject: subject, interval: interval}
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *NATSWriter) GetInterval() time.Duration {
	return w.interval
}

func (w *NATSWriter) Write(snapshot stats.SnapshotData, timestamp string) error {
	data, err := events.EncodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", timestamp, err)
	}
	if err := w.nc.Publish(w.subject, data); err != nil {
		return fmt.Errorf("failed to publish snapshot %s: %w", timestamp, err)
	}
	return nil
}
