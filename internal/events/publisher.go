package events

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"GoSniffy/internal/config"
	"GoSniffy/pkg/registry"
)

// Publisher is responsible for publishing registry changes to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.EventsConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("sniffy-events"))
	if err != nil {
		return nil, err
	}
	slog.Info("connected to NATS", "url", cfg.NATSURL, "subject", cfg.Subject)
	return NewPublisherConn(nc, cfg.Subject), nil
}

// NewPublisherConn publishes on an existing connection.
func NewPublisherConn(nc *nats.Conn, subject string) *Publisher {
	return &Publisher{nc: nc, subject: subject}
}

// Conn exposes the connection for other NATS users of the process.
func (p *Publisher) Conn() *nats.Conn { return p.nc }

// Publish serializes a change and publishes it to the configured subject.
func (p *Publisher) Publish(c registry.Change) error {
	data, err := EncodeChange(c, time.Now())
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Attach publishes every change of reg. Failures are logged.
func (p *Publisher) Attach(reg *registry.Registry) {
	reg.OnChange(func(c registry.Change) {
		if err := p.Publish(c); err != nil {
			slog.Warn("failed to publish registry change", "target", c.Target.String(), "error", err)
		}
	})
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		slog.Info("NATS connection drained and closed")
	}
}
