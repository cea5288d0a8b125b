package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"GoSniffy/pkg/registry"
)

// CommandHandler processes a received control command.
type CommandHandler func(cmd Command)

// Subscriber is responsible for receiving control commands from a NATS subject.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
}

// NewSubscriber subscribes on an existing connection.
func NewSubscriber(nc *nats.Conn, subject string) *Subscriber {
	return &Subscriber{nc: nc, subject: subject}
}

// Start subscribes to the control subject and hands every valid command to
// handler. Malformed messages are logged and dropped.
func (s *Subscriber) Start(handler CommandHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		cmd, err := DecodeCommand(msg.Data)
		if err != nil {
			slog.Warn("dropping control message", "subject", msg.Subject, "error", err)
			return
		}
		handler(cmd)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub
	slog.Info("listening for registry commands", "subject", s.subject)
	return nil
}

// Close unsubscribes. The connection is owned by the caller.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

// Apply returns a handler that executes commands against the global table
// of reg.
func Apply(reg *registry.Registry) CommandHandler {
	return func(cmd Command) {
		ctx := context.Background()
		switch cmd.Op {
		case OpSet:
			reg.SetStatus(ctx, cmd.Entry.Target, cmd.Entry.Status)
		case OpRemove:
			reg.Remove(ctx, cmd.Entry.Target)
		case OpClear:
			reg.Clear(ctx)
		}
		slog.Info("applied registry command", "op", cmd.Op, "target", cmd.Entry.Target.String(), "status", cmd.Entry.Status.String())
	}
}
