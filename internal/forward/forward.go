// Package forward relays local TCP connections to one fixed upstream through
// an instrumented dialer, so processes that cannot be linked against the
// interception layer still get stats and fault injection on that path.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
)

// ContextDialer is satisfied by *socket.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Rule maps a local listen address to an upstream address.
type Rule struct {
	Listen   string
	Upstream string
}

// ParseRule parses "listen=upstream", e.g. "127.0.0.1:15432=db.internal:5432".
func ParseRule(s string) (Rule, error) {
	listen, upstream, ok := strings.Cut(s, "=")
	if !ok || listen == "" || upstream == "" {
		return Rule{}, fmt.Errorf("invalid forward rule %q: want listen=upstream", s)
	}
	for _, addr := range []string{listen, upstream} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return Rule{}, fmt.Errorf("invalid forward rule %q: %w", s, err)
		}
	}
	return Rule{Listen: listen, Upstream: upstream}, nil
}

// Forwarder relays every accepted connection to Rule.Upstream.
type Forwarder struct {
	rule   Rule
	dialer ContextDialer
	logger *slog.Logger

	wg sync.WaitGroup
}

func New(rule Rule, dialer ContextDialer, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{rule: rule, dialer: dialer, logger: logger.With("listen", rule.Listen, "upstream", rule.Upstream)}
}

// Serve accepts on l until ctx is done or l fails, then closes l and waits
// for the open relays to finish.
func (f *Forwarder) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer f.wg.Wait()

	for {
		client, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept on %s: %w", f.rule.Listen, err)
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.relay(ctx, client)
		}()
	}
}

func (f *Forwarder) relay(ctx context.Context, client net.Conn) {
	defer client.Close()

	upstream, err := f.dialer.DialContext(ctx, "tcp", f.rule.Upstream)
	if err != nil {
		f.logger.Debug("upstream dial failed", "peer", client.RemoteAddr().String(), "error", err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		if _, err := io.Copy(dst, src); err != nil && !errors.Is(err, net.ErrClosed) {
			f.logger.Debug("relay stopped", "error", err)
		}
		done <- struct{}{}
	}
	go pipe(upstream, client)
	go pipe(client, upstream)

	select {
	case <-done:
	case <-ctx.Done():
	}
	// Unblock the other direction.
	client.Close()
	upstream.Close()
	<-done
}
