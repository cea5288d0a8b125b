package socket

import (
	"context"
	"net"
	"strconv"
	"time"

	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/scope"
	"GoSniffy/pkg/stats"
)

// ContextDialer is satisfied by *net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Dialer establishes instrumented stream connections.
type Dialer struct {
	Base        ContextDialer
	Interceptor *Interceptor
}

// NewDialer wraps base, or a zero net.Dialer when base is nil.
func (ic *Interceptor) NewDialer(base ContextDialer) *Dialer {
	if base == nil {
		base = &net.Dialer{}
	}
	return &Dialer{Base: base, Interceptor: ic}
}

func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext pays one delay cycle for the target before dialing and refuses
// closed targets. Non-stream networks are dialed without instrumentation.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !isStream(network) {
		return d.Base.DialContext(ctx, network, address)
	}
	target, err := TargetFromAddress(address)
	if err != nil {
		return d.Base.DialContext(ctx, network, address)
	}

	ic := d.Interceptor
	id := ic.NextID()
	start := time.Now()
	defer func() {
		key := meta.NewKey(target, id, ic.Trace(), scope.FromContext(ctx).Thread())
		ic.Record(key, stats.Sample{Elapsed: time.Since(start)})
	}()

	if err := ic.Check(ctx, "dial", target, 1, nil); err != nil {
		return nil, err
	}
	raw, err := d.Base.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return ic.wrap(ctx, raw, target, id), nil
}

func isStream(network string) bool {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
		return true
	}
	return false
}

// TargetFromAddress converts a dial address to a socket target.
func TargetFromAddress(address string) (meta.Target, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return meta.SocketTarget(address, 0), nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port, err = net.LookupPort("tcp", portStr)
		if err != nil {
			return meta.Target{}, err
		}
	}
	return meta.SocketTarget(host, port), nil
}

// Listener instruments accepted connections. Their target is the peer.
type Listener struct {
	net.Listener
	Interceptor *Interceptor
	// Context supplies values, such as a scope, for accepted connections.
	Context context.Context
}

// WrapListener instruments every connection accepted from l.
func (ic *Interceptor) WrapListener(ctx context.Context, l net.Listener) *Listener {
	return &Listener{Listener: l, Interceptor: ic, Context: ctx}
}

// Accept drops peers refused by policy and keeps accepting, so a server
// loop is never stopped by a closed target.
func (l *Listener) Accept() (net.Conn, error) {
	ctx := l.Context
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		raw, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		target, err := TargetFromAddress(raw.RemoteAddr().String())
		if err != nil {
			return raw, nil
		}
		if err := l.Interceptor.Check(ctx, "accept", target, 0, nil); err != nil {
			l.Interceptor.logger.Debug("refused accepted connection", "peer", target.String())
			raw.Close()
			continue
		}
		return l.Interceptor.Wrap(ctx, raw, target), nil
	}
}
