package socket

import (
	"context"
	"net"
	"sync"
	"time"

	"GoSniffy/pkg/capture"
	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/scope"
	"GoSniffy/pkg/stats"
)

// connState is shared by every view of one connection. The buffering
// estimate lives here, not in any caller, so it stays valid whichever
// goroutine or scope drives the I/O.
type connState struct {
	ic     *Interceptor
	raw    net.Conn
	target meta.Target
	id     int64

	closeOnce sync.Once
	closed    chan struct{}

	windowOnce sync.Once
	recvWindow int
	sendWindow int

	mu         sync.Mutex
	pendingIn  int
	pendingOut int
	lastReader uint64
	lastWriter uint64
	readSeen   bool
	writeSeen  bool
}

func (s *connState) windows() (recv, send int) {
	s.windowOnce.Do(func() {
		s.recvWindow, s.sendWindow = bufferSizes(s.raw)
		if s.recvWindow <= 0 {
			s.recvWindow = s.ic.opts.DefaultWindow
		}
		if s.sendWindow <= 0 {
			s.sendWindow = s.ic.opts.DefaultWindow
		}
	})
	return s.recvWindow, s.sendWindow
}

// consumeRead charges n received bytes to the input budget and returns the
// number of delay cycles owed. The same actor switching direction drops
// whatever output it was assumed to have in flight.
func (s *connState) consumeRead(actor uint64, n int) int {
	window, _ := s.windows()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReader, s.readSeen = actor, true
	if s.writeSeen && s.lastWriter == actor {
		s.pendingOut = 0
	}
	s.pendingIn -= n
	if s.pendingIn >= 0 {
		return 0
	}
	cycles := 1 + (-s.pendingIn)/window
	s.pendingIn = window
	return cycles
}

// consumeWrite mirrors consumeRead for sent bytes.
func (s *connState) consumeWrite(actor uint64, n int) int {
	_, window := s.windows()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastWriter, s.writeSeen = actor, true
	if s.readSeen && s.lastReader == actor {
		s.pendingIn = 0
	}
	s.pendingOut -= n
	if s.pendingOut >= 0 {
		return 0
	}
	cycles := 1 + (-s.pendingOut)/window
	s.pendingOut = window
	return cycles
}

// Conn is an instrumented net.Conn. Views created with In share the
// connection state but attribute I/O to a different scope.
type Conn struct {
	*connState
	ctx   context.Context
	scope *scope.Scope
}

var _ net.Conn = (*Conn)(nil)

// In returns a view of c whose I/O is owned by the scope in ctx and whose
// injected delays are cut short when ctx is done.
func (c *Conn) In(ctx context.Context) *Conn {
	return &Conn{connState: c.connState, ctx: ctx, scope: scope.FromContext(ctx)}
}

func (c *Conn) Target() meta.Target { return c.target }
func (c *Conn) ID() int64           { return c.id }

// Unwrap returns the underlying connection.
func (c *Conn) Unwrap() net.Conn { return c.raw }

func (c *Conn) actor() uint64 {
	if c.scope == nil {
		return 0
	}
	return c.scope.ID()
}

func (c *Conn) check(op string, cycles int) error {
	return c.ic.Check(c.ctx, op, c.target, cycles, c.closed)
}

func (c *Conn) Read(b []byte) (n int, err error) {
	if err := c.check("read", 0); err != nil {
		return 0, err
	}
	start := time.Now()
	defer func() {
		c.record(time.Since(start), b[:max(n, 0)], false)
	}()

	n, err = c.raw.Read(b)
	if n > 0 {
		if cycles := c.consumeRead(c.actor(), n); cycles > 0 {
			if cerr := c.check("read", cycles); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return n, err
}

func (c *Conn) Write(b []byte) (n int, err error) {
	if err := c.check("write", 0); err != nil {
		return 0, err
	}
	start := time.Now()
	defer func() {
		c.record(time.Since(start), b[:max(n, 0)], true)
	}()

	n, err = c.raw.Write(b)
	if n > 0 {
		if cycles := c.consumeWrite(c.actor(), n); cycles > 0 {
			if cerr := c.check("write", cycles); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return n, err
}

// Close pays one delay cycle for a delayed target but is never refused, and
// always closes the underlying connection.
func (c *Conn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		_ = c.check("close", 1)
		close(c.closed)
		err = c.raw.Close()
	})
	return err
}

func (c *Conn) record(elapsed time.Duration, payload []byte, sent bool) {
	thread := c.scope.Thread()
	trace := c.ic.Trace()

	sample := stats.Sample{Elapsed: elapsed}
	if sent {
		sample.BytesUp = int64(len(payload))
	} else {
		sample.BytesDown = int64(len(payload))
	}
	c.ic.Record(meta.NewKey(c.target, c.id, trace, thread), sample)

	if len(payload) > 0 && c.ic.capturing() {
		c.ic.recordTraffic(capture.ConnKey{Target: c.target, ConnID: c.id}, sent, payload, trace, thread)
	}
}

func (c *Conn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }
