package socket

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"GoSniffy/pkg/capture"
	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/registry"
	"GoSniffy/pkg/scope"
	"GoSniffy/pkg/stats"
)

// fakeConn serves reads from a buffer and swallows writes.
type fakeConn struct {
	mu      sync.Mutex
	in      bytes.Buffer
	out     bytes.Buffer
	readErr error
	closed  bool
}

func (f *fakeConn) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.in.Len() == 0 {
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, io.EOF
	}
	n, _ := f.in.Read(b)
	if f.in.Len() == 0 && f.readErr != nil {
		return n, f.readErr
	}
	return n, nil
}

func (f *fakeConn) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Write(b)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) feed(b []byte) {
	f.mu.Lock()
	f.in.Write(b)
	f.mu.Unlock()
}

func (f *fakeConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (f *fakeConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// recordingSleeper logs requested delays without sleeping.
type recordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration, _ <-chan struct{}) {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
}

func (s *recordingSleeper) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, d := range s.calls {
		sum += d
	}
	return sum
}

func (s *recordingSleeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fixture struct {
	reg     *registry.Registry
	stats   *stats.Stats
	rec     *capture.Recorder
	sleeper *recordingSleeper
	ic      *Interceptor
}

func newFixture(window int) *fixture {
	f := &fixture{
		reg:     registry.New(),
		stats:   stats.New("test", 4),
		rec:     capture.NewRecorder(capture.Options{Buffered: true, MergeThreshold: time.Second}),
		sleeper: &recordingSleeper{},
	}
	f.ic = NewInterceptor(f.reg, f.stats, f.rec, Options{
		Monitor:        true,
		FaultInjection: true,
		DefaultWindow:  window,
		Sleeper:        f.sleeper,
	})
	return f
}

var target = meta.SocketTarget("db.internal", 5432)

func TestConn_ReadDelayCycles(t *testing.T) {
	f := newFixture(5)
	ctx := context.Background()
	f.reg.SetStatus(ctx, target, registry.Delay(10*time.Millisecond))

	raw := &fakeConn{}
	raw.feed([]byte("hello, world"))
	conn := f.ic.Wrap(ctx, raw, target)

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil || n != 12 {
		t.Fatalf("Read = %d, %v", n, err)
	}

	// 12 bytes over a 5 byte window: 1 + 12/5 = 3 cycles of 10ms.
	if got := f.sleeper.total(); got != 30*time.Millisecond {
		t.Errorf("expected 30ms of injected delay, got %v", got)
	}
	key := meta.NewKey(target, conn.ID(), "", meta.Thread{})
	if got := f.stats.Snapshot(key).BytesDown; got != 12 {
		t.Errorf("expected 12 bytes down, got %d", got)
	}
}

func TestConn_ReadBudget(t *testing.T) {
	f := newFixture(5)
	ctx := context.Background()
	f.reg.SetStatus(ctx, target, registry.Delay(10*time.Millisecond))

	raw := &fakeConn{}
	conn := f.ic.Wrap(ctx, raw, target)

	steps := []struct {
		size   int
		cycles int
	}{
		{1, 1},  // budget starts empty
		{5, 0},  // a full window is now buffered
		{1, 1},  // overflow again
		{11, 2}, // 5 - 11 = -6: 1 + 6/5
	}

	for i, step := range steps {
		before := f.sleeper.count()
		raw.feed(bytes.Repeat([]byte{'x'}, step.size))
		buf := make([]byte, step.size)
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Fatalf("step %d: read failed: %v", i, err)
		}
		got := 0
		if f.sleeper.count() > before {
			f.sleeper.mu.Lock()
			got = int(f.sleeper.calls[len(f.sleeper.calls)-1] / (10 * time.Millisecond))
			f.sleeper.mu.Unlock()
		}
		if got != step.cycles {
			t.Errorf("step %d: read of %d bytes charged %d cycles, want %d", i, step.size, got, step.cycles)
		}
	}
}

func TestConn_ClosedRefusesEverything(t *testing.T) {
	f := newFixture(1024)
	ctx := context.Background()

	raw := &fakeConn{}
	raw.feed([]byte("data"))
	conn := f.ic.Wrap(ctx, raw, target)
	f.reg.SetStatus(ctx, target, registry.Closed)

	if _, err := conn.Read(make([]byte, 8)); !IsRefused(err) {
		t.Errorf("read should be refused, got %v", err)
	}
	if _, err := conn.Write([]byte("x")); !IsRefused(err) {
		t.Errorf("write should be refused, got %v", err)
	}
	var refused *RefusedError
	_, err := conn.Write([]byte("x"))
	if !errors.As(err, &refused) || refused.Target != target {
		t.Fatalf("expected RefusedError carrying the target, got %v", err)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) {
		t.Errorf("RefusedError should be a net.Error")
	}
	if raw.out.Len() != 0 {
		t.Errorf("refused writes must not reach the connection")
	}
	if f.sleeper.count() != 0 {
		t.Errorf("zero-cycle refusals must not sleep")
	}

	if err := conn.Close(); err != nil {
		t.Errorf("close should never be refused: %v", err)
	}
	if !raw.closed {
		t.Errorf("underlying connection should be closed")
	}
}

type countingDialer struct {
	calls int
	conn  net.Conn
}

func (d *countingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	d.calls++
	return d.conn, nil
}

func TestDialer_Policy(t *testing.T) {
	f := newFixture(1024)
	ctx := context.Background()
	base := &countingDialer{conn: &fakeConn{}}
	dialer := f.ic.NewDialer(base)

	f.reg.SetStatus(ctx, target, registry.ClosedAfter(100*time.Millisecond))
	if _, err := dialer.DialContext(ctx, "tcp", "db.internal:5432"); !IsRefused(err) {
		t.Fatalf("dial should be refused, got %v", err)
	}
	if base.calls != 0 {
		t.Errorf("refused dial must not reach the base dialer")
	}
	if f.sleeper.total() != 100*time.Millisecond {
		t.Errorf("refused dial should still cost one cycle, slept %v", f.sleeper.total())
	}

	f.reg.SetStatus(ctx, target, registry.Delay(20*time.Millisecond))
	conn, err := dialer.DialContext(ctx, "tcp", "DB.internal:5432")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	wrapped, ok := conn.(*Conn)
	if !ok || wrapped.Target() != target {
		t.Fatalf("expected instrumented connection to %v, got %T", target, conn)
	}
	if f.sleeper.total() != 120*time.Millisecond {
		t.Errorf("delayed dial should pay one cycle, total %v", f.sleeper.total())
	}

	if _, err := dialer.DialContext(ctx, "udp", "db.internal:5432"); err != nil {
		t.Fatalf("udp dial failed: %v", err)
	}
	if base.calls != 2 {
		t.Errorf("expected 2 base dials, got %d", base.calls)
	}
}

func TestDialer_Discovery(t *testing.T) {
	f := newFixture(1024)
	dialer := f.ic.NewDialer(&countingDialer{conn: &fakeConn{}})
	if _, err := dialer.DialContext(context.Background(), "tcp", "cache:6379"); err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	entries := f.reg.Enumerate(context.Background())
	if len(entries) != 1 || entries[0].Target != meta.SocketTarget("cache", 6379) || !entries[0].Discovered {
		t.Fatalf("dialed target should be discovered, got %+v", entries)
	}
}

func TestDialer_MixedCaseRule(t *testing.T) {
	f := newFixture(1024)
	ctx := context.Background()
	rule, err := meta.ParseTarget("DB.internal:5432")
	if err != nil {
		t.Fatalf("ParseTarget failed: %v", err)
	}
	f.reg.SetStatus(ctx, rule, registry.Closed)

	base := &countingDialer{conn: &fakeConn{}}
	dialer := f.ic.NewDialer(base)
	for _, addr := range []string{"DB.internal:5432", "db.INTERNAL:5432"} {
		if _, err := dialer.DialContext(ctx, "tcp", addr); !IsRefused(err) {
			t.Errorf("dial %s: expected refusal, got %v", addr, err)
		}
	}
	if base.calls != 0 {
		t.Errorf("refused dials must not reach the network, got %d", base.calls)
	}
	if entries := f.reg.Enumerate(ctx); len(entries) != 1 {
		t.Errorf("no differently-cased entry should be discovered, got %+v", entries)
	}
}

// The same scope writing then reading drops the assumed output budget, so
// ping-pong traffic keeps paying delay; separate scopes keep their budgets.
func TestConn_CrossDirectionReset(t *testing.T) {
	run := func(sameScope bool) int {
		f := newFixture(5)
		ctx := context.Background()
		f.reg.SetStatus(ctx, target, registry.Delay(10*time.Millisecond))

		raw := &fakeConn{}
		conn := f.ic.Wrap(ctx, raw, target)
		writerCtx, _ := scope.With(ctx, "writer")
		readerCtx := writerCtx
		if !sameScope {
			readerCtx, _ = scope.With(ctx, "reader")
		}
		writer, reader := conn.In(writerCtx), conn.In(readerCtx)

		writer.Write([]byte("abc"))
		raw.feed([]byte("r"))
		reader.Read(make([]byte, 1))
		writer.Write([]byte("d"))
		return f.sleeper.count()
	}

	if got := run(true); got != 3 {
		t.Errorf("same scope: expected 3 delay cycles, got %d", got)
	}
	if got := run(false); got != 2 {
		t.Errorf("separate scopes: expected 2 delay cycles, got %d", got)
	}
}

func TestConn_UnderlyingErrorsPassThrough(t *testing.T) {
	f := newFixture(1024)
	boom := errors.New("boom")
	raw := &fakeConn{readErr: boom}
	raw.feed([]byte("abc"))
	conn := f.ic.Wrap(context.Background(), raw, target)

	n, err := conn.Read(make([]byte, 8))
	if n != 3 || err != boom {
		t.Fatalf("expected 3 bytes and the original error, got %d, %v", n, err)
	}
	key := meta.NewKey(target, conn.ID(), "", meta.Thread{})
	if got := f.stats.Snapshot(key); got.BytesDown != 3 || got.Ops != 1 {
		t.Errorf("partial reads must still be recorded, got %+v", got)
	}
}

func TestConn_StatsAndCaptureByScope(t *testing.T) {
	f := newFixture(1024)
	ctx, s := scope.With(context.Background(), "request")
	raw := &fakeConn{}
	conn := f.ic.Wrap(ctx, raw, target)

	cursor := f.rec.Acquire()
	defer f.rec.Release()

	conn.Write([]byte("GET /"))
	raw.feed([]byte("200 OK"))
	conn.Read(make([]byte, 16))

	key := meta.NewKey(target, conn.ID(), "", s.Thread())
	got := f.stats.Snapshot(key)
	if got.BytesUp != 5 || got.BytesDown != 6 || got.Ops != 2 {
		t.Errorf("unexpected totals %+v", got)
	}
	if th := f.stats.Thread(s.ID()); th != got {
		t.Errorf("scope totals %+v should match key totals %+v", th, got)
	}

	packets := f.rec.Since(cursor)[capture.ConnKey{Target: target, ConnID: conn.ID()}]
	if len(packets) != 2 || string(packets[0].Payload) != "GET /" || !packets[0].Sent || string(packets[1].Payload) != "200 OK" {
		t.Fatalf("unexpected capture %+v", packets)
	}
	if packets[0].Thread != s.Thread() {
		t.Errorf("packets should carry the owning scope")
	}
}

func TestConn_MonitorDisabled(t *testing.T) {
	reg := registry.New()
	st := stats.New("test", 1)
	ic := NewInterceptor(reg, st, nil, Options{FaultInjection: false})
	reg.SetStatus(context.Background(), target, registry.Closed)

	raw := &fakeConn{}
	conn := ic.Wrap(context.Background(), raw, target)
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatalf("fault injection disabled should let traffic through: %v", err)
	}
	if st.Len() != 0 {
		t.Errorf("monitoring disabled should record nothing")
	}
}

func TestConn_DelayAbortedByContext(t *testing.T) {
	reg := registry.New()
	ic := NewInterceptor(reg, stats.New("test", 1), nil, Options{Monitor: true, FaultInjection: true, DefaultWindow: 1})
	ctx, cancel := context.WithCancel(context.Background())
	reg.SetStatus(ctx, target, registry.Delay(time.Hour))

	conn := ic.Wrap(context.Background(), &fakeConn{}, target).In(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := conn.Write([]byte("payload"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("an aborted delay must not turn into an error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("write did not return after cancellation")
	}
}

func TestListener_Loopback(t *testing.T) {
	f := newFixture(0)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	wrapped := f.ic.WrapListener(context.Background(), ln)
	defer wrapped.Close()

	go func() {
		c, err := wrapped.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	dialer := f.ic.NewDialer(nil)
	conn, err := dialer.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("echo")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "echo" {
		t.Fatalf("echo failed: %q, %v", buf, err)
	}

	if g := f.stats.Global(); g.BytesUp < 4 || g.BytesDown < 4 {
		t.Errorf("expected both ends to be recorded, got %+v", g)
	}
	if recv, send := conn.(*Conn).windows(); recv <= 0 || send <= 0 {
		t.Errorf("windows should be positive, got %d/%d", recv, send)
	}
}
