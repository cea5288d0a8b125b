// Package socket wraps net.Conn so that every connect, read and write is
// checked against the connection registry, delayed according to a
// buffering-aware estimate, and recorded into stats and traffic capture.
package socket

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"GoSniffy/pkg/capture"
	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/registry"
	"GoSniffy/pkg/scope"
	"GoSniffy/pkg/stats"
)

// DefaultWindow is used when the operating system buffer sizes are unknown.
const DefaultWindow = 64 * 1024

// Options controls which concerns the interceptor applies.
type Options struct {
	// Monitor records per-operation stats.
	Monitor bool
	// FaultInjection honors registry statuses.
	FaultInjection bool
	// CaptureTraces attaches the call site to every stats key and packet.
	CaptureTraces bool
	// DefaultWindow overrides DefaultWindow when positive.
	DefaultWindow int
	Sleeper       Sleeper
	Logger        *slog.Logger
}

// Interceptor holds what every wrapped connection shares.
type Interceptor struct {
	registry *registry.Registry
	stats    *stats.Stats
	recorder *capture.Recorder
	opts     Options
	logger   *slog.Logger

	nextID atomic.Int64
}

// NewInterceptor builds an interceptor. recorder may be nil.
func NewInterceptor(reg *registry.Registry, st *stats.Stats, rec *capture.Recorder, opts Options) *Interceptor {
	if opts.Sleeper == nil {
		opts.Sleeper = TimerSleeper
	}
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Interceptor{
		registry: reg,
		stats:    st,
		recorder: rec,
		opts:     opts,
		logger:   opts.Logger,
	}
}

func (ic *Interceptor) Options() Options { return ic.opts }

// NextID allocates a connection identity. Connections instrumented outside
// this package draw from the same sequence.
func (ic *Interceptor) NextID() int64 { return ic.nextID.Add(1) }

func (ic *Interceptor) Logger() *slog.Logger { return ic.logger }

// Check enforces the registry status of target for the given number of
// delay cycles. A closed target still pays its per-cycle delay before being
// refused. With zero cycles only the refusal is applied.
func (ic *Interceptor) Check(ctx context.Context, op string, target meta.Target, cycles int, abort <-chan struct{}) error {
	if !ic.opts.FaultInjection || ic.registry == nil {
		return nil
	}
	status := ic.registry.Resolve(ctx, target)
	if d := status.PerCycle(); d > 0 && cycles > 0 {
		ic.opts.Sleeper.Sleep(ctx, d*time.Duration(cycles), abort)
	}
	if status.IsClosed() {
		return &RefusedError{Op: op, Target: target}
	}
	return nil
}

// Record adds one operation to stats. Failures are logged, never returned.
func (ic *Interceptor) Record(key meta.Key, sample stats.Sample) {
	if !ic.opts.Monitor || ic.stats == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			ic.logger.Error("failed to record stats", "target", key.Target.String(), "panic", p)
		}
	}()
	ic.stats.Record(key, sample)
}

// capturing reports whether packets would currently be retained.
func (ic *Interceptor) capturing() bool {
	return ic.recorder != nil && ic.recorder.Active()
}

func (ic *Interceptor) recordTraffic(conn capture.ConnKey, sent bool, payload []byte, trace string, thread meta.Thread) {
	defer func() {
		if p := recover(); p != nil {
			ic.logger.Error("failed to record traffic", "target", conn.Target.String(), "panic", p)
		}
	}()
	ic.recorder.Record(conn, sent, payload, time.Now(), trace, thread)
}

// Trace captures the current call site when trace capture is on, omitting
// the frames of the instrumentation itself.
func (ic *Interceptor) Trace() string {
	if !ic.opts.CaptureTraces {
		return ""
	}
	return meta.CaptureTrace(1, "GoSniffy/pkg/socket.", "GoSniffy/pkg/sqlspy.", "net/http.", "database/sql.")
}

// Wrap instruments a connection that was established elsewhere. The scope
// in ctx, if any, owns the connection's I/O by default.
func (ic *Interceptor) Wrap(ctx context.Context, raw net.Conn, target meta.Target) *Conn {
	return ic.wrap(ctx, raw, target, ic.NextID())
}

func (ic *Interceptor) wrap(ctx context.Context, raw net.Conn, target meta.Target, id int64) *Conn {
	st := &connState{
		ic:     ic,
		raw:    raw,
		target: target,
		id:     id,
		closed: make(chan struct{}),
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// Dial contexts are often cancelled as soon as the dial returns; only
	// their values are kept for the life of the connection.
	ctx = context.WithoutCancel(ctx)
	return &Conn{connState: st, ctx: ctx, scope: scope.FromContext(ctx)}
}
