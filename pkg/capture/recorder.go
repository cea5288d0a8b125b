// Package capture records raw payloads exchanged over instrumented
// connections while at least one capture window is open.
package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"GoSniffy/pkg/meta"
)

const (
	defaultMaxPackets     = 4096
	defaultMergeThreshold = 50 * time.Millisecond
)

// Packet is one captured payload. Packets are never mutated once recorded;
// merging replaces the last packet of a connection with a new one.
type Packet struct {
	Timestamp time.Time
	Sent      bool
	Trace     string
	Thread    meta.Thread
	Payload   []byte
}

// ConnKey identifies one instrumented connection.
type ConnKey struct {
	Target meta.Target
	ConnID int64
}

// Options controls retention and merging.
type Options struct {
	// Buffered merges consecutive same-direction events closer than
	// MergeThreshold into one packet. Unbuffered mode keeps every event.
	Buffered          bool
	MergeThreshold    time.Duration
	MaxPacketsPerConn int
}

// Cursor marks a point in the capture stream. Packets recorded after the
// cursor was taken compare greater.
type Cursor uint64

type slot struct {
	seq    uint64
	epoch  uint64
	packet Packet
}

type connLog struct {
	mu    sync.Mutex
	slots []slot
}

// Recorder keeps a bounded packet list per connection.
type Recorder struct {
	opts Options

	mu    sync.RWMutex
	conns map[ConnKey]*connLog
	epoch uint64

	seq     atomic.Uint64
	windows atomic.Int64
	evicted atomic.Int64
}

// NewRecorder creates a recorder; zero options select the defaults.
func NewRecorder(opts Options) *Recorder {
	if opts.MaxPacketsPerConn <= 0 {
		opts.MaxPacketsPerConn = defaultMaxPackets
	}
	if opts.MergeThreshold <= 0 {
		opts.MergeThreshold = defaultMergeThreshold
	}
	return &Recorder{opts: opts, conns: make(map[ConnKey]*connLog)}
}

func (r *Recorder) Options() Options { return r.opts }

// Active reports whether any capture window is open.
func (r *Recorder) Active() bool { return r.windows.Load() > 0 }

// Evicted counts packets dropped by the per-connection bound.
func (r *Recorder) Evicted() int64 { return r.evicted.Load() }

// Acquire opens a capture window and returns the cursor it starts at. No
// packet recorded before the cursor can absorb bytes recorded after it.
func (r *Recorder) Acquire() Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows.Add(1)
	r.epoch++
	return Cursor(r.seq.Load())
}

// Release closes a capture window. Retained packets are dropped once the
// last window closes.
func (r *Recorder) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.windows.Add(-1) <= 0 {
		r.windows.Store(0)
		r.conns = make(map[ConnKey]*connLog)
	}
}

// Record stores payload for a connection. It is a no-op while no capture
// window is open. The payload is copied.
func (r *Recorder) Record(conn ConnKey, sent bool, payload []byte, ts time.Time, trace string, thread meta.Thread) {
	if len(payload) == 0 || !r.Active() {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.windows.Load() <= 0 {
		return
	}
	cl, ok := r.conns[conn]
	if !ok {
		r.mu.RUnlock()
		r.mu.Lock()
		// A Release between the two locks may have closed the last window.
		if r.windows.Load() > 0 {
			if cl, ok = r.conns[conn]; !ok {
				cl = &connLog{}
				r.conns[conn] = cl
			}
		}
		r.mu.Unlock()
		r.mu.RLock()
		if r.windows.Load() <= 0 || r.conns[conn] != cl || cl == nil {
			return
		}
	}
	epoch := r.epoch

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if n := len(cl.slots); n > 0 && r.opts.Buffered {
		last := cl.slots[n-1]
		if last.epoch == epoch && canMerge(last.packet, sent, ts, trace, thread, r.opts.MergeThreshold) {
			cl.slots[n-1].packet = merge(last.packet, payload)
			return
		}
	}

	if n := len(cl.slots); n > 0 && ts.Before(cl.slots[n-1].packet.Timestamp) {
		ts = cl.slots[n-1].packet.Timestamp
	}
	cl.slots = append(cl.slots, slot{
		seq:   r.seq.Add(1),
		epoch: epoch,
		packet: Packet{
			Timestamp: ts,
			Sent:      sent,
			Trace:     meta.Intern(trace),
			Thread:    thread,
			Payload:   append([]byte(nil), payload...),
		},
	})
	if over := len(cl.slots) - r.opts.MaxPacketsPerConn; over > 0 {
		cl.slots = append(cl.slots[:0:0], cl.slots[over:]...)
		r.evicted.Add(int64(over))
	}
}

// canMerge measures the threshold from the packet's own timestamp, which
// merging never moves, so a steady trickle still splits into packets.
func canMerge(last Packet, sent bool, ts time.Time, trace string, thread meta.Thread, threshold time.Duration) bool {
	return last.Sent == sent &&
		last.Trace == trace &&
		last.Thread == thread &&
		ts.Sub(last.Timestamp) <= threshold
}

func merge(last Packet, payload []byte) Packet {
	combined := make([]byte, 0, len(last.Payload)+len(payload))
	combined = append(combined, last.Payload...)
	combined = append(combined, payload...)
	last.Payload = combined
	return last
}

// Since returns the packets recorded after cursor, per connection, in
// timestamp order.
func (r *Recorder) Since(cursor Cursor) map[ConnKey][]Packet {
	r.mu.RLock()
	logs := make(map[ConnKey]*connLog, len(r.conns))
	for k, v := range r.conns {
		logs[k] = v
	}
	r.mu.RUnlock()

	out := make(map[ConnKey][]Packet)
	for k, cl := range logs {
		cl.mu.Lock()
		var packets []Packet
		for _, s := range cl.slots {
			if s.seq > uint64(cursor) {
				packets = append(packets, s.packet)
			}
		}
		cl.mu.Unlock()
		if len(packets) > 0 {
			out[k] = packets
		}
	}
	return out
}
