// Package spy measures the activity recorded between two instants without
// touching the shared counters.
package spy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"GoSniffy/pkg/capture"
	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/scope"
	"GoSniffy/pkg/stats"
)

// ThreadFilter selects whose operations a delta covers, relative to the
// scope that opened the spy.
type ThreadFilter int

const (
	Any ThreadFilter = iota
	Current
	Others
)

func (f ThreadFilter) String() string {
	switch f {
	case Current:
		return "CURRENT"
	case Others:
		return "OTHERS"
	default:
		return "ANY"
	}
}

// Source is the shared state a spy reads from. Recorder may be nil.
type Source struct {
	Stats    *stats.Stats
	Recorder *capture.Recorder
}

// Options controls what a spy reserves when opened.
type Options struct {
	CaptureTraffic bool
}

// Spy holds the baselines taken when it was opened.
type Spy struct {
	id     uuid.UUID
	src    Source
	thread meta.Thread
	opened time.Time

	globalBase  stats.Totals
	currentBase stats.Totals
	keyBase     map[meta.Key]stats.Totals

	capturing bool
	cursor    capture.Cursor
	closeOnce sync.Once
}

// Open records baselines for the global totals, the totals of the scope in
// ctx and every key seen so far.
func Open(ctx context.Context, src Source, opts Options) *Spy {
	s := &Spy{
		id:     uuid.New(),
		src:    src,
		thread: scope.FromContext(ctx).Thread(),
		opened: time.Now(),
	}
	if opts.CaptureTraffic && src.Recorder != nil {
		s.cursor = src.Recorder.Acquire()
		s.capturing = true
	}
	s.globalBase = src.Stats.Global()
	s.currentBase = src.Stats.Thread(s.thread.ID)
	s.keyBase = src.Stats.All()
	return s
}

func (s *Spy) ID() uuid.UUID       { return s.id }
func (s *Spy) Thread() meta.Thread { return s.thread }
func (s *Spy) Opened() time.Time   { return s.opened }

// Delta returns the totals accumulated since Open for the filter.
func (s *Spy) Delta(filter ThreadFilter) stats.Totals {
	global := s.src.Stats.Global()
	current := s.src.Stats.Thread(s.thread.ID)
	switch filter {
	case Current:
		return current.Sub(s.currentBase).ClampZero()
	case Others:
		now := global.Sub(current)
		base := s.globalBase.Sub(s.currentBase)
		return now.Sub(base).ClampZero()
	default:
		return global.Sub(s.globalBase).ClampZero()
	}
}

func (s *Spy) accepts(filter ThreadFilter, thread meta.Thread) bool {
	switch filter {
	case Current:
		return s.thread.ID != 0 && thread.ID == s.thread.ID
	case Others:
		return s.thread.ID == 0 || thread.ID != s.thread.ID
	default:
		return true
	}
}

// Operations returns per-key deltas since Open, collapsed by g. Keys
// without activity are omitted.
func (s *Spy) Operations(filter ThreadFilter, g meta.GroupingOptions) map[meta.Key]stats.Totals {
	out := make(map[meta.Key]stats.Totals)
	for key, now := range s.src.Stats.All() {
		if !s.accepts(filter, key.Thread) {
			continue
		}
		delta := now.Sub(s.keyBase[key]).ClampZero()
		if delta.IsZero() {
			continue
		}
		reduced := key.Reduce(g)
		out[reduced] = out[reduced].Add(delta)
	}
	return out
}

// Traffic returns packets captured since Open, collapsed by g. It is empty
// unless the spy was opened with CaptureTraffic.
func (s *Spy) Traffic(filter ThreadFilter, g meta.GroupingOptions) map[meta.Key][]capture.Packet {
	if !s.capturing {
		return map[meta.Key][]capture.Packet{}
	}
	traffic := s.src.Recorder.Since(s.cursor)
	for conn, packets := range traffic {
		kept := packets[:0:0]
		for _, p := range packets {
			if s.accepts(filter, p.Thread) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(traffic, conn)
			continue
		}
		traffic[conn] = kept
	}
	return s.src.Recorder.Group(traffic, g)
}

// Close releases the capture window, if any. It is safe to call repeatedly.
func (s *Spy) Close() {
	s.closeOnce.Do(func() {
		if s.capturing {
			s.src.Recorder.Release()
		}
	})
}
