package stats

import (
	"sync/atomic"
	"time"
)

// Sample is the contribution of a single recorded operation.
type Sample struct {
	Elapsed   time.Duration
	BytesDown int64
	BytesUp   int64
	Rows      int64
	Queries   int64
}

// Totals is a point-in-time copy of an Accumulator.
type Totals struct {
	Elapsed   time.Duration `json:"elapsed"`
	BytesDown int64         `json:"bytes_down"`
	BytesUp   int64         `json:"bytes_up"`
	Rows      int64         `json:"rows"`
	Queries   int64         `json:"queries"`
	Ops       int64         `json:"ops"`
}

// Add returns the field-wise sum of t and o.
func (t Totals) Add(o Totals) Totals {
	return Totals{
		Elapsed:   t.Elapsed + o.Elapsed,
		BytesDown: t.BytesDown + o.BytesDown,
		BytesUp:   t.BytesUp + o.BytesUp,
		Rows:      t.Rows + o.Rows,
		Queries:   t.Queries + o.Queries,
		Ops:       t.Ops + o.Ops,
	}
}

// Sub returns the field-wise difference t - o.
func (t Totals) Sub(o Totals) Totals {
	return Totals{
		Elapsed:   t.Elapsed - o.Elapsed,
		BytesDown: t.BytesDown - o.BytesDown,
		BytesUp:   t.BytesUp - o.BytesUp,
		Rows:      t.Rows - o.Rows,
		Queries:   t.Queries - o.Queries,
		Ops:       t.Ops - o.Ops,
	}
}

// ClampZero replaces negative fields with zero. Deltas only go negative when
// the accumulators were reset in between.
func (t Totals) ClampZero() Totals {
	return Totals{
		Elapsed:   max(t.Elapsed, 0),
		BytesDown: max(t.BytesDown, 0),
		BytesUp:   max(t.BytesUp, 0),
		Rows:      max(t.Rows, 0),
		Queries:   max(t.Queries, 0),
		Ops:       max(t.Ops, 0),
	}
}

func (t Totals) IsZero() bool { return t == Totals{} }

// Accumulator holds monotonically increasing counters updated with atomic adds.
type Accumulator struct {
	elapsed   atomic.Int64
	bytesDown atomic.Int64
	bytesUp   atomic.Int64
	rows      atomic.Int64
	queries   atomic.Int64
	ops       atomic.Int64
}

// Add accumulates s as one operation. Negative fields count as zero.
func (a *Accumulator) Add(s Sample) {
	a.elapsed.Add(int64(max(s.Elapsed, 0)))
	a.bytesDown.Add(max(s.BytesDown, 0))
	a.bytesUp.Add(max(s.BytesUp, 0))
	a.rows.Add(max(s.Rows, 0))
	a.queries.Add(max(s.Queries, 0))
	a.ops.Add(1)
}

// Totals reads every counter. Fields are read independently, so a
// concurrent Add may be partially visible.
func (a *Accumulator) Totals() Totals {
	return Totals{
		Elapsed:   time.Duration(a.elapsed.Load()),
		BytesDown: a.bytesDown.Load(),
		BytesUp:   a.bytesUp.Load(),
		Rows:      a.rows.Load(),
		Queries:   a.queries.Load(),
		Ops:       a.ops.Load(),
	}
}

func (a *Accumulator) reset() {
	a.elapsed.Store(0)
	a.bytesDown.Store(0)
	a.bytesUp.Store(0)
	a.rows.Store(0)
	a.queries.Store(0)
	a.ops.Store(0)
}
