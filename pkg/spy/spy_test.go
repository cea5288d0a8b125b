package spy

import (
	"context"
	"sync"
	"testing"
	"time"

	"GoSniffy/pkg/capture"
	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/scope"
	"GoSniffy/pkg/stats"
)

var target = meta.SocketTarget("api.internal", 443)

func op(st *stats.Stats, s *scope.Scope, connID int64, down int64) {
	st.Record(meta.NewKey(target, connID, "", s.Thread()), stats.Sample{Elapsed: time.Millisecond, BytesDown: down})
}

func TestSpy_NestedIsolation(t *testing.T) {
	st := stats.New("test", 4)
	src := Source{Stats: st}
	ctx, s := scope.With(context.Background(), "main")

	op(st, s, 1, 100)
	a := Open(ctx, src, Options{})
	op(st, s, 1, 10)
	b := Open(ctx, src, Options{})
	op(st, s, 1, 1)
	op(st, s, 2, 1)
	bDelta := b.Delta(Any)
	b.Close()
	op(st, s, 1, 1000)
	aDelta := a.Delta(Any)
	a.Close()

	if bDelta.Ops != 2 || bDelta.BytesDown != 2 {
		t.Errorf("inner spy: expected 2 ops / 2 bytes, got %+v", bDelta)
	}
	if aDelta.Ops != 4 || aDelta.BytesDown != 1012 {
		t.Errorf("outer spy: expected 4 ops / 1012 bytes, got %+v", aDelta)
	}
	if g := st.Global(); g.Ops != 5 {
		t.Errorf("spies must not mutate shared counters, global ops = %d", g.Ops)
	}
}

func TestSpy_CurrentAndOthers(t *testing.T) {
	st := stats.New("test", 4)
	ctx1, _ := scope.With(context.Background(), "worker-1")
	_, s2 := scope.With(context.Background(), "worker-2")

	spy := Open(ctx1, Source{Stats: st}, Options{})
	defer spy.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			op(st, s2, 7, 1)
		}
	}()
	wg.Wait()

	if got := spy.Delta(Current).Ops; got != 0 {
		t.Errorf("CURRENT: expected 0 ops, got %d", got)
	}
	if got := spy.Delta(Others).Ops; got != 5 {
		t.Errorf("OTHERS: expected 5 ops, got %d", got)
	}
	if got := spy.Delta(Any).Ops; got != 5 {
		t.Errorf("ANY: expected 5 ops, got %d", got)
	}
}

func TestSpy_Operations(t *testing.T) {
	st := stats.New("test", 4)
	ctx, s := scope.With(context.Background(), "main")
	_, other := scope.With(context.Background(), "other")

	op(st, s, 1, 5)
	spy := Open(ctx, Source{Stats: st}, Options{})
	op(st, s, 1, 1)
	op(st, s, 2, 2)
	op(st, other, 3, 4)

	all := spy.Operations(Any, meta.AllDimensions)
	if len(all) != 3 {
		t.Fatalf("expected 3 keys, got %d: %+v", len(all), all)
	}
	if got := all[meta.NewKey(target, 1, "", s.Thread())]; got.BytesDown != 1 || got.Ops != 1 {
		t.Errorf("key delta should exclude the baseline, got %+v", got)
	}

	byTarget := spy.Operations(Current, meta.GroupingOptions{})
	if len(byTarget) != 1 {
		t.Fatalf("expected one collapsed key, got %+v", byTarget)
	}
	for key, totals := range byTarget {
		if key.Target != target || totals.BytesDown != 3 || totals.Ops != 2 {
			t.Errorf("unexpected collapsed entry %v: %+v", key, totals)
		}
	}

	others := spy.Operations(Others, meta.GroupingOptions{ByThread: true})
	if len(others) != 1 {
		t.Fatalf("expected one key for the other scope, got %+v", others)
	}
	for key := range others {
		if key.Thread != other.Thread() {
			t.Errorf("expected the other scope's thread, got %+v", key.Thread)
		}
	}
}

func TestSpy_Traffic(t *testing.T) {
	st := stats.New("test", 1)
	rec := capture.NewRecorder(capture.Options{Buffered: true, MergeThreshold: time.Second})
	ctx, s := scope.With(context.Background(), "main")
	conn := capture.ConnKey{Target: target, ConnID: 1}
	now := time.Now()

	spy := Open(ctx, Source{Stats: st, Recorder: rec}, Options{CaptureTraffic: true})
	if !rec.Active() {
		t.Fatalf("a capturing spy should open a capture window")
	}
	rec.Record(conn, true, []byte{1, 2}, now, "", s.Thread())
	rec.Record(conn, true, []byte{3, 4}, now.Add(time.Millisecond), "", s.Thread())
	rec.Record(conn, false, []byte{9}, now.Add(2*time.Millisecond), "", meta.Thread{ID: 999})

	mine := spy.Traffic(Current, meta.AllDimensions)
	packets := mine[meta.NewKey(target, 1, "", s.Thread())]
	if len(mine) != 1 || len(packets) != 1 || string(packets[0].Payload) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected current traffic %+v", mine)
	}
	if got := spy.Traffic(Any, meta.GroupingOptions{}); len(got) != 1 {
		t.Errorf("collapsed traffic should have a single key, got %d", len(got))
	}

	spy.Close()
	spy.Close()
	if rec.Active() {
		t.Errorf("closing the spy should release its window exactly once")
	}
}

func TestSpy_WithoutScope(t *testing.T) {
	st := stats.New("test", 1)
	spy := Open(context.Background(), Source{Stats: st}, Options{CaptureTraffic: true})
	defer spy.Close()

	st.Record(meta.NewKey(target, 1, "", meta.Thread{}), stats.Sample{BytesUp: 3})
	if got := spy.Delta(Current); !got.IsZero() {
		t.Errorf("a spy without a scope has no current activity, got %+v", got)
	}
	if got := spy.Delta(Others).BytesUp; got != 3 {
		t.Errorf("OTHERS should cover everything, got %d", got)
	}
	if got := spy.Traffic(Any, meta.AllDimensions); len(got) != 0 {
		t.Errorf("no recorder means no traffic, got %+v", got)
	}
}
