package events

import (
	"context"
	"testing"
	"time"

	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/registry"
	"GoSniffy/pkg/stats"
)

func TestChangeEncoding(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	changes := []registry.Change{
		{Entry: registry.Entry{Target: meta.SocketTarget("db", 5432), Status: registry.Delay(250 * time.Millisecond)}, ScopeID: 7},
		{Entry: registry.Entry{Target: meta.SocketTarget("", 443), Status: registry.Closed}},
		{Entry: registry.Entry{Target: meta.DataSourceTarget("postgres://db/app", "app"), Status: registry.ClosedAfter(time.Second), Discovered: true}},
		{Entry: registry.Entry{Target: meta.SocketTarget("cache", 6379)}, Removed: true},
	}
	for _, c := range changes {
		data, err := EncodeChange(c, at)
		if err != nil {
			t.Fatalf("EncodeChange(%v) failed: %v", c.Target, err)
		}
		ev, err := DecodeChange(data)
		if err != nil {
			t.Fatalf("DecodeChange(%v) failed: %v", c.Target, err)
		}
		if ev.Change != c {
			t.Errorf("decoded %+v, want %+v", ev.Change, c)
		}
		if !ev.Time.Equal(at) {
			t.Errorf("decoded time %v, want %v", ev.Time, at)
		}
	}

	if _, err := DecodeChange([]byte{0xff, 0xff}); err == nil {
		t.Errorf("expected an error for garbage input")
	}
}

func TestCommandsDriveRegistry(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	apply := Apply(reg)
	target := meta.SocketTarget("payments", 8443)

	send := func(cmd Command) {
		t.Helper()
		data, err := EncodeCommand(cmd)
		if err != nil {
			t.Fatalf("EncodeCommand failed: %v", err)
		}
		decoded, err := DecodeCommand(data)
		if err != nil {
			t.Fatalf("DecodeCommand failed: %v", err)
		}
		apply(decoded)
	}

	send(Command{Op: OpSet, Entry: registry.Entry{Target: target, Status: registry.Delay(time.Second)}})
	if got := reg.Resolve(ctx, target); got != registry.Delay(time.Second) {
		t.Fatalf("expected DELAY(1000), got %v", got)
	}
	send(Command{Op: OpRemove, Entry: registry.Entry{Target: target}})
	if n := len(reg.Enumerate(ctx)); n != 0 {
		t.Fatalf("expected an empty registry after remove, got %d entries", n)
	}
	reg.SetStatus(ctx, target, registry.Closed)
	send(Command{Op: OpClear})
	if n := len(reg.Enumerate(ctx)); n != 0 {
		t.Fatalf("expected an empty registry after clear, got %d entries", n)
	}

	data, _ := EncodeCommand(Command{Op: "explode"})
	if _, err := DecodeCommand(data); err == nil {
		t.Errorf("unknown operations should be rejected")
	}
}

func TestSnapshotEncoding(t *testing.T) {
	st := stats.New("sniffy", 2)
	key := meta.NewKey(meta.SocketTarget("db", 5432), 3, "SELECT 1", meta.Thread{ID: 9, Name: "worker"})
	st.Record(key, stats.Sample{Elapsed: 20 * time.Millisecond, BytesDown: 100, Queries: 1})
	st.Record(key, stats.Sample{Elapsed: 5 * time.Millisecond, BytesUp: 10})

	snapshot := st.Export()
	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		t.Fatalf("EncodeSnapshot failed: %v", err)
	}
	name, taken, rows, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot failed: %v", err)
	}
	if name != "sniffy" || !taken.Equal(snapshot.Taken) {
		t.Errorf("unexpected header %q %v", name, taken)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	want := stats.Totals{Elapsed: 25 * time.Millisecond, BytesDown: 100, BytesUp: 10, Queries: 1, Ops: 2}
	if rows[0].Target != "db:5432" || rows[0].Trace != "SELECT 1" || rows[0].Totals != want {
		t.Errorf("unexpected row %+v", rows[0])
	}
}
