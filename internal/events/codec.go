// Package events carries registry changes, remote status commands and stats
// snapshots over NATS as protobuf Struct messages.
package events

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"GoSniffy/pkg/registry"
	"GoSniffy/pkg/stats"
)

// Event is a decoded registry change.
type Event struct {
	registry.Change
	Time time.Time
}

// Command operations accepted on the control subject.
const (
	OpSet    = "set"
	OpRemove = "remove"
	OpClear  = "clear"
)

// Command asks a remote registry to change. Entry.Status is ignored unless
// Op is OpSet.
type Command struct {
	Op    string
	Entry registry.Entry
}

func recordFields(e registry.Entry) map[string]any {
	rec := registry.ToRecord(e)
	return map[string]any{
		"kind":       rec.Kind,
		"target":     rec.Target,
		"url":        rec.URL,
		"principal":  rec.Principal,
		"status":     rec.Status,
		"discovered": rec.Discovered,
	}
}

func recordFrom(fields map[string]*structpb.Value) (registry.Entry, error) {
	return registry.FromRecord(registry.Record{
		Kind:       fields["kind"].GetStringValue(),
		Target:     fields["target"].GetStringValue(),
		URL:        fields["url"].GetStringValue(),
		Principal:  fields["principal"].GetStringValue(),
		Status:     fields["status"].GetStringValue(),
		Discovered: fields["discovered"].GetBoolValue(),
	})
}

func timeFields(t time.Time) map[string]any {
	ts := timestamppb.New(t)
	return map[string]any{"seconds": ts.GetSeconds(), "nanos": ts.GetNanos()}
}

func timeFrom(v *structpb.Value) time.Time {
	fields := v.GetStructValue().GetFields()
	ts := &timestamppb.Timestamp{
		Seconds: int64(fields["seconds"].GetNumberValue()),
		Nanos:   int32(fields["nanos"].GetNumberValue()),
	}
	return ts.AsTime()
}

func marshal(fields map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func unmarshal(data []byte) (map[string]*structpb.Value, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s.GetFields(), nil
}

// EncodeChange serializes a registry change observed at t.
func EncodeChange(c registry.Change, t time.Time) ([]byte, error) {
	fields := recordFields(c.Entry)
	fields["scope"] = c.ScopeID
	fields["removed"] = c.Removed
	fields["cleared"] = c.Cleared
	fields["time"] = timeFields(t)
	return marshal(fields)
}

// DecodeChange parses a payload produced by EncodeChange.
func DecodeChange(data []byte) (Event, error) {
	fields, err := unmarshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	entry, err := recordFrom(fields)
	if err != nil {
		return Event{}, fmt.Errorf("invalid change: %w", err)
	}
	return Event{
		Change: registry.Change{
			Entry:   entry,
			ScopeID: uint64(fields["scope"].GetNumberValue()),
			Removed: fields["removed"].GetBoolValue(),
			Cleared: fields["cleared"].GetBoolValue(),
		},
		Time: timeFrom(fields["time"]),
	}, nil
}

// EncodeCommand serializes a control command.
func EncodeCommand(c Command) ([]byte, error) {
	fields := recordFields(c.Entry)
	fields["op"] = c.Op
	return marshal(fields)
}

// DecodeCommand parses a payload produced by EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	fields, err := unmarshal(data)
	if err != nil {
		return Command{}, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	cmd := Command{Op: fields["op"].GetStringValue()}
	switch cmd.Op {
	case OpClear:
		return cmd, nil
	case OpSet, OpRemove:
	default:
		return Command{}, fmt.Errorf("unknown command %q", cmd.Op)
	}
	if cmd.Entry, err = recordFrom(fields); err != nil {
		return Command{}, fmt.Errorf("invalid command: %w", err)
	}
	return cmd, nil
}

// EncodeSnapshot serializes a stats snapshot as a list of per-key rows.
func EncodeSnapshot(snapshot stats.SnapshotData) ([]byte, error) {
	var rows []any
	for _, shard := range snapshot.Shards {
		for _, r := range shard {
			k, t := r.Key, r.Totals
			rows = append(rows, map[string]any{
				"kind":        k.Target.Kind.String(),
				"target":      k.Target.String(),
				"conn_id":     k.ConnID,
				"trace":       k.Trace,
				"thread_id":   k.Thread.ID,
				"thread_name": k.Thread.Name,
				"elapsed_ms":  t.Elapsed.Milliseconds(),
				"bytes_down":  t.BytesDown,
				"bytes_up":    t.BytesUp,
				"rows":        t.Rows,
				"queries":     t.Queries,
				"ops":         t.Ops,
			})
		}
	}
	return marshal(map[string]any{
		"name":    snapshot.Name,
		"time":    timeFields(snapshot.Taken),
		"records": rows,
	})
}

// SnapshotRow is one decoded row of an encoded snapshot.
type SnapshotRow struct {
	Target string
	Trace  string
	Totals stats.Totals
}

// DecodeSnapshot parses a payload produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) (name string, taken time.Time, rows []SnapshotRow, err error) {
	fields, err := unmarshal(data)
	if err != nil {
		return "", time.Time{}, nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	for _, v := range fields["records"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		num := func(name string) int64 { return int64(f[name].GetNumberValue()) }
		rows = append(rows, SnapshotRow{
			Target: f["target"].GetStringValue(),
			Trace:  f["trace"].GetStringValue(),
			Totals: stats.Totals{
				Elapsed:   time.Duration(num("elapsed_ms")) * time.Millisecond,
				BytesDown: num("bytes_down"),
				BytesUp:   num("bytes_up"),
				Rows:      num("rows"),
				Queries:   num("queries"),
				Ops:       num("ops"),
			},
		})
	}
	return fields["name"].GetStringValue(), timeFrom(fields["time"]), rows, nil
}
