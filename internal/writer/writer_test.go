package writer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"GoSniffy/internal/model"
	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/stats"
)

func sampleSnapshot() stats.SnapshotData {
	key := meta.NewKey(meta.SocketTarget("db", 5432), 1, "", meta.Thread{ID: 4, Name: "worker"})
	return stats.SnapshotData{
		Name:  "test_stats",
		Taken: time.Now(),
		Shards: [][]stats.Record{
			{{Key: key, Totals: stats.Totals{BytesDown: 100, Ops: 1, Elapsed: 3 * time.Millisecond}}},
			{}, // An empty shard
		},
	}
}

func TestGobWriter_Write(t *testing.T) {
	tmpDir := t.TempDir()
	timestamp := time.Now().Format(model.SnapshotTimeFormat)

	w := NewGobWriter(tmpDir, time.Minute)
	if w.GetInterval() != time.Minute {
		t.Errorf("unexpected interval %v", w.GetInterval())
	}
	if err := w.Write(sampleSnapshot(), timestamp); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	dir := filepath.Join(tmpDir, timestamp, "test_stats")
	summaryPath := filepath.Join(dir, "summary.json")
	if _, err := os.Stat(summaryPath); os.IsNotExist(err) {
		t.Fatalf("summary.json was not created")
	}
	shardPath := filepath.Join(dir, "shard_0.dat")
	if _, err := os.Stat(shardPath); os.IsNotExist(err) {
		t.Fatalf("shard_0.dat was not created")
	}
	if _, err := os.Stat(filepath.Join(dir, "shard_1.dat")); !os.IsNotExist(err) {
		t.Fatalf("shard_1.dat (empty) should not have been created")
	}

	summaryBytes, err := os.ReadFile(summaryPath)
	if err != nil {
		t.Fatalf("Failed to read summary.json: %v", err)
	}
	var summary SummaryData
	if err := json.Unmarshal(summaryBytes, &summary); err != nil {
		t.Fatalf("Failed to unmarshal summary.json: %v", err)
	}
	if summary.TotalKeys != 1 || summary.Totals.BytesDown != 100 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.StatsName != "test_stats" {
		t.Errorf("Expected StatsName to be 'test_stats', got '%s'", summary.StatsName)
	}

	records, err := ReadShard(shardPath)
	if err != nil {
		t.Fatalf("ReadShard failed: %v", err)
	}
	if len(records) != 1 || records[0].Key.Target.Host != "db" || records[0].Totals.BytesDown != 100 {
		t.Errorf("decoded records do not match: %+v", records)
	}
}

func TestGobWriter_EmptySnapshot(t *testing.T) {
	tmpDir := t.TempDir()
	snapshot := stats.SnapshotData{Name: "empty", Shards: make([][]stats.Record, 4)}
	if err := NewGobWriter(tmpDir, time.Minute).Write(snapshot, "ts"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "ts", "empty", "summary.json")); !os.IsNotExist(err) {
		t.Errorf("no summary should be written for an empty snapshot")
	}
}

func TestStatsRows(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)
	rows := statsRows(sampleSnapshot(), ts.Format(model.SnapshotTimeFormat))
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if len(row) != 14 {
		t.Fatalf("expected 14 columns, got %d", len(row))
	}
	if got := row[0].(time.Time); !got.Equal(ts) {
		t.Errorf("snapshot time %v, want %v", got, ts)
	}
	if row[2] != "socket" || row[3] != "db:5432" || row[6] != uint64(4) || row[8] != int64(3) || row[9] != int64(100) {
		t.Errorf("unexpected row %v", row)
	}
}
