package writer

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"GoSniffy/internal/model"
	"GoSniffy/pkg/stats"
)

// SummaryData holds the metadata for a snapshot, internal to the writer.
type SummaryData struct {
	StatsName    string       `json:"stats_name"`
	TotalKeys    int          `json:"total_keys"`
	Totals       stats.Totals `json:"totals"`
	Shards       int          `json:"shards"`
	Timestamp    string       `json:"timestamp"`
	SnapshotTime string       `json:"snapshot_time"`
}

// GobWriter handles writing stats snapshots to disk in gob format.
// It implements the model.Writer interface.
type GobWriter struct {
	rootPath string
	interval time.Duration
}

// NewGobWriter creates a new writer rooted at rootPath.
func NewGobWriter(rootPath string, interval time.Duration) model.Writer {
	return &GobWriter{rootPath: rootPath, interval: interval}
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *GobWriter) GetInterval() time.Duration {
	return w.interval
}

// Write stores every non-empty shard as shard_<n>.dat under
// <root>/<timestamp>/<stats name>, with a summary.json beside them.
func (w *GobWriter) Write(snapshot stats.SnapshotData, timestamp string) error {
	dir := filepath.Join(w.rootPath, timestamp, snapshot.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	totalKeys := 0
	var totals stats.Totals
	for i, shard := range snapshot.Shards {
		if len(shard) == 0 {
			continue
		}
		totalKeys += len(shard)
		for _, r := range shard {
			totals = totals.Add(r.Totals)
		}

		if err := writeShard(filepath.Join(dir, fmt.Sprintf("shard_%d.dat", i)), shard); err != nil {
			return err
		}
	}

	if totalKeys == 0 {
		return nil
	}

	summary := SummaryData{
		StatsName:    snapshot.Name,
		TotalKeys:    totalKeys,
		Totals:       totals,
		Shards:       len(snapshot.Shards),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		SnapshotTime: snapshot.Taken.UTC().Format(time.RFC3339Nano),
	}
	summaryFile, err := os.Create(filepath.Join(dir, "summary.json"))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()

	jsonEncoder := json.NewEncoder(summaryFile)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

func writeShard(path string, records []stats.Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file '%s': %w", path, err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(records); err != nil {
		return fmt.Errorf("failed to encode records to gob for file '%s': %w", path, err)
	}
	return nil
}

// ReadShard decodes one shard file written by GobWriter.
func ReadShard(path string) ([]stats.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []stats.Record
	if err := gob.NewDecoder(file).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode gob file '%s': %w", path, err)
	}
	return records, nil
}
