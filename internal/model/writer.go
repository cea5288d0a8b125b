package model

import (
	"time"

	"GoSniffy/pkg/stats"
)

// Writer defines a generic interface for writing stats snapshots to a persistent store.
type Writer interface {
	// Write persists one snapshot. timestamp names the snapshot, formatted
	// as SnapshotTimeFormat.
	Write(payload stats.SnapshotData, timestamp string) error

	// GetInterval returns the configured snapshot interval for this writer.
	GetInterval() time.Duration
}

// SnapshotTimeFormat formats the timestamp passed to Writer.Write.
const SnapshotTimeFormat = "2006-01-02_15-04-05"
