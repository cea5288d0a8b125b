package writer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"GoSniffy/internal/config"
	"GoSniffy/internal/model"
	"GoSniffy/pkg/stats"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS sniffy_stats (
    Timestamp   DateTime,
    StatsName   String,
    Kind        LowCardinality(String),
    Target      String,
    ConnID      Int64,
    Trace       String,
    ThreadID    UInt64,
    ThreadName  String,
    ElapsedMs   Int64,
    BytesDown   Int64,
    BytesUp     Int64,
    Rows        Int64,
    Queries     Int64,
    Ops         Int64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (StatsName, Target, Timestamp);
`

// ClickHouseWriter implements the model.Writer interface for ClickHouse.
type ClickHouseWriter struct {
	conn     driver.Conn
	interval time.Duration
}

// NewClickHouseWriter connects and ensures the stats table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig, interval time.Duration) (model.Writer, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	slog.Info("connected to ClickHouse", "host", cfg.Host, "database", cfg.Database)

	return &ClickHouseWriter{conn: conn, interval: interval}, nil
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *ClickHouseWriter) GetInterval() time.Duration {
	return w.interval
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// Write inserts one row per stats key into sniffy_stats.
func (w *ClickHouseWriter) Write(snapshot stats.SnapshotData, timestamp string) error {
	rows := statsRows(snapshot, timestamp)
	if len(rows) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO sniffy_stats")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append stats to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("wrote stats to ClickHouse", "rows", len(rows), "stats", snapshot.Name)
	return nil
}

// statsRows flattens a snapshot into column values in table order.
func statsRows(snapshot stats.SnapshotData, timestamp string) [][]any {
	snapshotTime, err := time.ParseInLocation(model.SnapshotTimeFormat, timestamp, time.Local)
	if err != nil {
		snapshotTime = snapshot.Taken
	}

	var rows [][]any
	for _, shard := range snapshot.Shards {
		for _, r := range shard {
			k, t := r.Key, r.Totals
			rows = append(rows, []any{
				snapshotTime,
				snapshot.Name,
				k.Target.Kind.String(),
				k.Target.String(),
				k.ConnID,
				k.Trace,
				k.Thread.ID,
				k.Thread.Name,
				t.Elapsed.Milliseconds(),
				t.BytesDown,
				t.BytesUp,
				t.Rows,
				t.Queries,
				t.Ops,
			})
		}
	}
	return rows
}
