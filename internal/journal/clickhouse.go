package journal

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/lying200/db-bench-order/internal/config"
)

const createTable = `CREATE TABLE IF NOT EXISTS %s (
	batch_id      UUID,
	worker        UInt16,
	reason        LowCardinality(String),
	outcome       LowCardinality(String),
	operations    UInt32,
	upserts       UInt32,
	deletes       UInt32,
	item_failures UInt32,
	attempts      UInt8,
	duration_ms   UInt64,
	flushed_at    DateTime64(3),
	error         String
) ENGINE = MergeTree
ORDER BY (flushed_at, worker)`

type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

func NewClickHouseSink(ctx context.Context, cfg config.JournalConfig) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(cfg.ClickHouseDSN)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping failed: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf(createTable, cfg.Table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create journal table %s: %w", cfg.Table, err)
	}
	return &ClickHouseSink{conn: conn, table: cfg.Table}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, entries []Entry) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare batch failed for %s: %w", s.table, err)
	}
	for _, e := range entries {
		if err := batch.Append(row(e)...); err != nil {
			return err
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("batch send failed for %s: %w", s.table, err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

// row lays an entry out in table column order.
func row(e Entry) []any {
	var errText string
	if e.Err != nil {
		errText = e.Err.Error()
	}
	return []any{
		e.BatchID,
		uint16(e.Worker),
		string(e.Reason),
		string(e.Outcome),
		uint32(e.Operations),
		uint32(e.Upserts),
		uint32(e.Deletes),
		uint32(e.ItemFailures),
		uint8(e.Attempts),
		uint64(e.Duration.Milliseconds()),
		e.At,
		errText,
	}
}
