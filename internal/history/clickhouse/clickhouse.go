package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/sidecar/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
// The table is expected to exist; see Schema.
type Sink struct {
	conn  driver.Conn
	table string
}

// Schema returns the DDL for a MergeTree table the sink can write to.
func Schema(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		occurred_at DateTime64(3),
		event String,
		name String,
		pid Int64,
		exit_code Int32,
		port Int32,
		detail String
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, name)`
}

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, event, name, pid, exit_code, port, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)

	rec := e.Record
	err := s.conn.Exec(ctx, query,
		e.OccurredAt,
		string(e.Type),
		rec.Name,
		int64(rec.PID),
		int32(rec.ExitCode),
		int32(rec.Port),
		rec.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
