package event

import (
	"context"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/MetaDevZone/secure-2fa/internal/config"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

// ClickHouseSink records lifecycle events in an audit table for
// offline analysis of issuance and verification patterns.
//
//	CREATE TABLE otp_audit (
//	    event_type String, destination String, context String,
//	    session_id String, error_code String, occurred_at DateTime
//	) ENGINE = MergeTree ORDER BY (destination, occurred_at);
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

func NewClickHouseSink(cfg config.ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := ch.Open(&ch.Options{
		Addr: []string{cfg.Addr},
		Auth: ch.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	util.Info("ClickHouse audit sink initialized",
		util.String("addr", cfg.Addr),
		util.String("database", cfg.Database),
		util.String("table", cfg.Table))

	return &ClickHouseSink{conn: conn, table: cfg.Table}, nil
}

func (s *ClickHouseSink) Emit(ctx context.Context, ev Event) error {
	query := fmt.Sprintf(`
        INSERT INTO %s (event_type, destination, context, session_id, error_code, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?)`, s.table)

	// Async insert keeps the audit write off the request path.
	err := s.conn.AsyncInsert(ctx, query, false,
		string(ev.Type), ev.Destination, ev.Context, ev.SessionID, ev.ErrorCode, ev.At)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
