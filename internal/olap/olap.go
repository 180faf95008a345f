// Package olap implements the OLAP Client Factory: a pooled, typed
// ClickHouse connection source used by the Consumption API Gateway.
package olap

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/moosestack/moose-core/internal/config"
	"github.com/moosestack/moose-core/internal/telemetry"
)

// Factory opens and pools ClickHouse connections on demand. One Factory is
// constructed per process and shared by every worker that needs OLAP
// access; the underlying driver pool amortizes TCP/TLS setup the same way
// the gateway amortizes its handler cache.
type Factory struct {
	cfg    config.ClickHouseConfig
	logger telemetry.Logger

	conn clickhouse.Conn
}

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	ClickHouse config.ClickHouseConfig
	Logger     telemetry.Logger
}

// NewFactory opens a pooled connection to ClickHouse and verifies
// reachability with a ping, failing fast at startup rather than on first
// query.
func NewFactory(ctx context.Context, opts FactoryOptions) (*Factory, error) {
	if opts.ClickHouse.Host == "" {
		return nil, fmt.Errorf("olap: clickhouse host is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	addr := fmt.Sprintf("%s:%d", opts.ClickHouse.Host, nonZero(opts.ClickHouse.HostPort, 9000))
	chOpts := &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: opts.ClickHouse.DBName,
			Username: opts.ClickHouse.User,
			Password: opts.ClickHouse.Password,
		},
		DialTimeout: 10 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 10,
		ConnMaxLifetime: time.Hour,
	}
	if opts.ClickHouse.UseSSL {
		chOpts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("olap: open connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("olap: ping: %w", err)
	}

	logger.Info(ctx, "olap client factory ready", "host", opts.ClickHouse.Host)
	return &Factory{cfg: opts.ClickHouse, logger: logger, conn: conn}, nil
}

func nonZero(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Conn returns the pooled ClickHouse connection. The returned handle is
// concurrency-safe and shared across callers; it is not closed by Conn's
// callers — only Factory.Close releases it.
func (f *Factory) Conn() clickhouse.Conn {
	return f.conn
}

// Close releases the pooled connection. Called once at process shutdown.
func (f *Factory) Close() error {
	return f.conn.Close()
}

// Query runs a read query and scans rows with scanFn, tagging the query
// with a unique query_id so every request's queries are traceable in
// ClickHouse's query_log.
func (f *Factory) Query(ctx context.Context, sql string, args []any, scanFn func(rows driver.Rows) error) error {
	qctx := clickhouse.Context(ctx, clickhouse.WithQueryID(uuid.NewString()))
	rows, err := f.conn.Query(qctx, sql, args...)
	if err != nil {
		return fmt.Errorf("olap: query: %w", err)
	}
	defer rows.Close()
	if err := scanFn(rows); err != nil {
		return err
	}
	return rows.Err()
}

// Exec runs a statement with no result set, tagged with a unique query_id
// for traceability.
func (f *Factory) Exec(ctx context.Context, sql string, args ...any) error {
	qctx := clickhouse.Context(ctx, clickhouse.WithQueryID(uuid.NewString()))
	if err := f.conn.Exec(qctx, sql, args...); err != nil {
		return fmt.Errorf("olap: exec: %w", err)
	}
	return nil
}

// AsyncInsert inserts a batch of rows without waiting for the server's
// insert quorum to settle, for write paths where throughput matters more
// than immediate read-your-writes visibility.
func (f *Factory) AsyncInsert(ctx context.Context, sql string, wait bool, args ...any) error {
	qctx := clickhouse.Context(ctx, clickhouse.WithQueryID(uuid.NewString()))
	if err := f.conn.AsyncInsert(qctx, sql, wait, args...); err != nil {
		return fmt.Errorf("olap: async insert: %w", err)
	}
	return nil
}

// PrepareBatch opens a column-oriented batch insert, for writing many rows
// in one round trip rather than row by row.
func (f *Factory) PrepareBatch(ctx context.Context, sql string) (driver.Batch, error) {
	qctx := clickhouse.Context(ctx, clickhouse.WithQueryID(uuid.NewString()))
	b, err := f.conn.PrepareBatch(qctx, sql)
	if err != nil {
		return nil, fmt.Errorf("olap: prepare batch: %w", err)
	}
	return b, nil
}
