package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Connection is the subset of the native driver connection the warehouse
// code uses. driver.Conn satisfies it directly.
type Connection interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Ping(ctx context.Context) error
	Close() error
}

// Client hands out connections to the warehouse database.
type Client interface {
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

type client struct {
	log  *slog.Logger
	conn driver.Conn
}

// NewClient opens a pooled native-protocol connection and verifies it with
// a ping.
func NewClient(ctx context.Context, log *slog.Logger, addr, database, username, password string, secure bool) (Client, error) {
	opts := &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
	if secure {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return &client{log: log, conn: conn}, nil
}

func (c *client) Conn(ctx context.Context) (Connection, error) {
	return &pooledConn{Conn: c.conn}, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

// pooledConn wraps the shared pool. Close releases the handle back to the
// caller without tearing down the pool, so store code can defer Close the
// way it would with a dedicated connection.
type pooledConn struct {
	driver.Conn
}

func (p *pooledConn) Close() error { return nil }

// ContextWithSyncInsert returns a context whose inserts block until the
// server has fully committed the data. Used by tests that read back rows
// immediately after writing.
func ContextWithSyncInsert(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"wait_end_of_query": 1,
	}))
}
