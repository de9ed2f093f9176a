package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"go.uber.org/zap"
)

// SQLProvider is a Provider backed by database/sql.
type SQLProvider struct {
	db             *sql.DB
	acquireTimeout time.Duration
	logger         *zap.Logger
}

// OpenSQL opens a database/sql pool for the target.
func OpenSQL(target *Target, opts Options) (*SQLProvider, error) {
	opts.normalize()

	db, err := sql.Open(target.Driver, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrConnectFailed, target.Driver, err)
	}
	return NewSQLProvider(db, opts), nil
}

// NewSQLProvider wraps an existing *sql.DB and sizes its pool from opts.
func NewSQLProvider(db *sql.DB, opts Options) *SQLProvider {
	opts.normalize()

	db.SetMaxOpenConns(opts.Size)
	db.SetMaxIdleConns(opts.Size)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	return &SQLProvider{
		db:             db,
		acquireTimeout: opts.AcquireTimeout,
		logger:         opts.Logger,
	}
}

// DB returns the underlying handle.
func (p *SQLProvider) DB() *sql.DB {
	return p.db
}

// Acquire borrows a dedicated connection from the pool.
func (p *SQLProvider) Acquire(ctx context.Context) (Conn, error) {
	conn, err := acquireSQLConn(ctx, p.db, p.acquireTimeout)
	if err != nil {
		return nil, err
	}
	return &sqlConn{conn: conn}, nil
}

func acquireSQLConn(ctx context.Context, db *sql.DB, timeout time.Duration) (*sql.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := db.Conn(actx)
	if err != nil {
		return nil, classifyAcquireErr(ctx, err)
	}
	return conn, nil
}

// Release returns the connection to the pool.
func (p *SQLProvider) Release(conn Conn) {
	if c, ok := conn.(*sqlConn); ok {
		c.release(p.logger)
	}
}

// ActiveCount returns the number of connections in use.
func (p *SQLProvider) ActiveCount() int {
	return p.db.Stats().InUse
}

// TotalCount returns the number of open connections.
func (p *SQLProvider) TotalCount() int {
	return p.db.Stats().OpenConnections
}

// Close closes the pool.
func (p *SQLProvider) Close() error {
	return p.db.Close()
}

type sqlConn struct {
	conn     *sql.Conn
	released atomic.Bool
}

func (c *sqlConn) Query(ctx context.Context, stmt string) (Rows, error) {
	rows, err := c.conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *sqlConn) Exec(ctx context.Context, stmt string) error {
	_, err := c.conn.ExecContext(ctx, stmt)
	return err
}

func (c *sqlConn) release(log *zap.Logger) {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	if err := c.conn.Close(); err != nil {
		log.Warn("release connection failed", zap.Error(err))
	}
}
