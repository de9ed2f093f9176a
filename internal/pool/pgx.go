package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PGXProvider is a Provider backed by pgxpool. The pool keeps Size connections
// open and runs the init statement on each of them as it is established.
type PGXProvider struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
	logger         *zap.Logger
}

// OpenPGX opens a pgxpool for a postgres target.
func OpenPGX(ctx context.Context, target *Target, opts Options) (*PGXProvider, error) {
	opts.normalize()

	if target.Dialect != DialectPostgres {
		return nil, fmt.Errorf("%w: pgx pool does not support %s", ErrUnsupported, target.Dialect)
	}

	cfg, err := pgxpool.ParseConfig(target.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	cfg.MaxConns = int32(opts.Size)
	cfg.MinConns = int32(opts.Size)
	cfg.MaxConnLifetime = 0
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	if initSQL := opts.InitSQL; initSQL != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, initSQL)
			return err
		}
	}

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	return &PGXProvider{
		pool:           p,
		acquireTimeout: opts.AcquireTimeout,
		logger:         opts.Logger,
	}, nil
}

// Acquire borrows a connection from the pool.
func (p *PGXProvider) Acquire(ctx context.Context) (Conn, error) {
	actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	conn, err := p.pool.Acquire(actx)
	if err != nil {
		return nil, classifyAcquireErr(ctx, err)
	}
	return &pgxConn{conn: conn}, nil
}

// Release returns the connection to the pool.
func (p *PGXProvider) Release(conn Conn) {
	c, ok := conn.(*pgxConn)
	if !ok || !c.released.CompareAndSwap(false, true) {
		return
	}
	c.conn.Release()
}

// ActiveCount returns the number of acquired connections.
func (p *PGXProvider) ActiveCount() int {
	return int(p.pool.Stat().AcquiredConns())
}

// TotalCount returns the number of open connections.
func (p *PGXProvider) TotalCount() int {
	return int(p.pool.Stat().TotalConns())
}

// Close closes the pool.
func (p *PGXProvider) Close() error {
	p.pool.Close()
	return nil
}

type pgxConn struct {
	conn     *pgxpool.Conn
	released atomic.Bool
}

func (c *pgxConn) Query(ctx context.Context, stmt string) (Rows, error) {
	rows, err := c.conn.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (c *pgxConn) Exec(ctx context.Context, stmt string) error {
	_, err := c.conn.Exec(ctx, stmt)
	return err
}

// pgxRows adapts pgx.Rows, whose Close reports nothing, to Rows.
type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Next() bool { return r.rows.Next() }
func (r *pgxRows) Err() error { return r.rows.Err() }

func (r *pgxRows) Close() error {
	r.rows.Close()
	return r.rows.Err()
}
