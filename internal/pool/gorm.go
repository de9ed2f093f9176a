package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"yqhp/sql-stress/pkg/logger"
)

// GormProvider is a Provider backed by gorm. Each borrowed Conn is a gorm
// session pinned to one dedicated *sql.Conn, so every statement of a task
// runs on the same physical connection and is traced by the gorm logger.
type GormProvider struct {
	db             *gorm.DB
	sqlDB          *sql.DB
	acquireTimeout time.Duration
	logger         *zap.Logger
}

// OpenGorm opens a gorm pool for a mysql or postgres target.
func OpenGorm(target *Target, opts Options) (*GormProvider, error) {
	opts.normalize()

	var dialector gorm.Dialector
	switch target.Dialect {
	case DialectMySQL:
		dialector = gormmysql.New(gormmysql.Config{DSN: target.DSN, DriverName: target.Driver})
	case DialectPostgres:
		dialector = postgres.New(postgres.Config{DSN: target.DSN, DriverName: target.Driver})
	default:
		return nil, fmt.Errorf("%w: gorm pool does not support %s", ErrUnsupported, target.Dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.NewGormLogger(opts.Logger),
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	return NewGormProvider(db, opts)
}

// NewGormProvider wraps an existing gorm handle and sizes its pool from opts.
func NewGormProvider(db *gorm.DB, opts Options) (*GormProvider, error) {
	opts.normalize()

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	sqlDB.SetMaxOpenConns(opts.Size)
	sqlDB.SetMaxIdleConns(opts.Size)
	sqlDB.SetConnMaxLifetime(0)

	return &GormProvider{
		db:             db,
		sqlDB:          sqlDB,
		acquireTimeout: opts.AcquireTimeout,
		logger:         opts.Logger,
	}, nil
}

// Acquire borrows a dedicated connection and binds a fresh gorm session to it.
func (p *GormProvider) Acquire(ctx context.Context) (Conn, error) {
	conn, err := acquireSQLConn(ctx, p.sqlDB, p.acquireTimeout)
	if err != nil {
		return nil, err
	}

	session := p.db.Session(&gorm.Session{NewDB: true})
	session.Statement.ConnPool = conn

	return &gormConn{session: session, conn: conn}, nil
}

// Release returns the connection to the pool.
func (p *GormProvider) Release(conn Conn) {
	c, ok := conn.(*gormConn)
	if !ok || !c.released.CompareAndSwap(false, true) {
		return
	}
	if err := c.conn.Close(); err != nil {
		p.logger.Warn("release connection failed", zap.Error(err))
	}
}

// ActiveCount returns the number of connections in use.
func (p *GormProvider) ActiveCount() int {
	return p.sqlDB.Stats().InUse
}

// TotalCount returns the number of open connections.
func (p *GormProvider) TotalCount() int {
	return p.sqlDB.Stats().OpenConnections
}

// Close closes the pool.
func (p *GormProvider) Close() error {
	return p.sqlDB.Close()
}

type gormConn struct {
	session  *gorm.DB
	conn     *sql.Conn
	released atomic.Bool
}

func (c *gormConn) Query(ctx context.Context, stmt string) (Rows, error) {
	rows, err := c.session.WithContext(ctx).Raw(stmt).Rows()
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *gormConn) Exec(ctx context.Context, stmt string) error {
	return c.session.WithContext(ctx).Exec(stmt).Error
}
