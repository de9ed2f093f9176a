// Package pool provides the connection pool capability used by workers.
//
// A Provider hands out one Conn per task. Three interchangeable backends are
// available, selected by Kind: plain database/sql, pgxpool and gorm.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"yqhp/sql-stress/pkg/logger"
)

// DefaultAcquireTimeout bounds how long Acquire waits for a free connection.
const DefaultAcquireTimeout = 10 * time.Second

var (
	// ErrPoolExhausted is returned when no connection became free in time.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrConnectFailed is returned for any other acquire failure.
	ErrConnectFailed = errors.New("connect failed")
	// ErrUnsupported is returned when a backend cannot serve a target.
	ErrUnsupported = errors.New("unsupported target")
)

// Rows is a forward-only cursor over a result set.
type Rows interface {
	Next() bool
	Err() error
	Close() error
}

// Conn is a borrowed connection. It is used by a single task at a time.
type Conn interface {
	// Query submits a statement and returns its cursor.
	Query(ctx context.Context, stmt string) (Rows, error)
	// Exec runs a statement whose result is not inspected.
	Exec(ctx context.Context, stmt string) error
}

// Provider owns the connections to the backend and is shared by all workers.
type Provider interface {
	// Acquire borrows a connection. It fails with ErrPoolExhausted or ErrConnectFailed.
	Acquire(ctx context.Context) (Conn, error)
	// Release returns a connection. Releasing the same Conn twice is a no-op.
	Release(conn Conn)
	// ActiveCount is the number of connections currently borrowed.
	ActiveCount() int
	// TotalCount is the number of open connections, borrowed or idle.
	TotalCount() int
	// Close closes every connection.
	Close() error
}

// Kind selects a Provider backend.
type Kind string

const (
	KindSQL  Kind = "sql"
	KindPGX  Kind = "pgx"
	KindGorm Kind = "gorm"
)

// Kinds lists every supported backend.
func Kinds() []Kind {
	return []Kind{KindSQL, KindPGX, KindGorm}
}

// ParseKind parses a case-insensitive backend name. An empty name selects KindSQL.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" {
		return KindSQL, nil
	}
	if !k.Valid() {
		return "", fmt.Errorf("unknown pool type %q", s)
	}
	return k, nil
}

// Valid reports whether k names a supported backend.
func (k Kind) Valid() bool {
	for _, v := range Kinds() {
		if k == v {
			return true
		}
	}
	return false
}

// Options configures a Provider.
type Options struct {
	// URL is the connection target, e.g. jdbc:mysql://host:3306/db.
	URL      string
	Username string
	Password string
	// Driver overrides the database/sql driver name chosen from URL.
	Driver string
	// InitSQL runs on every new connection where the backend supports a hook.
	InitSQL string
	// Size is both the minimum idle and the maximum number of connections.
	Size           int
	AcquireTimeout time.Duration
	Logger         *zap.Logger
}

func (o *Options) normalize() {
	if o.Size <= 0 {
		o.Size = 1
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.L()
	}
}

// New opens a Provider of the given kind.
func New(ctx context.Context, kind Kind, opts Options) (Provider, error) {
	opts.normalize()

	target, err := ParseTarget(opts.URL, opts.Username, opts.Password, opts.Driver)
	if err != nil {
		return nil, err
	}

	opts.Logger.Debug("opening connection pool",
		zap.String("pool_type", string(kind)),
		zap.String("driver", target.Driver),
		zap.String("addr", target.Addr),
		zap.Int("size", opts.Size))

	switch kind {
	case KindSQL, "":
		return OpenSQL(target, opts)
	case KindPGX:
		return OpenPGX(ctx, target, opts)
	case KindGorm:
		return OpenGorm(target, opts)
	default:
		return nil, fmt.Errorf("%w: pool type %q", ErrUnsupported, kind)
	}
}

// classifyAcquireErr maps a failed acquire to ErrPoolExhausted or ErrConnectFailed.
// parent is the caller's context; a deadline hit only by the acquire timeout
// means the pool had no free connection.
func classifyAcquireErr(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %w", ErrPoolExhausted, err)
	}
	return fmt.Errorf("%w: %w", ErrConnectFailed, err)
}
