package pool

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Dialect is the SQL family of a target.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Target is a resolved connection target.
type Target struct {
	Dialect Dialect
	// Driver is the database/sql driver name.
	Driver string
	// DSN is the driver-specific data source name.
	DSN string
	// Addr is host:port for network targets and empty for embedded ones.
	Addr string
}

// ParseTarget resolves a JDBC-style URL into a driver name and DSN.
// Accepted forms (the "jdbc:" prefix is optional):
//
//	jdbc:mysql://host[:port]/db?k=v
//	jdbc:postgresql://host[:port]/db?k=v   (also postgres://)
//	jdbc:sqlite:<path>
func ParseTarget(rawURL, username, password, driver string) (*Target, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", ErrUnsupported)
	}
	raw = strings.TrimPrefix(raw, "jdbc:")

	var (
		t   *Target
		err error
	)
	switch {
	case strings.HasPrefix(raw, "mysql://"):
		t, err = mysqlTarget(raw, username, password)
	case strings.HasPrefix(raw, "postgresql://"), strings.HasPrefix(raw, "postgres://"):
		t, err = postgresTarget(raw, username, password)
	case strings.HasPrefix(raw, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(raw, "sqlite:"), "//")
		if path == "" {
			return nil, fmt.Errorf("%w: sqlite url without path", ErrUnsupported)
		}
		t = &Target{Dialect: DialectSQLite, Driver: "sqlite", DSN: path}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, rawURL)
	}
	if err != nil {
		return nil, err
	}

	if driver != "" {
		t.Driver = driver
	}
	return t, nil
}

func mysqlTarget(raw, username, password string) (*Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql url: %w", err)
	}

	cfg := mysql.NewConfig()
	cfg.User = username
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = hostPort(u, "3306")
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	if q := u.Query(); len(q) > 0 {
		cfg.Params = make(map[string]string, len(q))
		for k := range q {
			cfg.Params[k] = q.Get(k)
		}
	}

	return &Target{
		Dialect: DialectMySQL,
		Driver:  "mysql",
		DSN:     cfg.FormatDSN(),
		Addr:    cfg.Addr,
	}, nil
}

func postgresTarget(raw, username, password string) (*Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres url: %w", err)
	}
	u.Scheme = "postgres"
	if username != "" {
		u.User = url.UserPassword(username, password)
	}

	return &Target{
		Dialect: DialectPostgres,
		Driver:  "pgx",
		DSN:     u.String(),
		Addr:    hostPort(u, "5432"),
	}, nil
}

func hostPort(u *url.URL, defaultPort string) string {
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port)
}
