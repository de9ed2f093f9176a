package runner

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"yqhp/sql-stress/internal/idgen"
	"yqhp/sql-stress/internal/metric"
	"yqhp/sql-stress/internal/pool"
)

// fakeRows 返回固定行数
type fakeRows struct {
	left int
	err  error
}

func (r *fakeRows) Next() bool {
	if r.left <= 0 {
		return false
	}
	r.left--
	return true
}
func (r *fakeRows) Err() error   { return r.err }
func (r *fakeRows) Close() error { return nil }

type fakeConn struct {
	queries []string
	execs   []string
	rows    func(stmt string) (*fakeRows, error)
}

func (c *fakeConn) Query(_ context.Context, stmt string) (pool.Rows, error) {
	c.queries = append(c.queries, stmt)
	r, err := c.rows(stmt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c *fakeConn) Exec(_ context.Context, stmt string) error {
	c.execs = append(c.execs, stmt)
	return nil
}

type fakeProvider struct {
	conn       *fakeConn
	acquireErr error
	releases   atomic.Int32
}

func (p *fakeProvider) Acquire(context.Context) (pool.Conn, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return p.conn, nil
}
func (p *fakeProvider) Release(pool.Conn) { p.releases.Add(1) }
func (p *fakeProvider) ActiveCount() int  { return 0 }
func (p *fakeProvider) TotalCount() int   { return 0 }
func (p *fakeProvider) Close() error      { return nil }

type fakeProfiler struct {
	calls   []string
	timings *metric.StageTimings
	err     error
}

func (p *fakeProfiler) Profile(_ context.Context, jobID string) (*metric.StageTimings, error) {
	p.calls = append(p.calls, jobID)
	return p.timings, p.err
}

func rowsPerQuery(n int) func(string) (*fakeRows, error) {
	return func(string) (*fakeRows, error) { return &fakeRows{left: n}, nil }
}

func TestBasicExecutor_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	provider := pool.NewSQLProvider(db, pool.Options{Size: 1, Logger: zap.NewNop()})
	defer provider.Close()

	mock.ExpectExec("use bench").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`job_id=p_[0-9a-f]{32} \*/ select a from t`).
		WillReturnRows(sqlmock.NewRows([]string{"a"}).AddRow(1).AddRow(2))
	mock.ExpectQuery(`job_id=p_[0-9a-f]{32} \*/ select b from t`).
		WillReturnRows(sqlmock.NewRows([]string{"b"}).AddRow(3))

	exec := NewBasicExecutor(provider, idgen.New("p"), zap.NewNop())
	rec := exec.Execute(context.Background(), "worker-1", Task{
		ScriptID: "q.sql",
		SQL:      "use bench; select a from t;\nselect b from t; -- trailing",
	})

	require.True(t, rec.Success)
	assert.Equal(t, "worker-1", rec.WorkerName)
	assert.Equal(t, "q.sql", rec.ScriptID)
	assert.Equal(t, int64(3), rec.ResultSize)

	ids := strings.Split(rec.JobID, JobIDSeparator)
	require.Len(t, ids, 2)
	for _, id := range ids {
		assert.True(t, strings.HasPrefix(id, "p_"))
	}

	assert.Equal(t, rec.ClientStartMs, rec.ServerSubmitMs)
	assert.Equal(t, rec.ClientStartMs, rec.ServerStartMs)
	assert.Equal(t, rec.ClientEndMs, rec.ServerEndMs)
	assert.Equal(t, rec.ClientDuration(), rec.ServerDuration())
	assert.Equal(t, 0, provider.ActiveCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBasicExecutor_StatementFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	boom := errors.New("syntax error")

	conn := &fakeConn{rows: func(stmt string) (*fakeRows, error) {
		if strings.Contains(stmt, "bad") {
			return nil, boom
		}
		return &fakeRows{left: 4}, nil
	}}
	provider := &fakeProvider{conn: conn}

	exec := NewBasicExecutor(provider, idgen.New(""), zap.New(core))
	rec := exec.Execute(context.Background(), "worker-2", Task{
		ScriptID: "s",
		SQL:      "select 1; select bad; select 2",
	})

	assert.False(t, rec.Success)
	assert.Equal(t, int64(4), rec.ResultSize)
	assert.Equal(t, "s", rec.JobID)
	assert.Equal(t, rec.ClientEndMs, rec.ServerEndMs)
	assert.Len(t, conn.queries, 2)
	assert.Equal(t, int32(1), provider.releases.Load())

	entries := logs.FilterMessage("failed to run sql").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "s", entries[0].ContextMap()["sql_id"])
}

func TestBasicExecutor_AcquireFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	provider := &fakeProvider{acquireErr: pool.ErrPoolExhausted}

	exec := NewBasicExecutor(provider, nil, zap.New(core))
	rec := exec.Execute(context.Background(), "worker-1", Task{ScriptID: "x", SQL: "select 1"})

	assert.False(t, rec.Success)
	assert.Equal(t, metric.UnknownResultSize, rec.ResultSize)
	assert.Equal(t, "x", rec.JobID)
	assert.NotZero(t, rec.ClientStartMs)
	assert.Equal(t, rec.ClientStartMs, rec.ClientEndMs)
	assert.Equal(t, rec.ClientEndMs, rec.ServerEndMs)
	assert.Zero(t, rec.ServerSubmitMs)
	assert.Equal(t, int32(0), provider.releases.Load())
	assert.Equal(t, 1, logs.FilterMessage("failed to get connection").Len())
}

func TestBasicExecutor_NoRemoteStatements(t *testing.T) {
	tests := []struct {
		name  string
		sql   string
		execs []string
	}{
		{name: "local only", sql: "set a=1; use db;", execs: []string{"set a=1", "use db"}},
		{name: "empty", sql: ""},
		{name: "blanks and comments", sql: "  ; -- c\n;"},
		{name: "block comment", sql: "/* nothing */ ;\n# hash\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{rows: rowsPerQuery(1)}
			provider := &fakeProvider{conn: conn}

			rec := NewBasicExecutor(provider, nil, zap.NewNop()).
				Execute(context.Background(), "w", Task{ScriptID: "noop", SQL: tt.sql})

			assert.True(t, rec.Success)
			assert.Equal(t, int64(0), rec.ResultSize)
			assert.Equal(t, "noop", rec.JobID)
			assert.Empty(t, conn.queries)
			assert.Equal(t, tt.execs, conn.execs)
			assert.GreaterOrEqual(t, rec.ClientEndMs, rec.ClientStartMs)
			assert.Equal(t, int32(1), provider.releases.Load())
		})
	}
}

func TestTelemetryExecutor_SingleRemote(t *testing.T) {
	conn := &fakeConn{rows: rowsPerQuery(2)}
	profiler := &fakeProfiler{timings: &metric.StageTimings{ServerStartMs: 100, ServerEndMs: 160, GatewayStartMs: 90}}

	exec := New(&fakeProvider{conn: conn}, idgen.New("run"), profiler, zap.NewNop())
	require.IsType(t, &TelemetryExecutor{}, exec)

	rec := exec.Execute(context.Background(), "w", Task{ScriptID: "one", SQL: "set x=1; select 1"})

	require.True(t, rec.Success)
	require.Len(t, profiler.calls, 1)
	assert.Equal(t, rec.JobID, profiler.calls[0])
	assert.Equal(t, int64(60), rec.ServerDuration())
	assert.Equal(t, int64(90), rec.GatewayStartMs)
	assert.Zero(t, rec.ServerSubmitMs)
}

func TestTelemetryExecutor_SkipsProfile(t *testing.T) {
	t.Run("two remote statements", func(t *testing.T) {
		profiler := &fakeProfiler{timings: &metric.StageTimings{}}
		exec := New(&fakeProvider{conn: &fakeConn{rows: rowsPerQuery(0)}}, nil, profiler, zap.NewNop())
		rec := exec.Execute(context.Background(), "w", Task{ScriptID: "two", SQL: "select 1; select 2"})
		assert.True(t, rec.Success)
		assert.Empty(t, profiler.calls)
	})

	t.Run("failed task", func(t *testing.T) {
		profiler := &fakeProfiler{timings: &metric.StageTimings{}}
		conn := &fakeConn{rows: func(string) (*fakeRows, error) { return nil, errors.New("down") }}
		exec := New(&fakeProvider{conn: conn}, nil, profiler, zap.NewNop())
		rec := exec.Execute(context.Background(), "w", Task{ScriptID: "f", SQL: "select 1"})
		assert.False(t, rec.Success)
		assert.Empty(t, profiler.calls)
	})

	t.Run("cursor error", func(t *testing.T) {
		profiler := &fakeProfiler{timings: &metric.StageTimings{}}
		conn := &fakeConn{rows: func(string) (*fakeRows, error) {
			return &fakeRows{left: 1, err: errors.New("broken cursor")}, nil
		}}
		exec := New(&fakeProvider{conn: conn}, nil, profiler, zap.NewNop())
		rec := exec.Execute(context.Background(), "w", Task{ScriptID: "c", SQL: "select 1"})
		assert.False(t, rec.Success)
		assert.Equal(t, int64(1), rec.ResultSize)
		assert.Empty(t, profiler.calls)
	})
}

func TestTelemetryExecutor_ProfileError(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	profiler := &fakeProfiler{err: errors.New("timeout")}

	exec := New(&fakeProvider{conn: &fakeConn{rows: rowsPerQuery(1)}}, nil, profiler, zap.New(core))
	rec := exec.Execute(context.Background(), "w", Task{ScriptID: "p", SQL: "select 1"})

	assert.True(t, rec.Success)
	assert.Zero(t, rec.ServerStartMs)
	assert.Zero(t, rec.ServerEndMs)
	assert.Len(t, profiler.calls, 1)
	assert.Equal(t, 1, logs.FilterMessage("failed to get job profile").Len())
}

func TestNew_Basic(t *testing.T) {
	exec := New(&fakeProvider{}, nil, nil, nil)
	assert.IsType(t, &BasicExecutor{}, exec)
}
