// Package runner executes a single task (one named SQL script) on a borrowed
// connection and turns the outcome into a metric.Record.
//
// Task failures never escape as errors: they become records with
// Success=false plus a warning in the log.
package runner

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"yqhp/sql-stress/internal/idgen"
	"yqhp/sql-stress/internal/metric"
	"yqhp/sql-stress/internal/pool"
	"yqhp/sql-stress/internal/statement"
	"yqhp/sql-stress/internal/telemetry"
	"yqhp/sql-stress/pkg/logger"
)

// JobIDSeparator joins the correlation ids of the remote statements of a task.
const JobIDSeparator = ":"

// Task is one execution of a named script.
type Task struct {
	ScriptID string
	SQL      string
}

// Executor runs a task on behalf of a named worker and always returns a record.
type Executor interface {
	Execute(ctx context.Context, worker string, task Task) *metric.Record
}

// New picks the executor variant for a run: the telemetry variant when a
// profiler is available, the basic one otherwise.
func New(provider pool.Provider, ids *idgen.Generator, profiler telemetry.Profiler, log *zap.Logger) Executor {
	basic := NewBasicExecutor(provider, ids, log)
	if profiler == nil {
		return basic
	}
	return NewTelemetryExecutor(basic, profiler)
}

// BasicExecutor runs scripts statement by statement and measures client-side
// timings. Backend timings are approximated by the client window.
type BasicExecutor struct {
	provider pool.Provider
	ids      *idgen.Generator
	logger   *zap.Logger
}

// NewBasicExecutor creates a BasicExecutor. A nil generator produces
// unprefixed ids and a nil logger falls back to the global one.
func NewBasicExecutor(provider pool.Provider, ids *idgen.Generator, log *zap.Logger) *BasicExecutor {
	if ids == nil {
		ids = idgen.New("")
	}
	if log == nil {
		log = logger.L()
	}
	return &BasicExecutor{provider: provider, ids: ids, logger: log}
}

// Execute runs the task and mirrors the client window into the server
// submit/start/end fields.
func (e *BasicExecutor) Execute(ctx context.Context, worker string, task Task) *metric.Record {
	rec, _, acquired := e.run(ctx, worker, task)
	if acquired {
		rec.ServerSubmitMs = rec.ClientStartMs
		rec.ServerStartMs = rec.ClientStartMs
		rec.ServerEndMs = rec.ClientEndMs
	}
	return rec
}

// run executes the task and returns the record, the correlation ids of the
// submitted remote statements and whether a connection was obtained.
func (e *BasicExecutor) run(ctx context.Context, worker string, task Task) (*metric.Record, []string, bool) {
	rec := metric.NewRecord(worker, task.ScriptID)

	conn, err := e.provider.Acquire(ctx)
	if err != nil {
		now := metric.NowMs()
		rec.ClientStartMs = now
		rec.ClientEndMs = now
		rec.ServerEndMs = now
		e.logger.Warn("failed to get connection",
			zap.String("worker", worker),
			zap.String("sql_id", task.ScriptID),
			zap.Error(err))
		return rec, nil, false
	}
	defer e.provider.Release(conn)

	rec.ClientStartMs = metric.NowMs()
	rec.ResultSize = 0

	var jobIDs []string
	for _, stmt := range statement.Split(task.SQL) {
		if statement.IsBlank(stmt) {
			continue
		}

		if statement.IsLocal(stmt) {
			if err := conn.Exec(ctx, stmt); err != nil {
				e.fail(rec, worker, err)
				return rec, jobIDs, true
			}
			continue
		}

		jobID := e.ids.Next()
		jobIDs = append(jobIDs, jobID)

		n, err := drain(ctx, conn, tagStatement(jobID, stmt))
		rec.ResultSize += n
		if err != nil {
			e.fail(rec, worker, err)
			return rec, jobIDs, true
		}
	}

	rec.ClientEndMs = metric.NowMs()
	rec.Success = true
	if len(jobIDs) > 0 {
		rec.JobID = strings.Join(jobIDs, JobIDSeparator)
	}
	return rec, jobIDs, true
}

func (e *BasicExecutor) fail(rec *metric.Record, worker string, err error) {
	now := metric.NowMs()
	rec.ClientEndMs = now
	rec.ServerEndMs = now
	rec.Success = false
	e.logger.Warn("failed to run sql",
		zap.String("worker", worker),
		zap.String("sql_id", rec.ScriptID),
		zap.Error(err))
}

// tagStatement prefixes a statement with its correlation id so the backend
// can attribute the job to this task.
func tagStatement(jobID, stmt string) string {
	return "/* job_id=" + jobID + " */ " + stmt
}

// drain submits a statement and counts every row of its result.
func drain(ctx context.Context, conn pool.Conn, stmt string) (int64, error) {
	rows, err := conn.Query(ctx, stmt)
	if err != nil {
		return 0, err
	}

	var n int64
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return n, err
	}
	return n, rows.Close()
}
