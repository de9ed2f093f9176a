package runner

import (
	"context"

	"go.uber.org/zap"

	"yqhp/sql-stress/internal/metric"
	"yqhp/sql-stress/internal/telemetry"
)

// TelemetryExecutor runs the basic algorithm and, when a task succeeded with
// exactly one remote statement, replaces the stage timestamps with the ones
// the backend recorded for that job.
type TelemetryExecutor struct {
	basic    *BasicExecutor
	profiler telemetry.Profiler
}

// NewTelemetryExecutor wraps basic with a job profile source.
func NewTelemetryExecutor(basic *BasicExecutor, profiler telemetry.Profiler) *TelemetryExecutor {
	return &TelemetryExecutor{basic: basic, profiler: profiler}
}

// Execute runs the task. A failed profile lookup leaves the stage fields at
// zero and keeps the task successful.
func (e *TelemetryExecutor) Execute(ctx context.Context, worker string, task Task) *metric.Record {
	rec, jobIDs, _ := e.basic.run(ctx, worker, task)
	if !rec.Success || len(jobIDs) != 1 {
		return rec
	}

	timings, err := e.profiler.Profile(ctx, jobIDs[0])
	if err != nil {
		e.basic.logger.Warn("failed to get job profile",
			zap.String("worker", worker),
			zap.String("sql_id", task.ScriptID),
			zap.String("job_id", jobIDs[0]),
			zap.Error(err))
		return rec
	}
	rec.ApplyStages(timings)
	return rec
}
