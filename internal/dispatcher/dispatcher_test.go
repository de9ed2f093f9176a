package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"yqhp/sql-stress/internal/config"
	"yqhp/sql-stress/internal/metric"
	"yqhp/sql-stress/internal/runner"
)

// memorySink keeps records in memory.
type memorySink struct {
	mu        sync.Mutex
	header    bool
	records   []*metric.Record
	closed    int
	headerErr error
	writeErr  error
}

func (s *memorySink) WriteHeader() error {
	s.header = true
	return s.headerErr
}

func (s *memorySink) Write(rec *metric.Record) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) Close() error {
	s.closed++
	return nil
}

// funcExecutor adapts a function to runner.Executor.
type funcExecutor func(ctx context.Context, worker string, task runner.Task) *metric.Record

func (f funcExecutor) Execute(ctx context.Context, worker string, task runner.Task) *metric.Record {
	return f(ctx, worker, task)
}

func succeed(_ context.Context, worker string, task runner.Task) *metric.Record {
	rec := metric.NewRecord(worker, task.ScriptID)
	rec.Success = true
	rec.ResultSize = 1
	rec.ClientStartMs = metric.NowMs()
	rec.ClientEndMs = rec.ClientStartMs + 1
	return rec
}

func scripts(ids ...string) []config.Script {
	out := make([]config.Script, 0, len(ids))
	for _, id := range ids {
		out = append(out, config.Script{ID: id, SQL: "select 1"})
	}
	return out
}

func newDispatcher(plan Plan, exec runner.Executor, sink metric.Sink, opts ...Option) *Dispatcher {
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	return New(plan, exec, sink, opts...)
}

type countingObserver struct{ n atomic.Int32 }

func (o *countingObserver) Observe(*metric.Record) { o.n.Add(1) }

func TestRun_CompletesAllTasks(t *testing.T) {
	var (
		running, peak atomic.Int32
		mu            sync.Mutex
		perScript     = map[string]int{}
	)
	exec := funcExecutor(func(ctx context.Context, worker string, task runner.Task) *metric.Record {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)

		mu.Lock()
		perScript[task.ScriptID]++
		mu.Unlock()
		return succeed(ctx, worker, task)
	})

	sink := &memorySink{}
	obs := &countingObserver{}
	plan := Plan{Workers: 3, Repeat: 4, Scripts: scripts("a", "b"), FailureRate: 10}

	summary, err := newDispatcher(plan, exec, sink, WithObserver(obs)).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, sink.header)
	assert.Equal(t, 1, sink.closed)
	assert.Len(t, sink.records, 8)
	assert.Equal(t, map[string]int{"a": 4, "b": 4}, perScript)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(8), obs.n.Load())

	for _, rec := range sink.records {
		assert.Contains(t, []string{"worker-1", "worker-2", "worker-3"}, rec.WorkerName)
	}

	assert.Equal(t, 8, summary.Total)
	assert.Equal(t, 8, summary.Processed)
	assert.Equal(t, 0, summary.Failed)
	require.NotNil(t, summary.Latency)
	assert.Equal(t, int64(8), summary.Latency.Overall.Latency.Count)
	assert.Greater(t, summary.QPS, 0.0)
}

func TestRun_SingleWorkerKeepsSubmissionOrder(t *testing.T) {
	sink := &memorySink{}
	plan := Plan{Workers: 1, Repeat: 2, Scripts: scripts("x", "y", "z"), FailureRate: 10}

	_, err := newDispatcher(plan, funcExecutor(succeed), sink).Run(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, rec := range sink.records {
		ids = append(ids, rec.ScriptID)
		assert.Equal(t, "worker-1", rec.WorkerName)
	}
	assert.Equal(t, []string{"x", "y", "z", "x", "y", "z"}, ids)
}

func failing(bad string) funcExecutor {
	return func(ctx context.Context, worker string, task runner.Task) *metric.Record {
		rec := succeed(ctx, worker, task)
		if task.ScriptID == bad {
			rec.Success = false
		}
		return rec
	}
}

func TestRun_ThresholdAbort(t *testing.T) {
	sink := &memorySink{}
	// 20 tasks, every other one fails: the third failure is 15% > 10%.
	plan := Plan{Workers: 1, Repeat: 10, Scripts: scripts("ok", "bad"), FailureRate: 10}

	summary, err := newDispatcher(plan, failing("bad"), sink).Run(context.Background())
	require.ErrorIs(t, err, ErrThresholdAbort)

	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 6, summary.Processed)
	assert.Len(t, sink.records, 6)
	assert.Equal(t, 1, sink.closed)
}

func TestRun_AtThresholdDoesNotAbort(t *testing.T) {
	// 1 of 10 failed is exactly 10%, which is not above the threshold.
	plan := Plan{Workers: 2, Repeat: 1, Scripts: scripts("bad", "1", "2", "3", "4", "5", "6", "7", "8", "9"), FailureRate: 10}

	summary, err := newDispatcher(plan, failing("bad"), &memorySink{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 10.0, summary.FailedPercent())
}

func TestRun_FullFailureToleratedAt100(t *testing.T) {
	plan := Plan{Workers: 2, Repeat: 5, Scripts: scripts("bad"), FailureRate: 100}

	summary, err := newDispatcher(plan, failing("bad"), &memorySink{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Failed)
}

func TestRun_Interrupted(t *testing.T) {
	var started atomic.Int32
	exec := funcExecutor(func(ctx context.Context, worker string, task runner.Task) *metric.Record {
		started.Add(1)
		<-ctx.Done()
		return metric.NewRecord(worker, task.ScriptID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	sink := &memorySink{}
	plan := Plan{Workers: 2, Repeat: 50, Scripts: scripts("slow"), FailureRate: 100}

	start := time.Now()
	summary, err := newDispatcher(plan, exec, sink, WithDrainTimeout(time.Second)).Run(ctx)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Less(t, time.Since(start), 2*time.Second)

	// only the tasks that were running when the run stopped touched the executor
	assert.LessOrEqual(t, started.Load(), int32(2))
	assert.Less(t, summary.Processed, summary.Total)
	assert.Equal(t, 1, sink.closed)
}

func TestRun_PanicBecomesFailedRecord(t *testing.T) {
	exec := funcExecutor(func(ctx context.Context, worker string, task runner.Task) *metric.Record {
		if task.ScriptID == "boom" {
			panic("driver exploded")
		}
		return succeed(ctx, worker, task)
	})

	sink := &memorySink{}
	plan := Plan{Workers: 2, Repeat: 1, Scripts: scripts("boom", "fine"), FailureRate: 100}

	summary, err := newDispatcher(plan, exec, sink).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	var found bool
	for _, rec := range sink.records {
		if rec.ScriptID == "boom" {
			found = true
			assert.False(t, rec.Success)
			assert.Equal(t, metric.UnknownResultSize, rec.ResultSize)
			assert.NotEmpty(t, rec.WorkerName)
		}
	}
	assert.True(t, found)
}

func TestRun_SinkErrors(t *testing.T) {
	plan := Plan{Workers: 1, Repeat: 1, Scripts: scripts("a"), FailureRate: 10}

	sink := &memorySink{headerErr: errors.New("disk full")}
	_, err := newDispatcher(plan, funcExecutor(succeed), sink).Run(context.Background())
	assert.ErrorIs(t, err, ErrSink)
	assert.Equal(t, 1, sink.closed)

	sink = &memorySink{writeErr: errors.New("disk full")}
	summary, err := newDispatcher(plan, funcExecutor(succeed), sink).Run(context.Background())
	assert.ErrorIs(t, err, ErrSink)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, sink.closed)
}

func TestRun_InvalidPlan(t *testing.T) {
	for _, plan := range []Plan{
		{Workers: 0, Repeat: 1, Scripts: scripts("a")},
		{Workers: 1, Repeat: 0, Scripts: scripts("a")},
		{Workers: 1, Repeat: 1},
		{Workers: 1, Repeat: 1, Scripts: scripts("a"), FailureRate: -1},
	} {
		_, err := newDispatcher(plan, funcExecutor(succeed), &memorySink{}).Run(context.Background())
		assert.ErrorIs(t, err, ErrInvalidPlan)
	}
}

func TestRun_Progress(t *testing.T) {
	exec := funcExecutor(func(ctx context.Context, worker string, task runner.Task) *metric.Record {
		time.Sleep(5 * time.Millisecond)
		return succeed(ctx, worker, task)
	})

	var out bytes.Buffer
	plan := Plan{Workers: 1, Repeat: 20, Scripts: scripts("p"), FailureRate: 10}
	_, err := newDispatcher(plan, exec, &memorySink{},
		WithProgressInterval(20*time.Millisecond), WithOutput(&out)).Run(context.Background())
	require.NoError(t, err)

	assert.Contains(t, out.String(), "of 20 SQLs executed, 0 failed, approx qps")
}

func TestSummary_Print(t *testing.T) {
	s := &Summary{Elapsed: 1500 * time.Millisecond, Total: 10, Processed: 10, Failed: 2, QPS: 6.6666}
	var buf bytes.Buffer
	s.Print(&buf)

	out := buf.String()
	assert.Contains(t, out, "elapsed: 1500ms\n")
	assert.Contains(t, out, "sql    : 10\n")
	assert.Contains(t, out, "failed : 2 (20%)\n")
	assert.Contains(t, out, "qps    : 6.667\n")
	assert.False(t, strings.Contains(out, "done   :"))
}

func TestPlanFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Thread = 4
	cfg.Repeat = 3
	cfg.Failure = 5
	cfg.Scripts = scripts("a", "b")

	plan := PlanFromConfig(cfg)
	assert.Equal(t, 4, plan.Workers)
	assert.Equal(t, 6, plan.TotalTasks())
	assert.Equal(t, 5.0, plan.FailureRate)

	cfg.Scripts[0].ID = "changed"
	assert.Equal(t, "a", plan.Scripts[0].ID)
}

func TestRun_ManyTasksFewWorkers(t *testing.T) {
	sink := &memorySink{}
	plan := Plan{Workers: 2, Repeat: 500, Scripts: scripts("a", "b"), FailureRate: 10}

	summary, err := newDispatcher(plan, funcExecutor(succeed), sink).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000, summary.Processed)
	assert.Len(t, sink.records, 1000)
}

func TestRun_AbortReleasesBlockedWorkers(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	exec := funcExecutor(func(_ context.Context, worker string, task runner.Task) *metric.Record {
		time.Sleep(time.Millisecond)
		rec := metric.NewRecord(worker, task.ScriptID)
		rec.ClientStartMs = metric.NowMs()
		rec.ClientEndMs = rec.ClientStartMs
		return rec
	})

	sink := &memorySink{}
	plan := Plan{Workers: 4, Repeat: 200, Scripts: scripts("bad"), FailureRate: 0}

	start := time.Now()
	summary, err := New(plan, exec, sink, WithLogger(zap.New(core)), WithDrainTimeout(3*time.Second)).
		Run(context.Background())
	require.ErrorIs(t, err, ErrThresholdAbort)
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, logs.FilterMessage("worker pool did not drain in time").Len())
	assert.Equal(t, 1, sink.closed)
}
