// Package dispatcher runs a workload plan across a fixed set of workers,
// streams every measurement record to a sink in completion order and aborts
// the run once the failure ratio crosses the plan's threshold.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"yqhp/sql-stress/internal/metric"
	"yqhp/sql-stress/internal/runner"
	"yqhp/sql-stress/internal/stats"
	"yqhp/sql-stress/pkg/logger"
)

const (
	// DefaultProgressInterval is the minimum gap between two progress reports.
	DefaultProgressInterval = 10 * time.Second
	// DefaultDrainTimeout bounds how long an aborted run waits for in-flight tasks.
	DefaultDrainTimeout = 5 * time.Second
)

// Observer is notified of every record after it has been written to the sink.
// Observers are called from the consumer loop only.
type Observer interface {
	Observe(rec *metric.Record)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithProgressInterval sets the progress report interval.
func WithProgressInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.progressInterval = d
		}
	}
}

// WithDrainTimeout sets the bounded drain used when releasing the worker pool.
func WithDrainTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.drainTimeout = d
		}
	}
}

// WithObserver registers an additional record observer.
func WithObserver(o Observer) Option {
	return func(disp *Dispatcher) {
		if o != nil {
			disp.observers = append(disp.observers, o)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(disp *Dispatcher) {
		if l != nil {
			disp.logger = l
		}
	}
}

// WithOutput sets where human readable progress lines are printed.
func WithOutput(w io.Writer) Option {
	return func(disp *Dispatcher) {
		if w != nil {
			disp.out = w
		}
	}
}

// Dispatcher executes a Plan. A Dispatcher runs once.
type Dispatcher struct {
	plan     Plan
	executor runner.Executor
	sink     metric.Sink

	progressInterval time.Duration
	drainTimeout     time.Duration
	observers        []Observer
	collector        *stats.Collector
	logger           *zap.Logger
	out              io.Writer
}

// New creates a Dispatcher.
func New(plan Plan, executor runner.Executor, sink metric.Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		plan:             plan,
		executor:         executor,
		sink:             sink,
		progressInterval: DefaultProgressInterval,
		drainTimeout:     DefaultDrainTimeout,
		collector:        stats.NewCollector(),
		logger:           logger.L(),
		out:              io.Discard,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes every task of the plan and returns the run summary. On abort
// the partial summary is returned together with the error.
func (d *Dispatcher) Run(ctx context.Context) (*Summary, error) {
	if err := d.plan.Validate(); err != nil {
		return nil, err
	}

	total := d.plan.TotalTasks()
	summary := &Summary{Total: total}
	start := time.Now()

	if err := d.sink.WriteHeader(); err != nil {
		return summary, multierr.Append(fmt.Errorf("%w: %w", ErrSink, err), d.sink.Close())
	}

	workers := d.plan.Workers
	wp, err := ants.NewPool(workers, ants.WithLogger(zap.NewStdLog(d.logger)))
	if err != nil {
		return summary, multierr.Append(fmt.Errorf("%w: %w", ErrDispatch, err), d.sink.Close())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	names := make(chan string, workers)
	for i := 1; i <= workers; i++ {
		names <- fmt.Sprintf("worker-%d", i)
	}

	results := make(chan *metric.Record, workers)
	dispatchErr := make(chan error, 1)
	producerDone := make(chan struct{})

	go func() {
		defer close(producerDone)
		for task := range d.plan.tasks {
			if runCtx.Err() != nil {
				return
			}
			err := wp.Submit(func() {
				rec := d.execute(runCtx, names, task)
				if rec == nil {
					return
				}
				select {
				case results <- rec:
				case <-runCtx.Done():
				}
			})
			if err != nil {
				if runCtx.Err() == nil {
					dispatchErr <- fmt.Errorf("%w: %w", ErrDispatch, err)
				}
				return
			}
		}
	}()

	runErr := d.consume(ctx, summary, results, dispatchErr, start)

	cancel()
	if err := d.release(wp, producerDone); err != nil {
		d.logger.Warn("worker pool did not drain in time", zap.Error(err))
	}
	if err := d.sink.Close(); err != nil {
		runErr = multierr.Append(runErr, fmt.Errorf("%w: %w", ErrSink, err))
	}

	summary.Elapsed = time.Since(start)
	summary.QPS = qps(summary.Processed, summary.Elapsed)
	summary.Latency = d.collector.Snapshot()

	return summary, runErr
}

// consume reads records in completion order until every task is accounted
// for or the run has to stop.
func (d *Dispatcher) consume(ctx context.Context, summary *Summary, results <-chan *metric.Record,
	dispatchErr <-chan error, start time.Time) error {
	ticker := time.NewTicker(d.progressInterval)
	defer ticker.Stop()

	lastReport := start
	lastProcessed := 0

	for summary.Processed < summary.Total {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())

		case err := <-dispatchErr:
			return err

		case rec := <-results:
			if err := d.sink.Write(rec); err != nil {
				return fmt.Errorf("%w: %w", ErrSink, err)
			}
			summary.Processed++
			if !rec.Success {
				summary.Failed++
			}
			d.collector.Observe(rec)
			for _, o := range d.observers {
				o.Observe(rec)
			}

			if !rec.Success && d.plan.exceeds(summary.Failed, summary.Total) {
				d.logger.Error("too many failed sqls, test aborted",
					zap.Int("failed", summary.Failed),
					zap.Int("total", summary.Total),
					zap.Float64("threshold", d.plan.FailureRate))
				return fmt.Errorf("%w: %d of %d failed (> %g%%)",
					ErrThresholdAbort, summary.Failed, summary.Total, d.plan.FailureRate)
			}

		case now := <-ticker.C:
			if now.Sub(lastReport) < d.progressInterval {
				continue
			}
			rate := qps(summary.Processed-lastProcessed, now.Sub(lastReport))
			d.progress(now, summary, rate)
			lastReport = now
			lastProcessed = summary.Processed
		}
	}
	return nil
}

// execute runs one task under a worker name token. It returns nil when the
// run was cancelled before the task started.
func (d *Dispatcher) execute(ctx context.Context, names chan string, task runner.Task) (rec *metric.Record) {
	name := <-names
	defer func() { names <- name }()

	if ctx.Err() != nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			now := metric.NowMs()
			rec = metric.NewRecord(name, task.ScriptID)
			// whether a connection was held is unknown here
			rec.ResultSize = 0
			rec.ClientStartMs = now
			rec.ClientEndMs = now
			rec.ServerEndMs = now
			d.logger.Error("task panicked",
				zap.String("worker", name),
				zap.String("sql_id", task.ScriptID),
				zap.Any("panic", r))
		}
	}()

	return d.executor.Execute(ctx, name, task)
}

// release waits a bounded time for running tasks and for the producer.
func (d *Dispatcher) release(wp *ants.Pool, producerDone <-chan struct{}) error {
	var errs error
	if err := wp.ReleaseTimeout(d.drainTimeout); err != nil && !errors.Is(err, ants.ErrPoolClosed) {
		errs = multierr.Append(errs, err)
	}

	select {
	case <-producerDone:
	case <-time.After(d.drainTimeout):
		errs = multierr.Append(errs, errors.New("producer did not stop in time"))
	}
	return errs
}

func (d *Dispatcher) progress(now time.Time, s *Summary, rate float64) {
	fmt.Fprintf(d.out, "[%s] %d of %d SQLs executed, %d failed, approx qps %.3f ...\n",
		now.Format("2006-01-02T15:04:05"), s.Processed, s.Total, s.Failed, rate)
	d.logger.Debug("progress",
		zap.Int("processed", s.Processed),
		zap.Int("total", s.Total),
		zap.Int("failed", s.Failed),
		zap.Float64("qps", rate))
}

func qps(n int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}
