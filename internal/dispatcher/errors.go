package dispatcher

import "errors"

var (
	// ErrThresholdAbort is returned when the failure ratio exceeded the plan's threshold.
	ErrThresholdAbort = errors.New("too many failed sqls, test aborted")

	// ErrDispatch is returned when a task could not be handed to the worker pool.
	ErrDispatch = errors.New("failed to dispatch task")

	// ErrInterrupted is returned when the run context was cancelled.
	ErrInterrupted = errors.New("run interrupted")

	// ErrSink is returned when a record could not be written to the sink.
	ErrSink = errors.New("failed to write record")

	// ErrInvalidPlan is returned for a plan that cannot run.
	ErrInvalidPlan = errors.New("invalid workload plan")
)
