package dispatcher

import (
	"fmt"

	"yqhp/sql-stress/internal/config"
	"yqhp/sql-stress/internal/runner"
)

// Plan is the immutable description of a run.
type Plan struct {
	Workers int
	Repeat  int
	Scripts []config.Script
	// FailureRate is the abort threshold in percent of all planned tasks.
	FailureRate float64
}

// PlanFromConfig builds a plan from a resolved configuration.
func PlanFromConfig(cfg *config.Config) Plan {
	scripts := make([]config.Script, len(cfg.Scripts))
	copy(scripts, cfg.Scripts)
	return Plan{
		Workers:     cfg.Thread,
		Repeat:      cfg.Repeat,
		Scripts:     scripts,
		FailureRate: cfg.Failure,
	}
}

// TotalTasks returns Repeat × number of scripts.
func (p Plan) TotalTasks() int {
	return p.Repeat * len(p.Scripts)
}

// Validate checks that the plan has something to run.
func (p Plan) Validate() error {
	switch {
	case p.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive", ErrInvalidPlan)
	case p.Repeat <= 0:
		return fmt.Errorf("%w: repeat must be positive", ErrInvalidPlan)
	case len(p.Scripts) == 0:
		return fmt.Errorf("%w: no scripts", ErrInvalidPlan)
	case p.FailureRate < 0:
		return fmt.Errorf("%w: failure rate must not be negative", ErrInvalidPlan)
	}
	return nil
}

// tasks enumerates the tasks repeat-major, script-minor.
func (p Plan) tasks(yield func(runner.Task) bool) {
	for r := 0; r < p.Repeat; r++ {
		for _, s := range p.Scripts {
			if !yield(runner.Task{ScriptID: s.ID, SQL: s.SQL}) {
				return
			}
		}
	}
}

// exceeds reports whether failed out of total crosses the threshold.
func (p Plan) exceeds(failed, total int) bool {
	if total <= 0 {
		return false
	}
	return 100*float64(failed)/float64(total) > p.FailureRate
}
