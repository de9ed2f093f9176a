package dispatcher

import (
	"fmt"
	"io"
	"time"

	"yqhp/sql-stress/internal/stats"
)

// Summary describes a finished or aborted run.
type Summary struct {
	Elapsed   time.Duration
	Total     int
	Processed int
	Failed    int
	// QPS is processed tasks per second over the whole run.
	QPS     float64
	Latency *stats.Snapshot
}

// FailedPercent returns failed tasks as a percentage of all planned tasks.
func (s *Summary) FailedPercent() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.Failed) / float64(s.Total)
}

// Print writes the human readable summary.
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintln(w, "summary:")
	fmt.Fprintf(w, "elapsed: %dms\n", s.Elapsed.Milliseconds())
	fmt.Fprintf(w, "sql    : %d\n", s.Total)
	if s.Processed != s.Total {
		fmt.Fprintf(w, "done   : %d\n", s.Processed)
	}
	fmt.Fprintf(w, "failed : %d (%g%%)\n", s.Failed, s.FailedPercent())
	fmt.Fprintf(w, "qps    : %.3f\n", s.QPS)
	if s.Latency != nil {
		s.Latency.Print(w)
	}
}
