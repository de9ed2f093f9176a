// Package stats 汇总运行期间的延迟分布与计数。
package stats

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"yqhp/sql-stress/internal/metric"
)

const (
	sigFigs = 3
	// 以毫秒记录，范围 1ms ~ 1h
	minLatencyMs = 1
	maxLatencyMs = int64(time.Hour / time.Millisecond)
)

// Collector 按客户端耗时收集延迟直方图，分总体与按脚本两级。
// 可并发调用。
type Collector struct {
	mu      sync.Mutex
	overall *series
	scripts map[string]*series
	order   []string
}

type series struct {
	hist    *hdrhistogram.Histogram
	success int64
	failed  int64
	rows    int64
}

func newSeries() *series {
	return &series{hist: hdrhistogram.New(minLatencyMs, maxLatencyMs, sigFigs)}
}

func (s *series) record(rec *metric.Record) {
	if rec.Success {
		s.success++
	} else {
		s.failed++
	}
	if rec.ResultSize > 0 {
		s.rows += rec.ResultSize
	}

	v := rec.ClientDuration()
	if v < minLatencyMs {
		v = minLatencyMs
	} else if v > maxLatencyMs {
		v = maxLatencyMs
	}
	// 已钳位到直方图范围内，RecordValue 不会失败
	_ = s.hist.RecordValue(v)
}

// NewCollector 创建收集器
func NewCollector() *Collector {
	return &Collector{
		overall: newSeries(),
		scripts: make(map[string]*series),
	}
}

// Observe 记录一条测量结果
func (c *Collector) Observe(rec *metric.Record) {
	if rec == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.overall.record(rec)

	s, ok := c.scripts[rec.ScriptID]
	if !ok {
		s = newSeries()
		c.scripts[rec.ScriptID] = s
		c.order = append(c.order, rec.ScriptID)
	}
	s.record(rec)
}

// Latency 延迟分布统计
type Latency struct {
	Count int64
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P90   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// ScriptStats 单个脚本的统计
type ScriptStats struct {
	ScriptID string
	Success  int64
	Failed   int64
	Rows     int64
	Latency  Latency
}

// Snapshot 某一时刻的统计快照
type Snapshot struct {
	Overall ScriptStats
	// Scripts 按首次出现的顺序排列
	Scripts []ScriptStats
}

func (s *series) stats(id string) ScriptStats {
	return ScriptStats{
		ScriptID: id,
		Success:  s.success,
		Failed:   s.failed,
		Rows:     s.rows,
		Latency:  latencyOf(s.hist),
	}
}

func latencyOf(h *hdrhistogram.Histogram) Latency {
	if h.TotalCount() == 0 {
		return Latency{}
	}
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	return Latency{
		Count: h.TotalCount(),
		Min:   ms(h.Min()),
		Max:   ms(h.Max()),
		Mean:  time.Duration(h.Mean() * float64(time.Millisecond)),
		P50:   ms(h.ValueAtQuantile(50)),
		P90:   ms(h.ValueAtQuantile(90)),
		P95:   ms(h.ValueAtQuantile(95)),
		P99:   ms(h.ValueAtQuantile(99)),
	}
}

// Snapshot 返回当前统计快照
func (c *Collector) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Snapshot{
		Overall: c.overall.stats(""),
		Scripts: make([]ScriptStats, 0, len(c.order)),
	}
	for _, id := range c.order {
		snap.Scripts = append(snap.Scripts, c.scripts[id].stats(id))
	}
	return snap
}

// TopSlowest 返回 p99 最高的 n 个脚本
func (s *Snapshot) TopSlowest(n int) []ScriptStats {
	out := make([]ScriptStats, len(s.Scripts))
	copy(out, s.Scripts)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Latency.P99 > out[j].Latency.P99
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Print 输出延迟分位与各脚本统计
func (s *Snapshot) Print(w io.Writer) {
	l := s.Overall.Latency
	fmt.Fprintf(w, "latency : min=%s mean=%s p50=%s p90=%s p95=%s p99=%s max=%s\n",
		l.Min, l.Mean.Round(time.Millisecond), l.P50, l.P90, l.P95, l.P99, l.Max)
	fmt.Fprintf(w, "rows    : %d\n", s.Overall.Rows)
	if len(s.Scripts) <= 1 {
		return
	}
	fmt.Fprintln(w, "per sql :")
	for _, st := range s.Scripts {
		fmt.Fprintf(w, "  %s: count=%d failed=%d p50=%s p99=%s\n",
			st.ScriptID, st.Success+st.Failed, st.Failed, st.Latency.P50, st.Latency.P99)
	}
}
