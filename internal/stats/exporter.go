package stats

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"yqhp/sql-stress/internal/metric"
)

// Exporter 把测量结果转换为 Prometheus 指标，运行结束后可推送到 Pushgateway。
type Exporter struct {
	registry *prometheus.Registry

	tasks         *prometheus.CounterVec
	rows          prometheus.Counter
	clientLatency *prometheus.HistogramVec
	serverLatency *prometheus.HistogramVec
}

// NewExporter 创建使用独立 registry 的导出器
func NewExporter() *Exporter {
	reg := prometheus.NewRegistry()
	buckets := prometheus.ExponentialBuckets(0.001, 2, 18)

	return &Exporter{
		registry: reg,
		tasks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sql_stress_tasks_total",
			Help: "Total number of executed tasks.",
		}, []string{"sql_id", "status"}),
		rows: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sql_stress_result_rows_total",
			Help: "Total number of result rows read.",
		}),
		clientLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sql_stress_client_duration_seconds",
			Help:    "Client observed task duration.",
			Buckets: buckets,
		}, []string{"sql_id"}),
		serverLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sql_stress_server_duration_seconds",
			Help:    "Server side task duration.",
			Buckets: buckets,
		}, []string{"sql_id"}),
	}
}

// Registry 返回内部 registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Observe 记录一条测量结果
func (e *Exporter) Observe(rec *metric.Record) {
	if rec == nil {
		return
	}

	status := "success"
	if !rec.Success {
		status = "failed"
	}
	e.tasks.WithLabelValues(rec.ScriptID, status).Inc()

	if rec.ResultSize > 0 {
		e.rows.Add(float64(rec.ResultSize))
	}
	if !rec.Success {
		return
	}

	e.clientLatency.WithLabelValues(rec.ScriptID).Observe(float64(rec.ClientDuration()) / 1000)
	if d := rec.ServerDuration(); d >= 0 && rec.ServerEndMs > 0 {
		e.serverLatency.WithLabelValues(rec.ScriptID).Observe(float64(d) / 1000)
	}
}

// Push 推送全部指标到 Pushgateway，job 为空时使用 sql_stress
func (e *Exporter) Push(ctx context.Context, gateway, job string, grouping map[string]string) error {
	if job == "" {
		job = "sql_stress"
	}

	pusher := push.New(strings.TrimRight(gateway, "/"), job).Gatherer(e.registry)
	for k, v := range grouping {
		if v != "" {
			pusher = pusher.Grouping(k, v)
		}
	}

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("推送指标失败: %w", err)
	}
	return nil
}
