// Package metric 定义单次任务的测量记录及其 CSV 输出。
package metric

import (
	"strconv"
	"strings"
	"time"
)

// UnknownResultSize 表示执行尚未开始（例如未能获取连接）时的结果行数。
const UnknownResultSize int64 = -1

var header = []string{
	"thread_name", "sql_id", "is_success", "result_size",
	"job_id", "client_duration_ms", "server_duration_ms",
	"client_start_ms", "client_end_ms", "client_request_ms",
	"client_response_ms", "gateway_start_ms", "gateway_end_ms",
	"server_submit_ms", "server_start_ms", "server_plan_ms",
	"server_dag_ms", "server_resource_ms", "server_end_ms",
}

// Header 返回 CSV 表头字段。
func Header() []string {
	out := make([]string, len(header))
	copy(out, header)
	return out
}

// HeaderLine 返回逗号拼接的表头。
func HeaderLine() string {
	return strings.Join(header, ",")
}

// StageTimings 是后端上报的分阶段时间戳（epoch 毫秒）。
type StageTimings struct {
	ClientRequestMs  int64 `json:"clientRequestMs"`
	ClientResponseMs int64 `json:"clientResponseMs"`
	GatewayStartMs   int64 `json:"gatewayStartMs"`
	GatewayEndMs     int64 `json:"gatewayEndMs"`
	ServerSubmitMs   int64 `json:"serverSubmitMs"`
	ServerStartMs    int64 `json:"serverStartMs"`
	ServerPlanMs     int64 `json:"serverPlanMs"`
	ServerDagMs      int64 `json:"serverDagMs"`
	ServerResourceMs int64 `json:"serverResourceMs"`
	ServerEndMs      int64 `json:"serverEndMs"`
}

// Record 是一次任务执行的测量结果，每个任务恰好产生一条。
// 由执行它的 worker 独占填充，交给调度器后不再修改。
type Record struct {
	WorkerName string
	ScriptID   string
	Success    bool
	ResultSize int64
	JobID      string

	ClientStartMs    int64
	ClientEndMs      int64
	ClientRequestMs  int64
	ClientResponseMs int64
	GatewayStartMs   int64
	GatewayEndMs     int64
	ServerSubmitMs   int64
	ServerStartMs    int64
	ServerPlanMs     int64
	ServerDagMs      int64
	ServerResourceMs int64
	ServerEndMs      int64
}

// NewRecord 创建一条初始记录：失败、结果行数未知、job id 默认为脚本 id。
func NewRecord(workerName, scriptID string) *Record {
	return &Record{
		WorkerName: workerName,
		ScriptID:   scriptID,
		ResultSize: UnknownResultSize,
		JobID:      scriptID,
	}
}

// ClientDuration 客户端耗时（毫秒）
func (r *Record) ClientDuration() int64 {
	return r.ClientEndMs - r.ClientStartMs
}

// ServerDuration 服务端耗时（毫秒）
func (r *Record) ServerDuration() int64 {
	return r.ServerEndMs - r.ServerStartMs
}

// ApplyStages 用后端上报的阶段时间覆盖记录中的对应字段。
func (r *Record) ApplyStages(t *StageTimings) {
	if t == nil {
		return
	}
	r.ClientRequestMs = t.ClientRequestMs
	r.ClientResponseMs = t.ClientResponseMs
	r.GatewayStartMs = t.GatewayStartMs
	r.GatewayEndMs = t.GatewayEndMs
	r.ServerSubmitMs = t.ServerSubmitMs
	r.ServerStartMs = t.ServerStartMs
	r.ServerPlanMs = t.ServerPlanMs
	r.ServerDagMs = t.ServerDagMs
	r.ServerResourceMs = t.ServerResourceMs
	r.ServerEndMs = t.ServerEndMs
}

// Fields 按表头顺序返回记录的各列。
func (r *Record) Fields() []string {
	return []string{
		r.WorkerName,
		r.ScriptID,
		strconv.FormatBool(r.Success),
		strconv.FormatInt(r.ResultSize, 10),
		r.JobID,
		strconv.FormatInt(r.ClientDuration(), 10),
		strconv.FormatInt(r.ServerDuration(), 10),
		strconv.FormatInt(r.ClientStartMs, 10),
		strconv.FormatInt(r.ClientEndMs, 10),
		strconv.FormatInt(r.ClientRequestMs, 10),
		strconv.FormatInt(r.ClientResponseMs, 10),
		strconv.FormatInt(r.GatewayStartMs, 10),
		strconv.FormatInt(r.GatewayEndMs, 10),
		strconv.FormatInt(r.ServerSubmitMs, 10),
		strconv.FormatInt(r.ServerStartMs, 10),
		strconv.FormatInt(r.ServerPlanMs, 10),
		strconv.FormatInt(r.ServerDagMs, 10),
		strconv.FormatInt(r.ServerResourceMs, 10),
		strconv.FormatInt(r.ServerEndMs, 10),
	}
}

// NowMs 返回当前 epoch 毫秒。
func NowMs() int64 {
	return time.Now().UnixMilli()
}
