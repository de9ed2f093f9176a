// Package telemetry 从后端拉取单个 job 的分阶段耗时。
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"yqhp/sql-stress/internal/metric"
)

// DefaultTimeout 单次拉取的默认超时
const DefaultTimeout = 5 * time.Second

var (
	// ErrProfileStatus 后端返回非 200
	ErrProfileStatus = errors.New("unexpected profile status")
	// ErrEmptyProfile 后端返回空响应
	ErrEmptyProfile = errors.New("empty profile")
)

// Profiler 按 job id 获取后端记录的阶段时间戳。
type Profiler interface {
	Profile(ctx context.Context, jobID string) (*metric.StageTimings, error)
}

// HTTPProfiler 通过 HTTP 接口 GET <endpoint>/jobs/<jobID>/metric 获取 job 指标。
// 不重试，失败由调用方记录。
type HTTPProfiler struct {
	endpoint string
	timeout  time.Duration
	client   *fasthttp.Client
}

// NewHTTPProfiler 创建 HTTP profiler，timeout <= 0 时使用 DefaultTimeout。
func NewHTTPProfiler(endpoint string, timeout time.Duration) *HTTPProfiler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPProfiler{
		endpoint: strings.TrimRight(endpoint, "/"),
		timeout:  timeout,
		client: &fasthttp.Client{
			MaxIdleConnDuration:    90 * time.Second,
			ReadTimeout:            timeout,
			WriteTimeout:           timeout,
			DisablePathNormalizing: true,
		},
	}
}

// Endpoint 返回接口根地址
func (p *HTTPProfiler) Endpoint() string {
	return p.endpoint
}

// Profile 拉取 jobID 的阶段时间戳
func (p *HTTPProfiler) Profile(ctx context.Context, jobID string) (*metric.StageTimings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.SetRequestURI(p.endpoint + "/jobs/" + url.PathEscape(jobID) + "/metric")
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	if err := p.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("获取 job 指标失败: %w", err)
	}

	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrProfileStatus, code)
	}

	body := resp.Body()
	if len(body) == 0 {
		return nil, ErrEmptyProfile
	}

	var timings metric.StageTimings
	if err := sonic.Unmarshal(body, &timings); err != nil {
		return nil, fmt.Errorf("解析 job 指标失败: %w", err)
	}
	return &timings, nil
}
