// Package preflight 在正式压测前检查目标可达、校验 init SQL 并预热连接池。
package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"yqhp/sql-stress/internal/metric"
	"yqhp/sql-stress/internal/pool"
	"yqhp/sql-stress/internal/runner"
	"yqhp/sql-stress/internal/statement"
)

// DefaultDialTimeout 主机探测超时
const DefaultDialTimeout = 3 * time.Second

// InitScriptID init SQL 校验时使用的脚本 id
const InitScriptID = "init"

// ErrValidation 预检失败
var ErrValidation = errors.New("failed to validate config")

// CheckHost 通过 TCP 连接探测目标主机，addr 为空（嵌入式数据库）时直接返回。
func CheckHost(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	if addr == "" {
		return 0, nil
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("连接 %s 失败: %w", addr, err)
	}
	rtt := time.Since(start)
	conn.Close()
	return rtt, nil
}

// ValidateInit 通过执行器执行一次 init SQL，确认配置可用。
func ValidateInit(ctx context.Context, exec runner.Executor, initSQL string) (*metric.Record, error) {
	if initSQL == "" {
		initSQL = "select 1;"
	}
	rec := exec.Execute(ctx, InitScriptID, runner.Task{ScriptID: InitScriptID, SQL: initSQL})
	if !rec.Success {
		return rec, fmt.Errorf("%w: init sql failed", ErrValidation)
	}
	return rec, nil
}

// WarmUpResult 预热结果
type WarmUpResult struct {
	Active  int
	Total   int
	Elapsed time.Duration
}

// WarmUp 依次借出 size 个连接并在每个连接上执行 initSQL。全部借出时活跃连接数须为 size，
// 全部归还后池中须恰好有 size 个连接。
// 进度以点号输出到 out，每 100 个换行。
func WarmUp(ctx context.Context, provider pool.Provider, size int, initSQL string, out io.Writer, log *zap.Logger) (*WarmUpResult, error) {
	if out == nil {
		out = io.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}

	start := time.Now()
	conns := make([]pool.Conn, 0, size)
	releaseAll := func() {
		for i, c := range conns {
			provider.Release(c)
			dot(out, i)
		}
		fmt.Fprintln(out)
	}

	for i := 0; i < size; i++ {
		conn, err := provider.Acquire(ctx)
		if err != nil {
			fmt.Fprintln(out)
			releaseAll()
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		conns = append(conns, conn)

		if initSQL != "" {
			if err := runInit(ctx, conn, initSQL); err != nil {
				fmt.Fprintln(out)
				releaseAll()
				return nil, fmt.Errorf("%w: init sql: %w", ErrValidation, err)
			}
		}
		dot(out, i)
	}
	fmt.Fprintln(out)

	res := &WarmUpResult{Active: provider.ActiveCount()}
	fmt.Fprintf(out, "active connections: %d\n", res.Active)

	releaseAll()

	res.Elapsed = time.Since(start)
	res.Total = provider.TotalCount()
	fmt.Fprintf(out, "done, elapsed %dms\n", res.Elapsed.Milliseconds())
	fmt.Fprintf(out, "total  connections: %d\n", res.Total)

	log.Debug("connection pool warmed up",
		zap.Int("active", res.Active),
		zap.Int("total", res.Total),
		zap.Duration("elapsed", res.Elapsed))

	if res.Active != size {
		return res, fmt.Errorf("%w: expected %d active connections, got %d", ErrValidation, size, res.Active)
	}
	if res.Total != size {
		return res, fmt.Errorf("%w: expected %d connections, got %d", ErrValidation, size, res.Total)
	}
	return res, nil
}

// runInit 在单个连接上执行 init SQL，结果集读完即丢弃
func runInit(ctx context.Context, conn pool.Conn, initSQL string) error {
	for _, stmt := range statement.Split(initSQL) {
		if statement.IsBlank(stmt) {
			continue
		}
		if statement.IsLocal(stmt) {
			if err := conn.Exec(ctx, stmt); err != nil {
				return err
			}
			continue
		}

		rows, err := conn.Query(ctx, stmt)
		if err != nil {
			return err
		}
		for rows.Next() {
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		if err := rows.Close(); err != nil {
			return err
		}
	}
	return nil
}

func dot(w io.Writer, i int) {
	fmt.Fprint(w, ".")
	if (i+1)%100 == 0 {
		fmt.Fprintln(w)
	}
}
