package logger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// GormLogger 将 GORM 的 SQL 日志转发到 zap。
// 压测期间每条语句都会经过这里，默认只输出慢查询和错误。
type GormLogger struct {
	SlowThreshold time.Duration
	LogLevel      gormlogger.LogLevel
	zl            *zap.Logger
}

// NewGormLogger 创建 GORM 日志适配器，zl 为空时使用全局日志。
func NewGormLogger(zl *zap.Logger) *GormLogger {
	return &GormLogger{
		SlowThreshold: 200 * time.Millisecond,
		LogLevel:      gormlogger.Warn,
		zl:            zl,
	}
}

func (l *GormLogger) logger() *zap.Logger {
	if l.zl != nil {
		return l.zl
	}
	return L()
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Info {
		l.logger().Sugar().Infof(msg, data...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Warn {
		l.logger().Sugar().Warnf(msg, data...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Error {
		l.logger().Sugar().Errorf(msg, data...)
	}
}

// shortCaller 截取短路径，只保留包名/文件名:行号
func shortCaller(caller string) string {
	parts := strings.Split(caller, "/")
	if len(parts) >= 2 {
		return strings.Join(parts[len(parts)-2:], "/")
	}
	return caller
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	slow := l.SlowThreshold != 0 && elapsed > l.SlowThreshold

	// 任务级 SQL 失败已经由执行器记录，这里只在 Info 级别重复输出
	switch {
	case failed && l.LogLevel < gormlogger.Info:
		return
	case !failed && !slow && l.LogLevel < gormlogger.Info:
		return
	}

	sql, rows := fc()
	lg := l.logger().WithOptions(zap.WithCaller(false))
	fields := []zap.Field{
		zap.String("caller", shortCaller(utils.FileWithLineNum())),
		zap.Duration("latency", elapsed),
		zap.Int64("rows", rows),
	}

	if IsJSON() {
		fields = append(fields, zap.String("sql", sql))
		switch {
		case failed:
			lg.Error("SQL", append(fields, zap.Error(err))...)
		case slow:
			lg.Warn("SQL SLOW", fields...)
		default:
			lg.Debug("SQL", fields...)
		}
		return
	}

	msg := fmt.Sprintf("[%.3fms] [rows:%d] %s", float64(elapsed.Microseconds())/1000, rows, sql)
	switch {
	case failed:
		lg.Error(msg, zap.Error(err))
	case slow:
		lg.Warn("SLOW " + msg)
	default:
		lg.Debug(msg)
	}
}
