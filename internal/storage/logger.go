package storage

import (
	"context"
	"errors"
	"time"

	"hookrelay/internal/ctxkeys"
	applog "hookrelay/internal/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SlowQueryThreshold 超过该耗时的 SQL 记为慢查询
const SlowQueryThreshold = 200 * time.Millisecond

// GormLogger 将 GORM 日志转发到应用日志
type GormLogger struct {
	log      applog.Logger
	level    logger.LogLevel
	slow     time.Duration
	traceKey any
}

// NewGormLogger 创建 GORM 日志适配器
func NewGormLogger(l applog.Logger) *GormLogger {
	return &GormLogger{log: l, level: logger.Warn, slow: SlowQueryThreshold, traceKey: ctxkeys.TraceIDKey{}}
}

// LogMode 返回指定级别的副本
func (g *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *GormLogger) fields(ctx context.Context, kv []any) []any {
	if id := ctx.Value(g.traceKey); id != nil {
		return append([]any{"traceId", id}, kv...)
	}
	return kv
}

func (g *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if g.level >= logger.Info {
		g.log.Info(msg, g.fields(ctx, []any{"args", data})...)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if g.level >= logger.Warn {
		g.log.Warn(msg, g.fields(ctx, []any{"args", data})...)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if g.level >= logger.Error {
		g.log.Error(msg, g.fields(ctx, []any{"args", data})...)
	}
}

// Trace 记录 SQL 执行情况；未找到记录不算错误
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	kv := g.fields(ctx, []any{"sql", sql, "rows", rows, "elapsedMs", elapsed.Milliseconds()})

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= logger.Error:
		g.log.Err(err, "SQL执行错误", kv...)
	case elapsed > g.slow && g.level >= logger.Warn:
		g.log.Warn("慢SQL查询", append(kv, "threshold", g.slow.String())...)
	case g.level >= logger.Info:
		g.log.Debug("SQL执行", kv...)
	}
}
