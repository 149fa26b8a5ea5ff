package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cdpgateway/internal/ctxkeys"
	"cdpgateway/internal/logger"
)

const defaultSlowQuery = 200 * time.Millisecond

var tablePattern = regexp.MustCompile("(?i)\\b(?:from|into|update|table)\\s+[`\"]?([A-Za-z0-9_]+)")

// sqlLogger 将审计库的 SQL 日志转发到项目日志器
type sqlLogger struct {
	log   logger.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

// newSQLLogger 默认只输出错误与慢查询
func newSQLLogger(l logger.Logger, slow time.Duration) *sqlLogger {
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	return &sqlLogger{log: l, level: gormlogger.Warn, slow: slow}
}

func (l *sqlLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *sqlLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, data...), "trace_id", ctxkeys.TraceID(ctx))
	}
}

func (l *sqlLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, data...), "trace_id", ctxkeys.TraceID(ctx))
	}
}

func (l *sqlLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, data...), "trace_id", ctxkeys.TraceID(ctx))
	}
}

// Trace 按语句类型与表名记录审计库访问
func (l *sqlLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	op, table := describeSQL(sql)
	fields := []any{
		"trace_id", ctxkeys.TraceID(ctx),
		"op", op,
		"table", table,
		"rows", rows,
		"elapsed", elapsed.String(),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.log.Err(err, "审计库语句失败", append(fields, "sql", sql)...)
	case elapsed > l.slow && l.level >= gormlogger.Warn:
		l.log.Warn("审计库慢查询", append(fields, "sql", sql)...)
	case l.level >= gormlogger.Info:
		l.log.Debug("审计库语句", append(fields, "sql", sql)...)
	}
}

// describeSQL 取出语句类型与涉及的表
func describeSQL(sql string) (string, string) {
	op := strings.TrimSpace(sql)
	if i := strings.IndexAny(op, " \t\n"); i > 0 {
		op = op[:i]
	}
	op = strings.ToLower(op)
	table := ""
	if m := tablePattern.FindStringSubmatch(sql); m != nil {
		table = m[1]
	}
	return op, table
}
