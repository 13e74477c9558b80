package db

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/arencloud/hermes-upload/internal/logging"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormLogger forwards gorm output to the structured logger. Statements are
// summarised as op+table; raw SQL carries encrypted key columns and is never logged.
type gormLogger struct {
	l     logging.Logger
	level logger.LogLevel
}

func newGormLogger(l logging.Logger, lvl logger.LogLevel) *gormLogger {
	return &gormLogger{l: l, level: lvl}
}

func (g *gormLogger) LogMode(l logger.LogLevel) logger.Interface {
	cp := *g
	cp.level = l
	return &cp
}

func (g *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Info {
		g.l.Info("gorm", "msg", msg, "args", data)
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Warn {
		g.l.Error("gorm_warn", "msg", msg, "args", data)
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Error {
		g.l.Error("gorm_error", "msg", msg, "args", data)
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	sql, rows := fc()
	op, table := summarizeSQL(sql)
	fields := []any{"op", op, "table", table, "rows", rows, "durationMs", float64(time.Since(begin)) / 1e6, "caller", callerFileLine()}
	switch {
	case err != nil && errors.Is(err, gorm.ErrRecordNotFound):
		if g.level >= logger.Info {
			g.l.Debug("gorm_sql", append(fields, "notFound", true)...)
		}
	case err != nil:
		if g.level >= logger.Error {
			g.l.Error("gorm_sql", append(fields, "error", err.Error())...)
		}
	case g.level >= logger.Info:
		g.l.Debug("gorm_sql", fields...)
	}
}

// callerFileLine returns the first caller outside gorm.
func callerFileLine() string {
	for i := 2; i < 12; i++ {
		_, file, line, ok := runtime.Caller(i)
		if ok && !strings.Contains(file, "gorm.io") {
			return file + ":" + strconv.Itoa(line)
		}
	}
	return ""
}

var tablePrefixes = []string{"UPDATE ", "INSERT INTO ", "DELETE FROM "}

// summarizeSQL returns the statement verb and target table, e.g. "UPDATE", "s3_buckets".
func summarizeSQL(sql string) (op string, table string) {
	q := strings.ToUpper(strings.Join(strings.Fields(sql), " "))
	if q == "" {
		return "", ""
	}
	op, _, _ = strings.Cut(q, " ")
	rest := ""
	for _, p := range tablePrefixes {
		if strings.HasPrefix(q, p) {
			rest = q[len(p):]
			break
		}
	}
	if rest == "" {
		if _, after, ok := strings.Cut(q, " FROM "); ok {
			rest = after
		} else if _, after, ok := strings.Cut(q, " INTO "); ok {
			rest = after
		}
	}
	if ws := strings.Fields(rest); len(ws) > 0 {
		table = strings.Trim(ws[0], "`\"")
	}
	return op, strings.ToLower(table)
}
