package gorm

import (
	"fmt"
	"strings"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// NewGormLogger creates a gorm logger writing through the package logger.
// level is one of SILENT, ERROR, WARN, INFO; anything else is SILENT.
func NewGormLogger(level string) gormlogger.Interface {
	var gormLevel gormlogger.LogLevel
	switch strings.ToUpper(level) {
	case "INFO", "DEBUG":
		gormLevel = gormlogger.Info
	case "WARN":
		gormLevel = gormlogger.Warn
	case "ERROR":
		gormLevel = gormlogger.Error
	default:
		gormLevel = gormlogger.Silent
	}
	return gormlogger.New(gormWriter{}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormLevel,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// gormWriter implements gormlogger.Writer. Statement traces go to DEBUG, the rest to WARN.
type gormWriter struct{}

func (gormWriter) Printf(format string, v ...interface{}) {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	if isStatement(msg) {
		logger.Debugf("[GORM] %s", msg)
		return
	}
	logger.Warnf("[GORM] %s", msg)
}

func isStatement(msg string) bool {
	if !strings.Contains(msg, "[") || !strings.Contains(msg, "]") {
		return false
	}
	for _, kw := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
		if strings.Contains(msg, kw) {
			return !strings.Contains(msg, "SLOW SQL")
		}
	}
	return false
}
