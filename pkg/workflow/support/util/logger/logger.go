// Package logger provides the leveled logging facade used throughout entiflow.
// Messages are filtered by a global level and written through a zap sugared logger.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel is a type representing the logging level.
type LogLevel int

const (
	// LevelDebug is used for detailed debugging information.
	LevelDebug LogLevel = iota
	// LevelInfo is used for general informational messages.
	LevelInfo
	// LevelWarn is used for potential issues.
	LevelWarn
	// LevelError is used for error messages.
	LevelError
	// LevelFatal is used for errors that terminate the application.
	LevelFatal
)

var (
	mu       sync.RWMutex
	logLevel = LevelInfo
	format   = "console"
	atom     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar    = build(format)
)

// build creates a sugared zap logger for the given encoding ("console" or "json").
func build(encoding string) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if encoding == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), atom)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// SetLogLevel sets the global log level.
// Valid values are "DEBUG", "INFO", "WARN", "ERROR", "FATAL" (case-insensitive).
// An unknown value falls back to INFO and prints a notice.
func SetLogLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	switch strings.ToUpper(level) {
	case "DEBUG":
		logLevel = LevelDebug
		atom.SetLevel(zapcore.DebugLevel)
	case "INFO":
		logLevel = LevelInfo
		atom.SetLevel(zapcore.InfoLevel)
	case "WARN":
		logLevel = LevelWarn
		atom.SetLevel(zapcore.WarnLevel)
	case "ERROR":
		logLevel = LevelError
		atom.SetLevel(zapcore.ErrorLevel)
	case "FATAL":
		logLevel = LevelFatal
		atom.SetLevel(zapcore.FatalLevel)
	default:
		fmt.Fprintf(os.Stderr, "Unknown log level '%s' specified. Defaulting to INFO level.\n", level)
		logLevel = LevelInfo
		atom.SetLevel(zapcore.InfoLevel)
	}
}

// GetLogLevel returns the current global log level.
func GetLogLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return logLevel
}

// SetFormat switches the output encoding. Accepted values are "console" and "json".
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	f = strings.ToLower(f)
	if f != "json" {
		f = "console"
	}
	if f == format {
		return
	}
	_ = sugar.Sync()
	format = f
	sugar = build(f)
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = sugar.Sync()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Debugf formats and outputs a DEBUG level log message.
func Debugf(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

// Infof formats and outputs an INFO level log message.
func Infof(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Warnf formats and outputs a WARN level log message.
func Warnf(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

// Errorf formats and outputs an ERROR level log message.
func Errorf(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

// Fatalf formats and outputs a FATAL level log message, then terminates the program.
func Fatalf(format string, v ...interface{}) {
	current().Fatalf(format, v...)
}
