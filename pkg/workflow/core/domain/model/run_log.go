package model

import "time"

// LogLevel is the severity of a run log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// WorkflowRunLog is one user-visible entry of a run's log stream.
type WorkflowRunLog struct {
	UUID      string
	RunUUID   string
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Meta      JSONMap
}

// NewRunLog creates a log entry stamped now.
func NewRunLog(runUUID string, level LogLevel, message string, meta map[string]interface{}) *WorkflowRunLog {
	return &WorkflowRunLog{
		UUID:      NewID(),
		RunUUID:   runUUID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Meta:      JSONMap(meta),
	}
}
