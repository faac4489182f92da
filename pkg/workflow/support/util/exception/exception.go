// Package exception provides the error taxonomy of the workflow engine.
// Every failure that crosses a component boundary is a *WorkflowError carrying a Kind,
// which the orchestrator uses to decide whether a failure aborts a run or only an item.
package exception

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
)

// Kind classifies a WorkflowError.
type Kind string

const (
	// ConfigError is a bad adapter, format or workflow configuration. Rejected at validation time.
	ConfigError Kind = "ConfigError"
	// ParseError is a DSL or format level data error.
	ParseError Kind = "ParseError"
	// ApplyError is a failure while evaluating a DSL program against a record.
	ApplyError Kind = "ApplyError"
	// FetchError is a source adapter I/O failure. Fatal to the run.
	FetchError Kind = "FetchError"
	// PushError is a destination adapter I/O failure. Per item.
	PushError Kind = "PushError"
	// PersistenceConflict is a unique constraint violation on entity persistence.
	PersistenceConflict Kind = "PersistenceConflict"
	// ValidationError is a field or type mismatch against an entity definition or a DSL rule.
	ValidationError Kind = "ValidationError"
	// InternalError is anything else (database outage, programming error).
	InternalError Kind = "InternalError"
)

// IsItemLevel reports whether errors of this kind are confined to a single raw item.
func (k Kind) IsItemLevel() bool {
	switch k {
	case ParseError, ApplyError, PushError, PersistenceConflict, ValidationError:
		return true
	}
	return false
}

// WorkflowError is the error type raised by engine components.
type WorkflowError struct {
	Kind        Kind   // Classification used by the orchestrator.
	Module      string // Component that raised the error (e.g. "dsl", "transport.uri").
	Message     string // Concise description.
	OriginalErr error  // Wrapped cause, may be nil.
	StackTrace  string // Captured at construction, for debugging.

	retryable bool
}

// New creates a WorkflowError.
func New(kind Kind, module, message string, originalErr error) *WorkflowError {
	return &WorkflowError{
		Kind:        kind,
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		StackTrace:  captureStack(),
	}
}

// Newf creates a WorkflowError with a formatted message.
// A trailing error argument is not used for formatting; it becomes the wrapped cause.
//
// Example:
//
//	Newf(FetchError, "transport.uri", "GET %s failed", url, err)
func Newf(kind Kind, module, format string, a ...interface{}) *WorkflowError {
	var cause error
	if n := len(a); n > 0 {
		if err, ok := a[n-1].(error); ok && strings.Count(format, "%") < n {
			cause = err
			a = a[:n-1]
		}
	}
	return New(kind, module, fmt.Sprintf(format, a...), cause)
}

// WithRetryable marks the error as transient and returns it.
func (e *WorkflowError) WithRetryable(retryable bool) *WorkflowError {
	e.retryable = retryable
	return e
}

// IsRetryable reports whether the operation that produced the error may succeed if repeated.
func (e *WorkflowError) IsRetryable() bool {
	return e.retryable
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s [%s] %s: %v", e.Kind, e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("%s [%s] %s", e.Kind, e.Module, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *WorkflowError) Unwrap() error {
	return e.OriginalErr
}

func captureStack() string {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// ErrOptimisticLockingFailure indicates a versioned update matched no row.
var ErrOptimisticLockingFailure = errors.New("optimistic locking failure")

// NewOptimisticLockingFailure wraps ErrOptimisticLockingFailure for the given module.
func NewOptimisticLockingFailure(module, message string) *WorkflowError {
	return New(InternalError, module, message, ErrOptimisticLockingFailure)
}

// IsOptimisticLockingFailure reports whether err is an optimistic locking failure.
func IsOptimisticLockingFailure(err error) bool {
	return errors.Is(err, ErrOptimisticLockingFailure)
}

// KindOf returns the Kind of the outermost WorkflowError in err's chain, or InternalError.
func KindOf(err error) Kind {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}
	return InternalError
}

// IsKind reports whether any WorkflowError in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if we, ok := err.(*WorkflowError); ok && we.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsConflict reports whether err is a PersistenceConflict.
func IsConflict(err error) bool {
	return IsKind(err, PersistenceConflict)
}

// IsRetryable reports whether err is transient.
// WorkflowError flags take precedence; otherwise timeouts and network errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var we *WorkflowError
	if errors.As(err, &we) && we.retryable {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// IsFatalToRun reports whether err must abort the whole run instead of a single item.
func IsFatalToRun(err error) bool {
	if err == nil {
		return false
	}
	return !KindOf(err).IsItemLevel()
}

// ExtractErrorMessage returns the Message of a WorkflowError, or err.Error().
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		if we.OriginalErr != nil {
			return fmt.Sprintf("%s: %v", we.Message, we.OriginalErr)
		}
		return we.Message
	}
	return err.Error()
}
