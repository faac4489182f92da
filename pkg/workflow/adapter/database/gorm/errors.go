package gorm

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

// ConflictClassifier reports whether a driver error is a unique constraint violation.
type ConflictClassifier func(err error) bool

var (
	classifiers   []ConflictClassifier
	classifiersMu sync.RWMutex
)

// RegisterConflictClassifier adds a driver specific classifier. Dialect packages call it from init.
func RegisterConflictClassifier(c ConflictClassifier) {
	classifiersMu.Lock()
	defer classifiersMu.Unlock()
	classifiers = append(classifiers, c)
}

// IsUniqueViolation reports whether err was caused by a unique or primary key constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	classifiersMu.RLock()
	defer classifiersMu.RUnlock()
	for _, c := range classifiers {
		if c(err) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "duplicate entry")
}

// IsNotFound reports whether err is gorm.ErrRecordNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// transientMessages are driver messages of failures that may succeed on a fresh attempt.
var transientMessages = []string{
	"bad connection",
	"connection reset",
	"connection refused",
	"broken pipe",
	"database is locked",
	"deadlock",
	"lock wait timeout",
	"too many connections",
}

// IsTransient reports whether err is a connection loss, timeout or lock contention rather than
// a problem with the statement itself.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// WrapError converts a driver error into a WorkflowError: unique violations become
// PersistenceConflict, everything else InternalError. Transient failures are marked retryable.
// nil stays nil.
func WrapError(module, message string, err error) error {
	if err == nil {
		return nil
	}
	var we *exception.WorkflowError
	if errors.As(err, &we) {
		return err
	}
	if IsUniqueViolation(err) {
		return exception.New(exception.PersistenceConflict, module, message, err)
	}
	return exception.New(exception.InternalError, module, message, err).WithRetryable(IsTransient(err))
}
