package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorClass represents whether a store error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	case ErrorClassUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505). Callers use this to detect lost insert races
// rather than treating them as failures.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ClassifyStoreError classifies database errors into retryable vs fatal categories.
//
// Fatal errors (non-retryable):
// - Constraint violations (23xxx) including unique violations; retrying cannot change the outcome
// - Syntax errors and undefined objects (42xxx)
// - Data exceptions such as bad casts or overflow (22xxx)
// - context.Canceled (the caller has given up)
//
// Retryable errors (transient):
// - Connection-class failures (08xxx), refused/reset connections, bad driver conns
// - Serialization failures (40001) and deadlocks (40P01)
// - Resource exhaustion (53xxx) and server-starting-up (57P03)
// - Network timeouts, including per-attempt context deadlines
//
// Unknown errors are treated as retryable to avoid giving up too early.
func ClassifyStoreError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}

	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	if errors.Is(err, driver.ErrBadConn) {
		return ErrorClassRetryable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case code == "40001" || code == "40P01":
			return ErrorClassRetryable
		case strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") || code == "57P03":
			return ErrorClassRetryable
		case strings.HasPrefix(code, "23") || strings.HasPrefix(code, "42") || strings.HasPrefix(code, "22"):
			return ErrorClassFatal
		}
		return ErrorClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection reset",
		"connection refused",
		"connection timed out",
		"timeout",
		"broken pipe",
		"eof",
		"no route to host",
		"network unreachable",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassRetryable
		}
	}

	return ErrorClassRetryable
}

// IsRetryableError checks if a store error should trigger retry logic.
func IsRetryableError(err error) bool {
	return ClassifyStoreError(err) == ErrorClassRetryable
}

// IsFatalError checks if a store error should not be retried.
func IsFatalError(err error) bool {
	return ClassifyStoreError(err) == ErrorClassFatal
}
