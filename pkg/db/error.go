package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	SQLStateUniqueViolation      = "23505"
	SQLStateSerializationFailure = "40001"
	SQLStateDeadlockDetected     = "40P01"
	SQLStateLockNotAvailable     = "55P03"
	SQLStateQueryCanceled        = "57014"
	SQLStateAdminShutdown        = "57P01"
	SQLStateCannotConnectNow     = "57P03"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	if SQLState(err) == SQLStateUniqueViolation {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// SQLState returns the Postgres error code carried by err, or "".
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsDBError reports whether err originates from the database driver.
func IsDBError(err error) bool {
	if err == nil {
		return false
	}
	if SQLState(err) != "" {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, gorm.ErrInvalidDB)
}

// IsRetryable reports whether err is a transient storage failure that can be
// retried without changing the request.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch SQLState(err) {
	case SQLStateSerializationFailure,
		SQLStateDeadlockDetected,
		SQLStateLockNotAvailable,
		SQLStateAdminShutdown,
		SQLStateCannotConnectNow:
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	// SQLite reports writer contention as SQLITE_BUSY.
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
