package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for database operations
var (
	// ErrConfiguration is matched by every construction-time configuration failure
	ErrConfiguration = errors.New("configuration error")

	// ErrNoMoreResultSets is returned when a GridReader is read past its last result set
	ErrNoMoreResultSets = errors.New("no more result sets")
)

// ConfigError describes an invalid or missing configuration value
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrConfiguration) match any ConfigError
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// ErrorKind classifies a failure reported by the database
type ErrorKind string

const (
	KindUnknown    ErrorKind = "unknown"
	KindDuplicate  ErrorKind = "duplicate_key"
	KindForeignKey ErrorKind = "foreign_key"
	KindNotNull    ErrorKind = "not_null"
	KindCheck      ErrorKind = "check_violation"
	KindDeadlock   ErrorKind = "deadlock"
	KindTimeout    ErrorKind = "timeout"
	KindSyntax     ErrorKind = "syntax"
	KindNoTable    ErrorKind = "undefined_table"
	KindNoColumn   ErrorKind = "undefined_column"
	KindConnection ErrorKind = "connection"
)

// QueryError wraps a failure raised while executing a statement.
// The driver error is kept intact and reachable through errors.As.
type QueryError struct {
	Op    string
	Table string
	Kind  ErrorKind
	Err   error
}

func (e *QueryError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s %s: database error: %v", e.Table, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: database error: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// NewQueryError wraps err with its classification. A nil err yields nil.
func NewQueryError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return err
	}
	return &QueryError{Op: op, Table: table, Kind: Classify(err), Err: err}
}

// Classify maps driver errors to an ErrorKind using MySQL error numbers and SQLSTATE codes
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062, 1586:
			return KindDuplicate
		case 1451, 1452, 1216, 1217:
			return KindForeignKey
		case 1048, 1364:
			return KindNotNull
		case 3819:
			return KindCheck
		case 1213:
			return KindDeadlock
		case 1205, 3024:
			return KindTimeout
		case 1064, 1149:
			return KindSyntax
		case 1146:
			return KindNoTable
		case 1054:
			return KindNoColumn
		}
		return KindUnknown
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return KindDuplicate
		case "23503":
			return KindForeignKey
		case "23502":
			return KindNotNull
		case "23514":
			return KindCheck
		case "40P01":
			return KindDeadlock
		case "57014", "55P03":
			return KindTimeout
		case "42601":
			return KindSyntax
		case "42P01":
			return KindNoTable
		case "42703":
			return KindNoColumn
		}
		if strings.HasPrefix(pgErr.Code, "08") {
			return KindConnection
		}
		return KindUnknown
	}

	if errors.Is(err, mysql.ErrInvalidConn) {
		return KindConnection
	}

	return KindUnknown
}

// IsDuplicateKey reports whether err is a unique-constraint violation
func IsDuplicateKey(err error) bool {
	return Classify(err) == KindDuplicate
}

// IsForeignKeyViolation reports whether err is a foreign-key violation
func IsForeignKeyViolation(err error) bool {
	return Classify(err) == KindForeignKey
}

// IsDeadlock reports whether err is a deadlock the caller may retry
func IsDeadlock(err error) bool {
	return Classify(err) == KindDeadlock
}
