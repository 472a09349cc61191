package db

import (
	"context"
	"database/sql"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Executor compiles named SQL for the session's dialect and runs it on the session's connection
type Executor struct {
	log    logrus.FieldLogger
	config LoggingConfig
}

// NewExecutor creates an executor that traces statements to log
func NewExecutor(log logrus.FieldLogger, config LoggingConfig) *Executor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Executor{log: log.WithField("component", "executor"), config: config}
}

// Compile expands @name references from params into the dialect's placeholders.
// Slice values expand to a parenthesized placeholder list.
func (e *Executor) Compile(session *gorm.DB, query string, params Params) (string, []any) {
	var stmt *gorm.Statement
	if len(params) == 0 {
		stmt = session.Raw(query).Statement
	} else {
		stmt = session.Raw(query, map[string]any(params)).Statement
	}
	return stmt.SQL.String(), stmt.Vars
}

// Exec runs a statement and returns the driver result
func (e *Executor) Exec(ctx context.Context, session *gorm.DB, query string, params Params) (sql.Result, error) {
	compiled, vars := e.Compile(session, query, params)
	start := time.Now()
	result, err := session.Statement.ConnPool.ExecContext(ctx, compiled, vars...)
	affected := int64(-1)
	if err == nil {
		affected, _ = result.RowsAffected()
	}
	e.trace(session, start, compiled, vars, affected, err)
	return result, err
}

// Query runs a statement and returns its rows; the caller closes them
func (e *Executor) Query(ctx context.Context, session *gorm.DB, query string, params Params) (*sql.Rows, error) {
	compiled, vars := e.Compile(session, query, params)
	start := time.Now()
	rows, err := session.Statement.ConnPool.QueryContext(ctx, compiled, vars...)
	e.trace(session, start, compiled, vars, -1, err)
	return rows, err
}

// QueryMultiple runs a batch returning several result sets, read in order through the GridReader
func (e *Executor) QueryMultiple(ctx context.Context, session *gorm.DB, query string, params Params) (*GridReader, error) {
	rows, err := e.Query(ctx, session, query, params)
	if err != nil {
		return nil, err
	}
	return &GridReader{session: session, rows: rows}, nil
}

func (e *Executor) trace(session *gorm.DB, start time.Time, query string, vars []any, rows int64, err error) {
	elapsed := time.Since(start)
	slow := e.config.LogSlowQueries && e.config.SlowQueryThreshold > 0 && elapsed > e.config.SlowQueryThreshold
	if err == nil && !slow && !e.config.LogQueries {
		return
	}

	statement := query
	if e.config.LogQueryParameters {
		statement = session.Dialector.Explain(query, vars...)
	}
	entry := e.log.WithFields(logrus.Fields{
		"sql":        statement,
		"elapsed_ms": float64(elapsed.Microseconds()) / 1000,
		"rows":       rows,
	})

	switch {
	case err != nil:
		entry.WithError(err).Error("query failed")
	case slow:
		entry.WithField("threshold", e.config.SlowQueryThreshold).Warn("slow query")
	default:
		entry.Debug("query")
	}
}

// GridReader walks the result sets of a multi-statement query in order
type GridReader struct {
	session *gorm.DB
	rows    *sql.Rows
	read    int
}

// Close releases the underlying rows
func (g *GridReader) Close() error {
	return g.rows.Close()
}

func (g *GridReader) advance() error {
	if g.read > 0 && !g.rows.NextResultSet() {
		if err := g.rows.Err(); err != nil {
			return err
		}
		return ErrNoMoreResultSets
	}
	g.read++
	return nil
}

// Read maps every row of the next result set into T
func Read[T any](g *GridReader) ([]T, error) {
	if err := g.advance(); err != nil {
		return nil, err
	}
	items := make([]T, 0)
	for g.rows.Next() {
		var item T
		if err := ScanRow(g.session, g.rows, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, g.rows.Err()
}

// ReadScalar reads the first column of the first row of the next result set
func ReadScalar[T any](g *GridReader) (T, error) {
	var value T
	if err := g.advance(); err != nil {
		return value, err
	}
	if !g.rows.Next() {
		if err := g.rows.Err(); err != nil {
			return value, err
		}
		return value, sql.ErrNoRows
	}
	if err := g.rows.Scan(&value); err != nil {
		return value, err
	}
	for g.rows.Next() {
	}
	return value, g.rows.Err()
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

// ScanRow maps the current row into dest. Structs and maps go through gorm's column mapping;
// scalars and sql.Scanner implementations are scanned directly.
func ScanRow(session *gorm.DB, rows *sql.Rows, dest any) error {
	rt := reflect.TypeOf(dest).Elem()
	mapped := rt.Kind() == reflect.Map ||
		(rt.Kind() == reflect.Struct && rt != timeType && !reflect.PointerTo(rt).Implements(scannerType))
	if mapped {
		return session.ScanRows(rows, dest)
	}
	return rows.Scan(dest)
}
