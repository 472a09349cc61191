package db

import (
	"fmt"
	"strings"
)

// Dialect captures the few statement shapes that differ between supported databases
type Dialect interface {
	// Name matches the gorm dialector name
	Name() string
	// Paginate renders the paging suffix for a SELECT using the named parameters
	Paginate(offsetParam, pageSizeParam string) string
	// MultipleResultSets reports whether several statements may share one round trip
	MultipleResultSets() bool
	// Returning renders a suffix that makes an INSERT yield the given columns,
	// or "" when the driver reports the generated id through LastInsertId
	Returning(columns ...string) string
	// Upsert renders the conflict clause appended to a multi-row INSERT
	Upsert(conflictTarget, updateColumns []string) string
	// CallProcedure renders a stored procedure invocation with named arguments
	CallProcedure(name string, argNames []string) string
	// Explain wraps a query so that it returns its execution plan
	Explain(query string) string
	// Cast renders a reference to param typed as sqlType, for positions such as CASE branches
	// where the statement itself gives the parameter no type
	Cast(param, sqlType string) string
	// FailedStatementAbortsTransaction reports whether any error inside a transaction
	// makes the rest of it unusable until a rollback
	FailedStatementAbortsTransaction() bool
	// FullTextMatch renders a predicate matching the text of columns against the named term parameter
	FullTextMatch(columns []string, termParam string) string
}

// DialectFor returns the dialect for a gorm dialector name, defaulting to MySQL
func DialectFor(name string) Dialect {
	if name == DriverPostgres {
		return postgresDialect{}
	}
	return mysqlDialect{}
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return DriverMySQL }

func (mysqlDialect) Paginate(offsetParam, pageSizeParam string) string {
	return fmt.Sprintf("LIMIT @%s OFFSET @%s", pageSizeParam, offsetParam)
}

func (mysqlDialect) MultipleResultSets() bool { return true }

func (mysqlDialect) Returning(...string) string { return "" }

func (mysqlDialect) Upsert(conflictTarget, updateColumns []string) string {
	if len(updateColumns) == 0 {
		// no-op assignment keeps the statement an upsert that never overwrites
		col := conflictTarget[0]
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", col, col)
	}
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func (mysqlDialect) CallProcedure(name string, argNames []string) string {
	return fmt.Sprintf("CALL %s(%s)", name, namedList(argNames))
}

func (mysqlDialect) Explain(query string) string {
	return "EXPLAIN FORMAT=JSON " + query
}

func (mysqlDialect) FailedStatementAbortsTransaction() bool { return false }

// Requires a FULLTEXT index covering exactly these columns
func (mysqlDialect) FullTextMatch(columns []string, termParam string) string {
	return fmt.Sprintf("MATCH(%s) AGAINST(@%s IN NATURAL LANGUAGE MODE)", strings.Join(columns, ", "), termParam)
}

// MySQL coerces CASE results to the assigned column
func (mysqlDialect) Cast(param, _ string) string { return "@" + param }

type postgresDialect struct{}

func (postgresDialect) Name() string { return DriverPostgres }

func (postgresDialect) Paginate(offsetParam, pageSizeParam string) string {
	return fmt.Sprintf("OFFSET @%s ROWS FETCH NEXT @%s ROWS ONLY", offsetParam, pageSizeParam)
}

// pgx uses the extended protocol, which allows one statement per parametrized query
func (postgresDialect) MultipleResultSets() bool { return false }

func (postgresDialect) Returning(columns ...string) string {
	return "RETURNING " + strings.Join(columns, ", ")
}

func (postgresDialect) Upsert(conflictTarget, updateColumns []string) string {
	target := strings.Join(conflictTarget, ", ")
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", target)
	}
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(sets, ", "))
}

func (postgresDialect) CallProcedure(name string, argNames []string) string {
	return fmt.Sprintf("SELECT * FROM %s(%s)", name, namedList(argNames))
}

func (postgresDialect) Explain(query string) string {
	return "EXPLAIN (FORMAT JSON) " + query
}

func (postgresDialect) FailedStatementAbortsTransaction() bool { return true }

func (postgresDialect) FullTextMatch(columns []string, termParam string) string {
	doc := columns[0]
	if len(columns) > 1 {
		doc = "concat_ws(' ', " + strings.Join(columns, ", ") + ")"
	}
	return fmt.Sprintf("to_tsvector(%s) @@ plainto_tsquery(@%s)", doc, termParam)
}

// An untyped parameter in a CASE branch resolves as text on PostgreSQL, which fails
// assignment to any other column type.
func (postgresDialect) Cast(param, sqlType string) string {
	if sqlType == "" {
		return "@" + param
	}
	return fmt.Sprintf("CAST(@%s AS %s)", param, castableType(sqlType))
}

// castableType maps the serial pseudo-types, which exist only in column definitions, to their storage types
func castableType(sqlType string) string {
	switch strings.ToLower(sqlType) {
	case "smallserial":
		return "smallint"
	case "serial":
		return "integer"
	case "bigserial":
		return "bigint"
	}
	return sqlType
}

func namedList(names []string) string {
	refs := make([]string, len(names))
	for i, n := range names {
		refs[i] = "@" + n
	}
	return strings.Join(refs, ", ")
}
