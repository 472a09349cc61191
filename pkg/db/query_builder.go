package db

import (
	"fmt"
	"strings"
)

// SQL Query Builder
// Turns structured filter, sort and paging input into SQL fragments with named (@name) parameters.
//
// SECURITY WARNING:
// This builder does NOT escape or validate table names, column names, operators or other SQL identifiers.
// They are written into the SQL text exactly as given. Only values are bound as parameters.
// The repository layer checks identifiers against each entity's known columns before calling in here;
// callers using the builder directly must do the same.
//
// Example - SAFE:
//   BuildWhere([]FilterCondition{{Field: "age", Operator: GreaterThan, Value: userAge}})
//
// Example - UNSAFE (DO NOT DO THIS):
//   BuildWhere([]FilterCondition{{Field: userProvidedColumn, Operator: Equal, Value: v}})

// Operator represents SQL comparison operators
type Operator string

const (
	Equal              Operator = "="
	NotEqual           Operator = "!="
	NotEqualAlt        Operator = "<>"
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	Like               Operator = "LIKE"
	NotLike            Operator = "NOT LIKE"
	In                 Operator = "IN"
	NotIn              Operator = "NOT IN"
)

var knownOperators = map[Operator]struct{}{
	Equal: {}, NotEqual: {}, NotEqualAlt: {}, GreaterThan: {}, GreaterThanOrEqual: {},
	LessThan: {}, LessThanOrEqual: {}, Like: {}, NotLike: {}, In: {}, NotIn: {},
}

// Normalize upper-cases and trims the operator and reports whether it is a known operator
func (o Operator) Normalize() (Operator, bool) {
	op := Operator(strings.ToUpper(strings.Join(strings.Fields(string(o)), " ")))
	_, ok := knownOperators[op]
	return op, ok
}

// LogicalOperator for combining conditions
type LogicalOperator string

const (
	And LogicalOperator = "AND"
	Or  LogicalOperator = "OR"
)

// FilterCondition is one predicate: Field Operator @param.
// LogicalOperator is informational; BuildWhere always joins with AND.
type FilterCondition struct {
	Field           string          `json:"field"`
	Operator        Operator        `json:"operator"`
	Value           any             `json:"value"`
	LogicalOperator LogicalOperator `json:"logical_operator,omitempty"`
}

// ConditionGroup is a flat list of conditions joined by one operator
type ConditionGroup struct {
	Conditions      []FilterCondition `json:"conditions"`
	LogicalOperator LogicalOperator   `json:"logical_operator"`
}

// BuildWhere renders "WHERE f0 op0 @p0 AND f1 op1 @p1 ...".
// Parameters are named p0, p1, ... in input order. Empty input yields "" and an empty map.
func BuildWhere(filters []FilterCondition) (string, Params) {
	if len(filters) == 0 {
		return "", Params{}
	}
	clause, params := joinConditions(filters, And)
	return "WHERE " + clause, params
}

// BuildConditionGroup renders the group's conditions joined with its operator (AND when unset).
// The result has no WHERE keyword.
func BuildConditionGroup(group ConditionGroup) (string, Params) {
	if len(group.Conditions) == 0 {
		return "", Params{}
	}
	op := group.LogicalOperator
	if op == "" {
		op = And
	}
	return joinConditions(group.Conditions, op)
}

func joinConditions(conditions []FilterCondition, op LogicalOperator) (string, Params) {
	params := make(Params, len(conditions))
	parts := make([]string, len(conditions))
	for i, cond := range conditions {
		name := fmt.Sprintf("p%d", i)
		parts[i] = fmt.Sprintf("%s %s @%s", cond.Field, cond.Operator, name)
		params[name] = cond.Value
	}
	return strings.Join(parts, " "+string(op)+" "), params
}

// BuildOrderBy renders "<sortBy|primaryKey> ASC|DESC" without the ORDER BY keyword
func BuildOrderBy(request PageRequest, primaryKey string) string {
	column := request.SortBy
	if column == "" {
		column = primaryKey
	}
	if request.SortDescending {
		return column + " DESC"
	}
	return column + " ASC"
}

// RowParam names the parameter holding column col of row i in multi-row statements
func RowParam(row int, column string) string {
	return fmt.Sprintf("r%d_%s", row, column)
}

// Names of the pagination parameters appended by Builder.Page
const (
	OffsetParam   = "page_offset"
	PageSizeParam = "page_size"
)

// Builder assembles single-table statements with named parameters
type Builder struct {
	table      string
	selectCols []string
	where      string
	params     Params
	orderBy    string
	paginate   string

	dialect     Dialect
	columnTypes map[string]string
}

// NewBuilder creates a new statement builder.
// SECURITY: The table parameter must be a validated, trusted identifier.
func NewBuilder(table string) *Builder {
	return &Builder{
		table:      table,
		selectCols: []string{"*"},
		params:     Params{},
	}
}

// Select sets the columns to select
func (b *Builder) Select(cols ...string) *Builder {
	if len(cols) > 0 {
		b.selectCols = cols
	}
	return b
}

// Where sets the predicate (without the WHERE keyword) and merges its parameters
func (b *Builder) Where(clause string, params Params) *Builder {
	b.where = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(clause), "WHERE "))
	b.params = b.params.Merge(params)
	return b
}

// OrderBy sets the ORDER BY list
func (b *Builder) OrderBy(clause string) *Builder {
	b.orderBy = clause
	return b
}

// Page appends dialect pagination for the given offset and page size
func (b *Builder) Page(dialect Dialect, offset, pageSize int) *Builder {
	b.paginate = dialect.Paginate(OffsetParam, PageSizeParam)
	b.params = b.params.Merge(Params{OffsetParam: offset, PageSizeParam: pageSize})
	return b
}

// BuildSelect builds the SELECT statement and its parameters
func (b *Builder) BuildSelect() (string, Params) {
	var query strings.Builder
	query.WriteString("SELECT ")
	query.WriteString(strings.Join(b.selectCols, ", "))
	query.WriteString(" FROM ")
	query.WriteString(b.table)
	if b.where != "" {
		query.WriteString(" WHERE ")
		query.WriteString(b.where)
	}
	if b.orderBy != "" {
		query.WriteString(" ORDER BY ")
		query.WriteString(b.orderBy)
	}
	if b.paginate != "" {
		query.WriteString(" ")
		query.WriteString(b.paginate)
	}
	return query.String(), b.params
}

// BuildCount builds a COUNT(*) over the same predicate, ignoring order and paging
func (b *Builder) BuildCount() (string, Params) {
	query := "SELECT COUNT(*) FROM " + b.table
	if b.where != "" {
		query += " WHERE " + b.where
	}
	params := make(Params, len(b.params))
	for k, v := range b.params {
		if k != OffsetParam && k != PageSizeParam {
			params[k] = v
		}
	}
	return query, params
}

// BuildInsert builds a multi-row INSERT; row i binds column c as @r<i>_<c>
func (b *Builder) BuildInsert(columns []string, rows int) string {
	var query strings.Builder
	query.WriteString("INSERT INTO ")
	query.WriteString(b.table)
	query.WriteString(" (")
	query.WriteString(strings.Join(columns, ", "))
	query.WriteString(") VALUES ")

	for i := 0; i < rows; i++ {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString("(")
		for j, col := range columns {
			if j > 0 {
				query.WriteString(", ")
			}
			query.WriteString("@")
			query.WriteString(RowParam(i, col))
		}
		query.WriteString(")")
	}
	return query.String()
}

// Typed makes value parameters of BuildBulkUpdate carry explicit column types where dialect requires them
func (b *Builder) Typed(dialect Dialect, columnTypes map[string]string) *Builder {
	b.dialect = dialect
	b.columnTypes = columnTypes
	return b
}

func (b *Builder) valueRef(col, param string) string {
	if b.dialect == nil {
		return "@" + param
	}
	return b.dialect.Cast(param, b.columnTypes[col])
}

// BuildUpdate builds "UPDATE t SET c = @c, ... WHERE key = @key"
func (b *Builder) BuildUpdate(columns []string, key string) string {
	setClauses := make([]string, len(columns))
	for i, col := range columns {
		setClauses[i] = col + " = @" + col
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = @%s", b.table, strings.Join(setClauses, ", "), key, key)
}

// BuildBulkUpdate builds one UPDATE covering rows entities, selecting each new value by key:
// "UPDATE t SET c = CASE key WHEN @r0_key THEN @r0_c ... END WHERE key IN (@r0_key, ...)"
func (b *Builder) BuildBulkUpdate(columns []string, key string, rows int) string {
	var query strings.Builder
	query.WriteString("UPDATE ")
	query.WriteString(b.table)
	query.WriteString(" SET ")

	for j, col := range columns {
		if j > 0 {
			query.WriteString(", ")
		}
		query.WriteString(col)
		query.WriteString(" = CASE ")
		query.WriteString(key)
		for i := 0; i < rows; i++ {
			query.WriteString(" WHEN @")
			query.WriteString(RowParam(i, key))
			query.WriteString(" THEN ")
			query.WriteString(b.valueRef(col, RowParam(i, col)))
		}
		query.WriteString(" END")
	}

	query.WriteString(" WHERE ")
	query.WriteString(key)
	query.WriteString(" IN (")
	for i := 0; i < rows; i++ {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString("@")
		query.WriteString(RowParam(i, key))
	}
	query.WriteString(")")
	return query.String()
}

// BuildDelete builds "DELETE FROM t WHERE key = @key"
func (b *Builder) BuildDelete(key string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = @%s", b.table, key, key)
}
