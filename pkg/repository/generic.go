package repository

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"gorm.io/gorm"

	"github.com/ammar0144/repokit/pkg/cache"
	"github.com/ammar0144/repokit/pkg/db"
)

// Cache key constants for consistent key generation
const (
	cacheKeyPrefix    = "repokit"
	cacheKeySeparator = ":"
)

// Placeholders reported by GetQueryStats when no plan could be captured
const (
	PlanNotAvailable = "Execution plan not available"
	PlanEmpty        = "No execution plan available"
)

var (
	defaultCacheOnce sync.Once
	defaultCache     *cache.Service
)

// sharedCache is the in-process cache used by repositories built without WithCache
func sharedCache() *cache.Service {
	defaultCacheOnce.Do(func() {
		defaultCache = cache.NewMemoryService()
	})
	return defaultCache
}

// GenericRepository gives any struct type CRUD, filtering, paging, bulk writes and cached queries.
// Identifiers reaching SQL text are checked against the entity's mapped columns; values are always bound.
type GenericRepository[T any] struct {
	conn     db.Conn
	desc     *descriptor
	cache    *cache.Service
	log      logrus.FieldLogger
	timeout   time.Duration
	isolation sql.IsolationLevel
	validate  bool
}

var _ Repository[struct{ ID int }] = (*GenericRepository[struct{ ID int }])(nil)

// NewRepository builds a repository for T on conn
func NewRepository[T any](conn db.Conn, opts ...Option) (*GenericRepository[T], error) {
	if conn == nil {
		return nil, &db.ConfigError{Field: "conn", Message: "cannot be nil"}
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	desc, err := describe[T](conn.Base(), o.table, o.primaryKey)
	if err != nil {
		return nil, err
	}

	log := o.log
	if log == nil {
		log = logrus.StandardLogger()
	}
	timeout := o.queryTimeout
	if timeout == 0 {
		if t, ok := conn.(db.QueryTimeouter); ok {
			timeout = t.QueryTimeout()
		}
	}
	isolation := o.isolation
	if !o.isolationSet {
		isolation = db.IsolationOf(conn)
	}
	svc := o.cache
	if svc == nil {
		svc = sharedCache()
	}

	return &GenericRepository[T]{
		conn:     conn,
		desc:     desc,
		cache:    svc,
		log:      log.WithFields(logrus.Fields{"component": "repository", "table": desc.table}),
		timeout:   timeout,
		isolation: isolation,
		validate:  !o.skipValidation,
	}, nil
}

// TableName returns the table the repository reads and writes
func (r *GenericRepository[T]) TableName() string {
	return r.desc.table
}

// PrimaryKey returns the primary key column
func (r *GenericRepository[T]) PrimaryKey() string {
	return r.desc.primaryKey
}

// Columns returns the mapped columns in declaration order
func (r *GenericRepository[T]) Columns() []string {
	return append([]string(nil), r.desc.columns...)
}

// IsolationLevel returns the level ExecuteInTransaction uses when a call passes none
func (r *GenericRepository[T]) IsolationLevel() sql.IsolationLevel {
	return r.isolation
}

// Cache returns the cache service behind QueryCached
func (r *GenericRepository[T]) Cache() *cache.Service {
	return r.cache
}

// bind returns a copy of the repository whose statements run on conn
func (r *GenericRepository[T]) bind(conn db.Conn) *GenericRepository[T] {
	bound := *r
	bound.conn = conn
	return &bound
}

// withQueryTimeout wraps a context with the configured query timeout
func (r *GenericRepository[T]) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return ctx, func() {}
}

func (r *GenericRepository[T]) session(ctx context.Context) (*gorm.DB, error) {
	session, err := r.conn.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.desc.table, err)
	}
	return session, nil
}

// ============================================================================
// STATEMENT HELPERS
// ============================================================================

func (r *GenericRepository[T]) queryOn(ctx context.Context, session *gorm.DB, op, query string, params db.Params) ([]T, error) {
	rows, err := r.conn.Executor().Query(ctx, session, query, params)
	if err != nil {
		return nil, db.NewQueryError(op, r.desc.table, err)
	}
	defer rows.Close()

	items, err := scanAll[T](session, rows)
	if err != nil {
		return nil, db.NewQueryError(op, r.desc.table, err)
	}
	return items, nil
}

func (r *GenericRepository[T]) query(ctx context.Context, op, query string, params db.Params) ([]T, error) {
	ctx, cancel := r.withQueryTimeout(ctx)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	return r.queryOn(ctx, session, op, query, params)
}

// first returns the first row or nil when there is none
func (r *GenericRepository[T]) first(ctx context.Context, op, query string, params db.Params) (*T, error) {
	ctx, cancel := r.withQueryTimeout(ctx)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn.Executor().Query(ctx, session, query, params)
	if err != nil {
		return nil, db.NewQueryError(op, r.desc.table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, db.NewQueryError(op, r.desc.table, rows.Err())
	}
	var entity T
	if err := db.ScanRow(session, rows, &entity); err != nil {
		return nil, db.NewQueryError(op, r.desc.table, err)
	}
	return &entity, nil
}

func (r *GenericRepository[T]) scalarOn(ctx context.Context, session *gorm.DB, op, query string, params db.Params) (int64, error) {
	rows, err := r.conn.Executor().Query(ctx, session, query, params)
	if err != nil {
		return 0, db.NewQueryError(op, r.desc.table, err)
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, db.NewQueryError(op, r.desc.table, err)
		}
	}
	return n, db.NewQueryError(op, r.desc.table, rows.Err())
}

func (r *GenericRepository[T]) exec(ctx context.Context, op, query string, params db.Params) (int64, error) {
	ctx, cancel := r.withQueryTimeout(ctx)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return 0, err
	}
	result, err := r.conn.Executor().Exec(ctx, session, query, params)
	if err != nil {
		return 0, db.NewQueryError(op, r.desc.table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, db.NewQueryError(op, r.desc.table, err)
	}
	return affected, nil
}

func scanAll[T any](session *gorm.DB, rows *sql.Rows) ([]T, error) {
	items := make([]T, 0)
	for rows.Next() {
		var item T
		if err := db.ScanRow(session, rows, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *GenericRepository[T]) selectAll() *db.Builder {
	return db.NewBuilder(r.desc.table)
}

// ============================================================================
// IDENTIFIER CHECKS
// ============================================================================

func (r *GenericRepository[T]) checkConditions(conditions []db.FilterCondition) ([]db.FilterCondition, error) {
	if !r.validate {
		return conditions, nil
	}
	checked := make([]db.FilterCondition, len(conditions))
	for i, cond := range conditions {
		col, err := r.desc.column(cond.Field)
		if err != nil {
			return nil, err
		}
		op, ok := cond.Operator.Normalize()
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnsupportedOperator, cond.Operator)
		}
		cond.Field, cond.Operator = col, op
		checked[i] = cond
	}
	return checked, nil
}

// checkOrderBy validates "col [ASC|DESC], ..." and returns it with canonical columns
func (r *GenericRepository[T]) checkOrderBy(orderBy string) (string, error) {
	if !r.validate {
		return orderBy, nil
	}
	items := strings.Split(orderBy, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		parts := strings.Fields(item)
		if len(parts) == 0 || len(parts) > 2 {
			return "", invalidArgument("malformed order by item %q", strings.TrimSpace(item))
		}
		col, err := r.desc.column(parts[0])
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if len(parts) == 2 {
			dir = strings.ToUpper(parts[1])
			if dir != "ASC" && dir != "DESC" {
				return "", invalidArgument("sort direction %q", parts[1])
			}
		}
		out = append(out, col+" "+dir)
	}
	return strings.Join(out, ", "), nil
}

func (r *GenericRepository[T]) orderOrDefault(orderBy []string) (string, error) {
	if len(orderBy) == 0 || strings.TrimSpace(strings.Join(orderBy, "")) == "" {
		return r.desc.primaryKey + " ASC", nil
	}
	return r.checkOrderBy(strings.Join(orderBy, ", "))
}

func (r *GenericRepository[T]) checkColumns(names []string) ([]string, error) {
	out := make([]string, len(names))
	for i, name := range names {
		if !r.validate {
			out[i] = strings.TrimSpace(name)
			continue
		}
		col, err := r.desc.plainColumn(name)
		if err != nil {
			return nil, err
		}
		out[i] = col
	}
	return out, nil
}

// ============================================================================
// READ OPERATIONS
// ============================================================================

// GetByID returns the row with the given key, or nil when there is none
func (r *GenericRepository[T]) GetByID(ctx context.Context, id any) (*T, error) {
	if id == nil {
		return nil, invalidArgument("id cannot be nil")
	}
	pk := r.desc.primaryKey
	query, params := r.selectAll().Where(pk+" = @"+pk, db.Params{pk: id}).BuildSelect()
	return r.first(ctx, "get_by_id", query, params)
}

// GetAll returns every row
func (r *GenericRepository[T]) GetAll(ctx context.Context) ([]T, error) {
	query, params := r.selectAll().BuildSelect()
	return r.query(ctx, "get_all", query, params)
}

// Count returns the number of rows in the table
func (r *GenericRepository[T]) Count(ctx context.Context) (int64, error) {
	ctx, cancel := r.withQueryTimeout(ctx)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return 0, err
	}
	query, params := r.selectAll().BuildCount()
	return r.scalarOn(ctx, session, "count", query, params)
}

// GetPaged returns one page ordered by orderBy ("col [ASC|DESC]" items), primary key ascending by default
func (r *GenericRepository[T]) GetPaged(ctx context.Context, pageNumber, pageSize int, orderBy ...string) (*db.PageResult[T], error) {
	if pageNumber < 1 || pageSize < 1 {
		return nil, invalidArgument("page %d of size %d", pageNumber, pageSize)
	}
	order, err := r.orderOrDefault(orderBy)
	if err != nil {
		return nil, err
	}
	b := r.selectAll().OrderBy(order).Page(r.conn.Dialect(), (pageNumber-1)*pageSize, pageSize)
	return r.page(ctx, "get_paged", b, pageNumber, pageSize)
}

// GetPagedAdvanced returns one page of the rows matching request.Filters
func (r *GenericRepository[T]) GetPagedAdvanced(ctx context.Context, request db.PageRequest) (*db.PageResult[T], error) {
	if request.PageNumber < 1 || request.PageSize < 1 {
		return nil, invalidArgument("page %d of size %d", request.PageNumber, request.PageSize)
	}
	filters, err := r.checkConditions(request.Filters)
	if err != nil {
		return nil, err
	}
	if request.SortBy != "" && r.validate {
		if request.SortBy, err = r.desc.column(request.SortBy); err != nil {
			return nil, err
		}
	}

	where, params := db.BuildWhere(filters)
	b := r.selectAll().
		Where(where, params).
		OrderBy(db.BuildOrderBy(request, r.desc.primaryKey)).
		Page(r.conn.Dialect(), request.Offset(), request.PageSize)
	return r.page(ctx, "get_paged_advanced", b, request.PageNumber, request.PageSize)
}

// page reads the items and the total count, in one round trip when the dialect allows it
func (r *GenericRepository[T]) page(ctx context.Context, op string, b *db.Builder, pageNumber, pageSize int) (*db.PageResult[T], error) {
	ctx, cancel := r.withQueryTimeout(ctx)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}

	selectSQL, params := b.BuildSelect()
	countSQL, countParams := b.BuildCount()

	if !r.conn.Dialect().MultipleResultSets() {
		items, err := r.queryOn(ctx, session, op, selectSQL, params)
		if err != nil {
			return nil, err
		}
		total, err := r.scalarOn(ctx, session, op, countSQL, countParams)
		if err != nil {
			return nil, err
		}
		return db.NewPageResult(items, total, pageNumber, pageSize), nil
	}

	grid, err := r.conn.Executor().QueryMultiple(ctx, session, selectSQL+"; "+countSQL, params)
	if err != nil {
		return nil, db.NewQueryError(op, r.desc.table, err)
	}
	defer grid.Close()

	items, err := db.Read[T](grid)
	if err != nil {
		return nil, db.NewQueryError(op, r.desc.table, err)
	}
	total, err := db.ReadScalar[int64](grid)
	if err != nil {
		return nil, db.NewQueryError(op, r.desc.table, err)
	}
	return db.NewPageResult(items, total, pageNumber, pageSize), nil
}

// Where returns the rows matching every condition
func (r *GenericRepository[T]) Where(ctx context.Context, conditions ...db.FilterCondition) ([]T, error) {
	checked, err := r.checkConditions(conditions)
	if err != nil {
		return nil, err
	}
	where, params := db.BuildWhere(checked)
	query, params := r.selectAll().Where(where, params).BuildSelect()
	return r.query(ctx, "where", query, params)
}

// GetByConditions returns the rows matching group, primary key ascending unless orderBy is given
func (r *GenericRepository[T]) GetByConditions(ctx context.Context, group db.ConditionGroup, orderBy ...string) ([]T, error) {
	checked, err := r.checkConditions(group.Conditions)
	if err != nil {
		return nil, err
	}
	switch strings.ToUpper(string(group.LogicalOperator)) {
	case "", string(db.And), string(db.Or):
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedOperator, group.LogicalOperator)
	}
	group.Conditions = checked
	group.LogicalOperator = db.LogicalOperator(strings.ToUpper(string(group.LogicalOperator)))

	order, err := r.orderOrDefault(orderBy)
	if err != nil {
		return nil, err
	}
	where, params := db.BuildConditionGroup(group)
	query, params := r.selectAll().Where(where, params).OrderBy(order).BuildSelect()
	return r.query(ctx, "get_by_conditions", query, params)
}

// Search returns rows where any of columns contains term
func (r *GenericRepository[T]) Search(ctx context.Context, term string, columns ...string) ([]T, error) {
	if len(columns) == 0 {
		return nil, invalidArgument("search needs at least one column")
	}
	pattern := "%" + term + "%"
	group := db.ConditionGroup{LogicalOperator: db.Or}
	for _, col := range columns {
		group.Conditions = append(group.Conditions, db.FilterCondition{Field: col, Operator: db.Like, Value: pattern})
	}
	checked, err := r.checkConditions(group.Conditions)
	if err != nil {
		return nil, err
	}
	group.Conditions = checked

	where, params := db.BuildConditionGroup(group)
	query, params := r.selectAll().Where(where, params).BuildSelect()
	return r.query(ctx, "search", query, params)
}

// FullTextSearch returns rows whose columns match term through the database's full-text engine.
// MySQL needs a FULLTEXT index over exactly these columns.
func (r *GenericRepository[T]) FullTextSearch(ctx context.Context, term string, columns ...string) ([]T, error) {
	if strings.TrimSpace(term) == "" {
		return nil, invalidArgument("search term cannot be empty")
	}
	if len(columns) == 0 {
		return nil, invalidArgument("full-text search needs at least one column")
	}
	cols, err := r.checkColumns(columns)
	if err != nil {
		return nil, err
	}
	where := r.conn.Dialect().FullTextMatch(cols, "fts_term")
	query, params := r.selectAll().Where(where, db.Params{"fts_term": term}).BuildSelect()
	return r.query(ctx, "full_text_search", query, params)
}

// QueryWhere returns rows matching a caller-written predicate, the text after WHERE.
// The predicate is not checked; bind every value through params.
func (r *GenericRepository[T]) QueryWhere(ctx context.Context, whereClause string, params db.Params) ([]T, error) {
	if strings.TrimSpace(whereClause) == "" {
		return nil, invalidArgument("where clause cannot be empty")
	}
	query, params := r.selectAll().Where(whereClause, params).BuildSelect()
	return r.query(ctx, "query_where", query, params)
}

// ============================================================================
// WRITE OPERATIONS
// ============================================================================

// Insert writes entity and returns the generated key, which is also stored into the entity
func (r *GenericRepository[T]) Insert(ctx context.Context, entity *T) (int64, error) {
	if entity == nil {
		return 0, invalidArgument("entity cannot be nil")
	}
	ctx, cancel := r.withQueryTimeout(ctx)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return 0, err
	}
	return r.insertOn(ctx, session, entity)
}

func (r *GenericRepository[T]) insertOn(ctx context.Context, session *gorm.DB, entity *T) (int64, error) {
	rv := reflect.ValueOf(entity).Elem()
	cols := r.desc.insertable
	params, err := rowParams(ctx, r.desc, []T{*entity}, cols)
	if err != nil {
		return 0, err
	}
	query := db.NewBuilder(r.desc.table).BuildInsert(cols, 1)

	if returning := r.conn.Dialect().Returning(r.desc.primaryKey); returning != "" {
		rows, err := r.conn.Executor().Query(ctx, session, query+" "+returning, params)
		if err != nil {
			return 0, db.NewQueryError("insert", r.desc.table, err)
		}
		defer rows.Close()

		var id any
		if rows.Next() {
			if err := rows.Scan(&id); err != nil {
				return 0, db.NewQueryError("insert", r.desc.table, err)
			}
		}
		if err := rows.Err(); err != nil {
			return 0, db.NewQueryError("insert", r.desc.table, err)
		}
		if id != nil {
			if err := r.desc.setPrimaryKey(ctx, rv, id); err != nil {
				return 0, fmt.Errorf("%s insert: store generated key: %w", r.desc.table, err)
			}
		}
		return toInt64(id), nil
	}

	if !r.desc.autoIncrement() {
		// the caller assigns the key; read it before writing so an unmapped key fails without side effects
		pk, err := r.desc.primaryKeyValue(ctx, rv)
		if err != nil {
			return 0, err
		}
		if _, err := r.conn.Executor().Exec(ctx, session, query, params); err != nil {
			return 0, db.NewQueryError("insert", r.desc.table, err)
		}
		return toInt64(pk), nil
	}
	result, err := r.conn.Executor().Exec(ctx, session, query, params)
	if err != nil {
		return 0, db.NewQueryError("insert", r.desc.table, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, db.NewQueryError("insert", r.desc.table, err)
	}
	if err := r.desc.setPrimaryKey(ctx, rv, id); err != nil {
		return 0, fmt.Errorf("%s insert: store generated key: %w", r.desc.table, err)
	}
	return id, nil
}

// InsertWithOutput writes entity and returns the row as stored, defaults and generated values included
func (r *GenericRepository[T]) InsertWithOutput(ctx context.Context, entity *T) (*T, error) {
	if entity == nil {
		return nil, invalidArgument("entity cannot be nil")
	}
	ctx, cancel := r.withQueryTimeout(ctx)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}

	if returning := r.conn.Dialect().Returning("*"); returning != "" {
		cols := r.desc.insertable
		params, err := rowParams(ctx, r.desc, []T{*entity}, cols)
		if err != nil {
			return nil, err
		}
		query := db.NewBuilder(r.desc.table).BuildInsert(cols, 1) + " " + returning
		items, err := r.queryOn(ctx, session, "insert_with_output", query, params)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, nil
		}
		return &items[0], nil
	}

	if _, err := r.insertOn(ctx, session, entity); err != nil {
		return nil, err
	}
	pk, err := r.desc.primaryKeyValue(ctx, reflect.ValueOf(entity).Elem())
	if err != nil {
		return nil, err
	}
	query, params := r.selectAll().Where(r.desc.primaryKey+" = @"+r.desc.primaryKey, db.Params{r.desc.primaryKey: pk}).BuildSelect()
	items, err := r.queryOn(ctx, session, "insert_with_output", query, params)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return &items[0], nil
}

// Update writes every updatable column of entity, matched by primary key.
// It reports whether a row matched.
func (r *GenericRepository[T]) Update(ctx context.Context, entity *T) (bool, error) {
	if entity == nil {
		return false, invalidArgument("entity cannot be nil")
	}
	if len(r.desc.updatable) == 0 {
		return false, invalidArgument("table %s has no updatable columns", r.desc.table)
	}
	rv := reflect.ValueOf(entity).Elem()
	params, err := r.desc.params(ctx, rv, r.desc.updatable)
	if err != nil {
		return false, err
	}
	pk, err := r.desc.primaryKeyValue(ctx, rv)
	if err != nil {
		return false, err
	}
	params[r.desc.primaryKey] = pk

	query := db.NewBuilder(r.desc.table).BuildUpdate(r.desc.updatable, r.desc.primaryKey)
	affected, err := r.exec(ctx, "update", query, params)
	return affected > 0, err
}

// Delete removes the row with the given key and reports whether one existed
func (r *GenericRepository[T]) Delete(ctx context.Context, id any) (bool, error) {
	if id == nil {
		return false, invalidArgument("id cannot be nil")
	}
	query := db.NewBuilder(r.desc.table).BuildDelete(r.desc.primaryKey)
	affected, err := r.exec(ctx, "delete", query, db.Params{r.desc.primaryKey: id})
	return affected > 0, err
}

// ============================================================================
// DIAGNOSTICS, CACHING, TRANSACTIONS
// ============================================================================

// GetQueryStats runs query, timing it and counting its rows, and captures its plan when the database offers one.
// Failing to obtain a plan never fails the call.
func (r *GenericRepository[T]) GetQueryStats(ctx context.Context, query string, params db.Params) (*db.QueryStats, error) {
	ctx, cancel := r.withQueryTimeout(ctx)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := r.conn.Executor().Query(ctx, session, query, params)
	if err != nil {
		return nil, db.NewQueryError("query_stats", r.desc.table, err)
	}
	count := 0
	for rows.Next() {
		count++
	}
	err = rows.Err()
	rows.Close()
	elapsed := time.Since(start)
	if err != nil {
		return nil, db.NewQueryError("query_stats", r.desc.table, err)
	}

	return &db.QueryStats{
		ExecutionTimeMs: elapsed.Milliseconds(),
		RowsAffected:    int64(count),
		QueryPlan:       r.queryPlan(ctx, session, query, params),
		ResultCount:     count,
	}, nil
}

// explainSavepoint guards the plan query inside transactions the database aborts on any error
const explainSavepoint = "repokit_explain"

func (r *GenericRepository[T]) queryPlan(ctx context.Context, session *gorm.DB, query string, params db.Params) string {
	_, inTx := session.Statement.ConnPool.(gorm.TxCommitter)
	if !inTx || !r.conn.Dialect().FailedStatementAbortsTransaction() {
		return r.readPlan(ctx, session, query, params)
	}

	exec := r.conn.Executor()
	if _, err := exec.Exec(ctx, session, "SAVEPOINT "+explainSavepoint, nil); err != nil {
		r.log.WithError(err).Debug("execution plan skipped, savepoint failed")
		return PlanNotAvailable
	}
	plan := r.readPlan(ctx, session, query, params)
	release := "RELEASE SAVEPOINT " + explainSavepoint
	if plan == PlanNotAvailable {
		release = "ROLLBACK TO SAVEPOINT " + explainSavepoint
	}
	if _, err := exec.Exec(ctx, session, release, nil); err != nil {
		r.log.WithError(err).Warn("execution plan savepoint not restored")
	}
	return plan
}

func (r *GenericRepository[T]) readPlan(ctx context.Context, session *gorm.DB, query string, params db.Params) string {
	rows, err := r.conn.Executor().Query(ctx, session, r.conn.Dialect().Explain(query), params)
	if err != nil {
		r.log.WithError(err).Debug("execution plan unavailable")
		return PlanNotAvailable
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line sql.NullString
		if err := rows.Scan(&line); err != nil {
			r.log.WithError(err).Debug("execution plan unreadable")
			return PlanNotAvailable
		}
		if line.Valid {
			lines = append(lines, line.String)
		}
	}
	if err := rows.Err(); err != nil {
		return PlanNotAvailable
	}
	plan := strings.TrimSpace(strings.Join(lines, "\n"))
	if plan == "" {
		return PlanEmpty
	}
	return plan
}

// QueryCached returns the rows of query from the cache, running it on a miss.
// An empty cacheKey is derived from the table, query and parameters.
func (r *GenericRepository[T]) QueryCached(ctx context.Context, cacheKey, query string, params db.Params, expiration ...time.Duration) ([]T, error) {
	if cacheKey == "" {
		cacheKey = r.cacheKey(query, params)
	}
	return cache.GetOrSet(ctx, r.cache, cacheKey, func(ctx context.Context) ([]T, error) {
		return r.QueryRaw(ctx, query, params)
	}, expiration...)
}

// ClearCache invalidates every entry in the repository's cache
func (r *GenericRepository[T]) ClearCache(ctx context.Context) error {
	return r.cache.ClearAll(ctx)
}

// cacheKey hashes the query and its parameters, in name order, under the table's namespace.
// Parameters are msgpack-encoded so values keep their types and cannot bleed into each other.
func (r *GenericRepository[T]) cacheKey(query string, params db.Params) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]any, 0, 1+2*len(names))
	pairs = append(pairs, query)
	for _, name := range names {
		pairs = append(pairs, name, params[name])
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(pairs); err != nil {
		buf.Reset()
		fmt.Fprintf(&buf, "%#v", pairs)
	}
	return cacheKeyPrefix + cacheKeySeparator + r.desc.table + cacheKeySeparator + "query" +
		cacheKeySeparator + fmt.Sprintf("%016x", xxhash.Sum64(buf.Bytes()))
}

// ExecuteInTransaction runs fn with a repository bound to a new transaction. Without an explicit level it uses
// the repository's default: WithIsolationLevel, else the connection's configured level.
// The transaction commits when fn returns nil and rolls back on error or panic.
// Inside an existing transaction it nests through a savepoint.
func (r *GenericRepository[T]) ExecuteInTransaction(ctx context.Context, fn func(context.Context, *GenericRepository[T]) error, isolation ...sql.IsolationLevel) error {
	level := r.isolation
	if len(isolation) > 0 {
		level = isolation[0]
	}
	session, err := r.session(ctx)
	if err != nil {
		return err
	}
	return session.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, r.bind(db.Bind(r.conn, tx)))
	}, &sql.TxOptions{Isolation: level})
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case uint32:
		return int64(n)
	case uint:
		return int64(n)
	case []byte:
		i, _ := strconv.ParseInt(string(n), 10, 64)
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
