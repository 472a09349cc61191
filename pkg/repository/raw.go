package repository

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/ammar0144/repokit/pkg/db"
)

var procedureName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// QueryRaw runs caller-written SQL with @name parameters and maps every row into T
func (r *GenericRepository[T]) QueryRaw(ctx context.Context, query string, params db.Params) ([]T, error) {
	return r.query(ctx, "query_raw", query, params)
}

// QueryFirstOrDefault runs caller-written SQL and returns its first row, or nil when it has none
func (r *GenericRepository[T]) QueryFirstOrDefault(ctx context.Context, query string, params db.Params) (*T, error) {
	return r.first(ctx, "query_first", query, params)
}

// Execute runs a caller-written statement and returns the rows affected
func (r *GenericRepository[T]) Execute(ctx context.Context, query string, params db.Params) (int64, error) {
	return r.exec(ctx, "execute", query, params)
}

// ExecuteStoredProcedure calls name with args bound by name and maps its first result set into T
func (r *GenericRepository[T]) ExecuteStoredProcedure(ctx context.Context, name string, args ...sql.NamedArg) ([]T, error) {
	if !procedureName.MatchString(name) {
		return nil, invalidArgument("procedure name %q", name)
	}
	names := make([]string, len(args))
	params := make(db.Params, len(args))
	for i, arg := range args {
		if arg.Name == "" {
			return nil, invalidArgument("procedure argument %d has no name", i)
		}
		names[i] = arg.Name
		params[arg.Name] = arg.Value
	}
	return r.query(ctx, "stored_procedure", r.conn.Dialect().CallProcedure(name, names), params)
}

// QueryMultiple runs a batch of statements and returns a reader over their result sets.
// The caller must Close the reader. Only dialects allowing several statements per round trip can return more than one set.
func (r *GenericRepository[T]) QueryMultiple(ctx context.Context, query string, params db.Params) (*db.GridReader, error) {
	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	grid, err := r.conn.Executor().QueryMultiple(ctx, session, query, params)
	if err != nil {
		return nil, db.NewQueryError("query_multiple", r.desc.table, err)
	}
	return grid, nil
}

// Each streams the rows of query into fn one at a time. A non-nil error from fn stops the iteration and is returned.
func (r *GenericRepository[T]) Each(ctx context.Context, query string, params db.Params, fn func(*T) error) error {
	ctx, cancel := r.withQueryTimeout(ctx)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return err
	}
	rows, err := r.conn.Executor().Query(ctx, session, query, params)
	if err != nil {
		return db.NewQueryError("each", r.desc.table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var item T
		if err := db.ScanRow(session, rows, &item); err != nil {
			return db.NewQueryError("each", r.desc.table, err)
		}
		if err := fn(&item); err != nil {
			return err
		}
	}
	return db.NewQueryError("each", r.desc.table, rows.Err())
}

// QueryAs runs query on r's connection and maps each row into R, a struct, map or scalar type
func QueryAs[R any, T any](ctx context.Context, r *GenericRepository[T], query string, params db.Params) ([]R, error) {
	ctx, cancel := r.withQueryTimeout(ctx)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn.Executor().Query(ctx, session, query, params)
	if err != nil {
		return nil, db.NewQueryError("query_as", r.desc.table, err)
	}
	defer rows.Close()

	items, err := scanAll[R](session, rows)
	if err != nil {
		return nil, db.NewQueryError("query_as", r.desc.table, err)
	}
	return items, nil
}
