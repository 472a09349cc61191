package repository

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/ammar0144/repokit/pkg/db"
)

// DefaultSplitOn is the column that starts each joined type's share of a row
const DefaultSplitOn = "Id"

// QueryJoin runs "SELECT * FROM <table> <joinClause>" and combines each row's two halves with mapFn.
// The row is cut at the last column named splitOn (case-insensitive, default "Id").
// A half whose columns are all NULL, as from an unmatched LEFT JOIN, is passed as nil.
func QueryJoin[T, T2, R any](ctx context.Context, r *GenericRepository[T], joinClause string, mapFn func(*T, *T2) R, params db.Params, splitOn ...string) ([]R, error) {
	var out []R
	err := r.queryJoin(ctx, joinClause, params, splitOn, []any{new(T), new(T2)}, func(parts []any) {
		out = append(out, mapFn(asPtr[T](parts[0]), asPtr[T2](parts[1])))
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make([]R, 0)
	}
	return out, nil
}

// QueryJoin3 is QueryJoin over three joined types. splitOn may list one column per boundary, comma separated.
func QueryJoin3[T, T2, T3, R any](ctx context.Context, r *GenericRepository[T], joinClause string, mapFn func(*T, *T2, *T3) R, params db.Params, splitOn ...string) ([]R, error) {
	var out []R
	err := r.queryJoin(ctx, joinClause, params, splitOn, []any{new(T), new(T2), new(T3)}, func(parts []any) {
		out = append(out, mapFn(asPtr[T](parts[0]), asPtr[T2](parts[1]), asPtr[T3](parts[2])))
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make([]R, 0)
	}
	return out, nil
}

// QueryJoin4 is QueryJoin over four joined types
func QueryJoin4[T, T2, T3, T4, R any](ctx context.Context, r *GenericRepository[T], joinClause string, mapFn func(*T, *T2, *T3, *T4) R, params db.Params, splitOn ...string) ([]R, error) {
	var out []R
	err := r.queryJoin(ctx, joinClause, params, splitOn, []any{new(T), new(T2), new(T3), new(T4)}, func(parts []any) {
		out = append(out, mapFn(asPtr[T](parts[0]), asPtr[T2](parts[1]), asPtr[T3](parts[2]), asPtr[T4](parts[3])))
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make([]R, 0)
	}
	return out, nil
}

func asPtr[X any](v any) *X {
	if v == nil {
		return nil
	}
	return v.(*X)
}

// segment is the run of columns mapped onto one joined type
type segment struct {
	typ    reflect.Type
	start  int
	end    int
	fields []*schema.Field // per column in the run; nil when the type has no such column
}

func (r *GenericRepository[T]) queryJoin(ctx context.Context, joinClause string, params db.Params, splitOn []string, models []any, each func(parts []any)) error {
	ctx, cancel := r.withQueryTimeout(ctx)
	defer cancel()

	session, err := r.session(ctx)
	if err != nil {
		return err
	}
	query := "SELECT * FROM " + r.desc.table + " " + strings.TrimSpace(joinClause)
	rows, err := r.conn.Executor().Query(ctx, session, query, params)
	if err != nil {
		return db.NewQueryError("query_join", r.desc.table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return db.NewQueryError("query_join", r.desc.table, err)
	}
	segments, err := splitSegments(r.conn.Base(), columns, strings.Join(splitOn, ","), models)
	if err != nil {
		return err
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return db.NewQueryError("query_join", r.desc.table, err)
		}
		parts := make([]any, len(segments))
		for i, seg := range segments {
			part, err := seg.build(ctx, values)
			if err != nil {
				return fmt.Errorf("%s query_join: %w", r.desc.table, err)
			}
			parts[i] = part
		}
		each(parts)
	}
	return db.NewQueryError("query_join", r.desc.table, rows.Err())
}

// build maps the segment's values onto a new value of its type, or returns nil when every value is NULL
func (s segment) build(ctx context.Context, values []any) (any, error) {
	allNull := true
	for _, v := range values[s.start:s.end] {
		if v != nil {
			allNull = false
			break
		}
	}
	if allNull {
		return nil, nil
	}

	ptr := reflect.New(s.typ)
	elem := ptr.Elem()
	for i, f := range s.fields {
		if f == nil {
			continue
		}
		if err := f.Set(ctx, elem, values[s.start+i]); err != nil {
			return nil, fmt.Errorf("column %d into %s.%s: %w", s.start+i, s.typ.Name(), f.Name, err)
		}
	}
	return ptr.Interface(), nil
}

// splitSegments cuts columns into one run per model. Boundaries are searched right to left,
// each at the last column named by its splitOn entry before the previous boundary, never at column 0.
func splitSegments(base *gorm.DB, columns []string, splitOn string, models []any) ([]segment, error) {
	names := make([]string, 0, len(models)-1)
	for _, n := range strings.Split(splitOn, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	switch {
	case len(names) == 0:
		names = []string{DefaultSplitOn}
		fallthrough
	case len(names) == 1:
		for len(names) < len(models)-1 {
			names = append(names, names[0])
		}
	}
	if len(names) != len(models)-1 {
		return nil, invalidArgument("splitOn %q names %d boundaries for %d types", splitOn, len(names), len(models))
	}

	bounds := make([]int, len(models)+1)
	bounds[len(models)] = len(columns)
	pos := len(columns)
	for i := len(names) - 1; i >= 0; i-- {
		found := -1
		for j := pos - 1; j > 0; j-- {
			if strings.EqualFold(columns[j], names[i]) {
				found = j
				break
			}
		}
		if found < 0 {
			return nil, invalidArgument("splitOn column %q not found in result", names[i])
		}
		bounds[i+1] = found
		pos = found
	}

	segments := make([]segment, len(models))
	for i, model := range models {
		sch, err := parseSchema(base, model)
		if err != nil {
			return nil, fmt.Errorf("parse %T: %w", model, err)
		}
		seg := segment{
			typ:    reflect.TypeOf(model).Elem(),
			start:  bounds[i],
			end:    bounds[i+1],
			fields: make([]*schema.Field, bounds[i+1]-bounds[i]),
		}
		for c := seg.start; c < seg.end; c++ {
			seg.fields[c-seg.start] = lookupField(sch, columns[c])
		}
		segments[i] = seg
	}
	return segments, nil
}

func lookupField(sch *schema.Schema, column string) *schema.Field {
	if f := sch.LookUpField(column); f != nil && f.DBName != "" {
		return f
	}
	for _, f := range sch.Fields {
		if f.DBName != "" && (strings.EqualFold(f.DBName, column) || strings.EqualFold(f.Name, column)) {
			return f
		}
	}
	return nil
}
