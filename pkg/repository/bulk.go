package repository

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/ammar0144/repokit/pkg/db"
)

// InsertBulk writes entities with one multi-row INSERT per batch and returns the rows affected.
// It stops at the first failing batch; earlier batches stay written unless the caller runs inside a transaction.
func (r *GenericRepository[T]) InsertBulk(ctx context.Context, entities []T, opts ...BulkOption) (int64, error) {
	cols := r.desc.insertable
	b := db.NewBuilder(r.desc.table)
	return r.runBatches(ctx, "insert_bulk", entities, cols, newBulkOptions(opts), func(rows int) string {
		return b.BuildInsert(cols, rows)
	})
}

// UpdateBulk sets updateFields (every updatable column when empty) on each entity, matched by primary key.
// Each batch is a single UPDATE selecting the new value per key.
func (r *GenericRepository[T]) UpdateBulk(ctx context.Context, entities []T, updateFields []string, opts ...BulkOption) (int64, error) {
	fields := r.desc.updatable
	if len(updateFields) > 0 {
		checked, err := r.checkColumns(updateFields)
		if err != nil {
			return 0, err
		}
		fields = checked
	}
	for _, f := range fields {
		if strings.EqualFold(f, r.desc.primaryKey) {
			return 0, invalidArgument("primary key %s cannot be an update field", r.desc.primaryKey)
		}
	}
	if len(fields) == 0 {
		return 0, invalidArgument("no fields to update")
	}

	pk := r.desc.primaryKey
	cols := append(append([]string(nil), fields...), pk)
	b := db.NewBuilder(r.desc.table).Typed(r.conn.Dialect(), r.desc.columnTypes(r.conn.Base().Dialector, fields))
	return r.runBatches(ctx, "update_bulk", entities, cols, newBulkOptions(opts), func(rows int) string {
		return b.BuildBulkUpdate(fields, pk, rows)
	})
}

// Upsert inserts entity, or updates updateFields of the row already holding its conflictTarget values.
// On MySQL an updated row counts as 2 affected rows and an unchanged one as 1.
func (r *GenericRepository[T]) Upsert(ctx context.Context, entity *T, conflictTarget []string, updateFields []string) (int64, error) {
	if entity == nil {
		return 0, invalidArgument("entity cannot be nil")
	}
	cols, statement, err := r.upsertStatement(conflictTarget, updateFields)
	if err != nil {
		return 0, err
	}
	params, err := rowParams(ctx, r.desc, []T{*entity}, cols)
	if err != nil {
		return 0, err
	}
	return r.exec(ctx, "upsert", statement(1), params)
}

// Merge upserts entities with one multi-row conditional INSERT per batch
func (r *GenericRepository[T]) Merge(ctx context.Context, entities []T, conflictTarget []string, updateFields []string, opts ...BulkOption) (int64, error) {
	cols, statement, err := r.upsertStatement(conflictTarget, updateFields)
	if err != nil {
		return 0, err
	}
	return r.runBatches(ctx, "merge", entities, cols, newBulkOptions(opts), statement)
}

// upsertStatement resolves the inserted columns and renders the statement for a given row count.
// Without updateFields every updatable column outside the conflict target is overwritten.
func (r *GenericRepository[T]) upsertStatement(conflictTarget, updateFields []string) ([]string, func(rows int) string, error) {
	if len(conflictTarget) == 0 {
		return nil, nil, invalidArgument("conflict target cannot be empty")
	}
	target, err := r.checkColumns(conflictTarget)
	if err != nil {
		return nil, nil, err
	}
	update, err := r.checkColumns(updateFields)
	if err != nil {
		return nil, nil, err
	}
	if len(updateFields) == 0 {
		inTarget := make(map[string]bool, len(target))
		for _, col := range target {
			inTarget[col] = true
		}
		for _, col := range r.desc.updatable {
			if !inTarget[col] {
				update = append(update, col)
			}
		}
	}

	cols := append([]string(nil), r.desc.insertable...)
	for _, col := range target {
		if !contains(cols, col) {
			if _, mapped := r.desc.fields[col]; mapped {
				cols = append(cols, col)
			}
		}
	}

	b := db.NewBuilder(r.desc.table)
	suffix := r.conn.Dialect().Upsert(target, update)
	return cols, func(rows int) string {
		return b.BuildInsert(cols, rows) + " " + suffix
	}, nil
}

// runBatches executes statement once per batch of entities, binding cols of each row.
// The context is checked between batches; each batch gets its own command timeout.
func (r *GenericRepository[T]) runBatches(ctx context.Context, op string, entities []T, cols []string, o bulkOptions, statement func(rows int) string) (int64, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	session, err := r.session(ctx)
	if err != nil {
		return 0, err
	}

	timeout := o.commandTimeout
	if timeout == 0 {
		timeout = r.timeout
	}

	var total int64
	for batch, offset := 0, 0; offset < len(entities); batch, offset = batch+1, offset+o.batchSize {
		end := min(offset+o.batchSize, len(entities))
		rows := entities[offset:end]
		fail := func(err error) (int64, error) {
			return total, &BatchError{Op: op, Batch: batch, Offset: offset, Size: len(rows), Affected: total, Err: err}
		}

		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		params, err := rowParams(ctx, r.desc, rows, cols)
		if err != nil {
			return fail(err)
		}
		affected, err := r.execBatch(ctx, session, statement(len(rows)), params, timeout)
		if err != nil {
			return fail(db.NewQueryError(op, r.desc.table, err))
		}
		total += affected

		r.log.WithFields(logrus.Fields{"op": op, "batch": batch, "rows": len(rows), "affected": affected}).Debug("batch executed")
	}
	return total, nil
}

func (r *GenericRepository[T]) execBatch(ctx context.Context, session *gorm.DB, query string, params db.Params, timeout time.Duration) (int64, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := r.conn.Executor().Exec(ctx, session, query, params)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
