package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/ammar0144/repokit/pkg/db"
)

// Repository defines the generic repository interface.
// Joins and DTO mapping need extra type parameters and live in QueryJoin, QueryJoin3, QueryJoin4 and QueryAs.
type Repository[T any] interface {
	// Metadata
	TableName() string
	PrimaryKey() string

	// Queries
	GetByID(ctx context.Context, id any) (*T, error)
	GetAll(ctx context.Context) ([]T, error)
	Count(ctx context.Context) (int64, error)
	GetPaged(ctx context.Context, pageNumber, pageSize int, orderBy ...string) (*db.PageResult[T], error)
	GetPagedAdvanced(ctx context.Context, request db.PageRequest) (*db.PageResult[T], error)
	Where(ctx context.Context, conditions ...db.FilterCondition) ([]T, error)
	GetByConditions(ctx context.Context, group db.ConditionGroup, orderBy ...string) ([]T, error)
	Search(ctx context.Context, term string, columns ...string) ([]T, error)
	FullTextSearch(ctx context.Context, term string, columns ...string) ([]T, error)
	QueryWhere(ctx context.Context, whereClause string, params db.Params) ([]T, error)

	// Commands
	Insert(ctx context.Context, entity *T) (int64, error)
	InsertWithOutput(ctx context.Context, entity *T) (*T, error)
	Update(ctx context.Context, entity *T) (bool, error)
	Delete(ctx context.Context, id any) (bool, error)

	// Batch Operations
	InsertBulk(ctx context.Context, entities []T, opts ...BulkOption) (int64, error)
	UpdateBulk(ctx context.Context, entities []T, updateFields []string, opts ...BulkOption) (int64, error)
	Upsert(ctx context.Context, entity *T, conflictTarget []string, updateFields []string) (int64, error)
	Merge(ctx context.Context, entities []T, conflictTarget []string, updateFields []string, opts ...BulkOption) (int64, error)

	// Raw SQL
	ExecuteStoredProcedure(ctx context.Context, name string, args ...sql.NamedArg) ([]T, error)
	QueryRaw(ctx context.Context, query string, params db.Params) ([]T, error)
	QueryFirstOrDefault(ctx context.Context, query string, params db.Params) (*T, error)
	Execute(ctx context.Context, query string, params db.Params) (int64, error)
	QueryMultiple(ctx context.Context, query string, params db.Params) (*db.GridReader, error)
	Each(ctx context.Context, query string, params db.Params, fn func(*T) error) error
	GetQueryStats(ctx context.Context, query string, params db.Params) (*db.QueryStats, error)

	// Cache Management
	QueryCached(ctx context.Context, cacheKey, query string, params db.Params, expiration ...time.Duration) ([]T, error)
	ClearCache(ctx context.Context) error
}
