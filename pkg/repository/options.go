package repository

import (
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ammar0144/repokit/pkg/cache"
)

// DefaultBatchSize is the number of rows per statement in bulk operations
const DefaultBatchSize = 1000

type options struct {
	table          string
	primaryKey     string
	cache          *cache.Service
	log            logrus.FieldLogger
	queryTimeout   time.Duration
	skipValidation bool
	isolation      sql.IsolationLevel
	isolationSet   bool
}

// Option configures a repository
type Option func(*options)

// WithTable overrides the table name
func WithTable(table string) Option {
	return func(o *options) {
		o.table = table
	}
}

// WithPrimaryKey overrides the primary key column
func WithPrimaryKey(column string) Option {
	return func(o *options) {
		o.primaryKey = column
	}
}

// WithCache sets the cache used by QueryCached. Repositories sharing a service share its entries.
func WithCache(service *cache.Service) Option {
	return func(o *options) {
		o.cache = service
	}
}

// WithLogger sets the repository logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithQueryTimeout bounds every statement; it overrides the connection's own timeout
func WithQueryTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.queryTimeout = timeout
	}
}

// WithIsolationLevel sets the level ExecuteInTransaction uses when a call passes none.
// Without it the connection's configured default applies.
func WithIsolationLevel(level sql.IsolationLevel) Option {
	return func(o *options) {
		o.isolation = level
		o.isolationSet = true
	}
}

// WithoutColumnValidation lets filter, sort and search identifiers through unchecked.
// Only use it when identifiers never come from user input.
func WithoutColumnValidation() Option {
	return func(o *options) {
		o.skipValidation = true
	}
}

type bulkOptions struct {
	batchSize      int
	commandTimeout time.Duration
}

// BulkOption configures a bulk operation
type BulkOption func(*bulkOptions)

// WithBatchSize sets the rows per statement; values below 1 keep the default
func WithBatchSize(size int) BulkOption {
	return func(o *bulkOptions) {
		if size > 0 {
			o.batchSize = size
		}
	}
}

// WithCommandTimeout bounds each batch statement
func WithCommandTimeout(timeout time.Duration) BulkOption {
	return func(o *bulkOptions) {
		o.commandTimeout = timeout
	}
}

func newBulkOptions(opts []BulkOption) bulkOptions {
	o := bulkOptions{batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
