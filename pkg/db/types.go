package db

import (
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Supported drivers
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config holds database configuration consumed by the Manager
type Config struct {
	// Driver selects the gorm dialector: mysql (default) or postgres
	Driver string `json:"driver" yaml:"driver"`

	// DSN, when set, is used verbatim and the connection fields below are ignored
	DSN string `json:"dsn" yaml:"dsn"`

	// Connection Settings
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	// Connection Pool Settings
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	// MySQL Specific Settings
	Charset   string `json:"charset" yaml:"charset"`     // Default: utf8mb4
	Collation string `json:"collation" yaml:"collation"` // Default: utf8mb4_unicode_ci
	TimeZone  string `json:"timezone" yaml:"timezone"`   // Default: UTC

	// Execution Settings
	QueryTimeout          time.Duration `json:"query_timeout" yaml:"query_timeout"`
	DefaultIsolationLevel string        `json:"default_isolation_level" yaml:"default_isolation_level"` // read_committed, repeatable_read, serializable

	// SSL Configuration
	SSL SSLConfig `json:"ssl" yaml:"ssl"`

	// Logging Configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// SSLConfig holds SSL/TLS configuration
type SSLConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CertFile   string `json:"cert_file" yaml:"cert_file"`
	KeyFile    string `json:"key_file" yaml:"key_file"`
	CAFile     string `json:"ca_file" yaml:"ca_file"`
	SkipVerify bool   `json:"skip_verify" yaml:"skip_verify"` // Skip certificate verification (not recommended for production)
	ServerName string `json:"server_name" yaml:"server_name"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	// General Logging
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text

	// Database Logging
	LogQueries         bool          `json:"log_queries" yaml:"log_queries"`
	LogSlowQueries     bool          `json:"log_slow_queries" yaml:"log_slow_queries"`
	SlowQueryThreshold time.Duration `json:"slow_query_threshold" yaml:"slow_query_threshold"`
	LogQueryParameters bool          `json:"log_query_parameters" yaml:"log_query_parameters"`
}

// Manager manages the connection pool and hands out sessions to repositories
type Manager struct {
	config   *Config
	db       *gorm.DB
	dialect  Dialect
	executor *Executor
	log      logrus.FieldLogger
}

// Params is a bag of named query parameters referenced as @name in SQL text
type Params map[string]any

// Merge returns a new Params holding p overlaid with other
func (p Params) Merge(other Params) Params {
	merged := make(Params, len(p)+len(other))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// PageRequest describes a page of a filtered, sorted result
type PageRequest struct {
	PageNumber     int               `json:"page_number"`
	PageSize       int               `json:"page_size"`
	SortBy         string            `json:"sort_by,omitempty"`
	SortDescending bool              `json:"sort_descending"`
	Filters        []FilterCondition `json:"filters,omitempty"`
}

// Offset returns the number of rows skipped before this page
func (r PageRequest) Offset() int {
	return (r.PageNumber - 1) * r.PageSize
}

// PageResult holds one page of items with pagination metadata
type PageResult[T any] struct {
	Items      []T   `json:"items"`
	TotalCount int64 `json:"total_count"`
	PageNumber int   `json:"page_number"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

// NewPageResult builds a PageResult, deriving TotalPages from the count
func NewPageResult[T any](items []T, totalCount int64, pageNumber, pageSize int) *PageResult[T] {
	if items == nil {
		items = make([]T, 0)
	}
	totalPages := 0
	if pageSize > 0 {
		totalPages = int((totalCount + int64(pageSize) - 1) / int64(pageSize))
	}
	return &PageResult[T]{
		Items:      items,
		TotalCount: totalCount,
		PageNumber: pageNumber,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}

// HasNext reports whether a page follows this one
func (p *PageResult[T]) HasNext() bool {
	return p.PageNumber < p.TotalPages
}

// QueryStats reports timing and plan information for a single query
type QueryStats struct {
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	RowsAffected    int64  `json:"rows_affected"`
	QueryPlan       string `json:"query_plan"`
	ResultCount     int    `json:"result_count"`
}
