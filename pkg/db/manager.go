package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewManager opens a pool for config, logging through log (logrus standard logger when nil)
func NewManager(config *Config, log logrus.FieldLogger) (*Manager, error) {
	if config == nil {
		return nil, &ConfigError{Field: "config", Message: "cannot be nil"}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	dsn, err := config.GetDSN()
	if err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch config.DriverName() {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		dialector = mysql.Open(dsn)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormLogger(log, config.Logging),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	return NewManagerWithDB(gormDB, config, log), nil
}

// NewManagerWithDB wraps an already opened gorm handle
func NewManagerWithDB(gormDB *gorm.DB, config *Config, log logrus.FieldLogger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		config:   config,
		db:       gormDB,
		dialect:  DialectFor(gormDB.Dialector.Name()),
		executor: NewExecutor(log, config.Logging),
		log:      log.WithField("component", "db"),
	}
}

// DB returns the GORM database instance
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// SqlDB returns the underlying sql.DB instance
func (m *Manager) SqlDB() (*sql.DB, error) {
	return m.db.DB()
}

// Config returns the manager's configuration
func (m *Manager) Config() *Config {
	return m.config
}

// Logger returns the manager's logger
func (m *Manager) Logger() logrus.FieldLogger {
	return m.log
}

// Session returns a pool-backed handle bound to ctx
func (m *Manager) Session(ctx context.Context) (*gorm.DB, error) {
	return m.db.WithContext(ctx), nil
}

// Base returns the pool handle
func (m *Manager) Base() *gorm.DB {
	return m.db
}

// Executor returns the statement executor
func (m *Manager) Executor() *Executor {
	return m.executor
}

// Dialect returns the dialect of the open pool
func (m *Manager) Dialect() Dialect {
	return m.dialect
}

// PinConn takes one connection out of the pool and returns a handle bound to it.
// The returned *sql.Conn must be closed to give the connection back.
func (m *Manager) PinConn(ctx context.Context) (*gorm.DB, *sql.Conn, error) {
	sqlDB, err := m.db.DB()
	if err != nil {
		return nil, nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return BindConnPool(ctx, m.db, conn), conn, nil
}

// BindConnPool returns a handle on base whose statements run on pool, e.g. a *sql.Conn or *sql.Tx.
// Setting a context forces gorm to clone the statement, so base is left untouched.
func BindConnPool(ctx context.Context, base *gorm.DB, pool gorm.ConnPool) *gorm.DB {
	if ctx == nil {
		ctx = context.Background()
	}
	session := base.Session(&gorm.Session{NewDB: true, Context: ctx})
	session.Statement.ConnPool = pool
	return session
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		sqlDB, err := m.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Ping tests the database connection
func (m *Manager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Stats returns database connection statistics
func (m *Manager) Stats() (sql.DBStats, error) {
	sqlDB, err := m.db.DB()
	if err != nil {
		return sql.DBStats{}, err
	}
	return sqlDB.Stats(), nil
}

// gormLogger routes gorm's own messages through log
func gormLogger(log logrus.FieldLogger, config LoggingConfig) logger.Interface {
	return logger.New(log, logger.Config{
		SlowThreshold:             config.SlowQueryThreshold,
		LogLevel:                  getLogLevel(config.Level),
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      !config.LogQueryParameters,
	})
}

func getLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug", "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent":
		return logger.Silent
	default:
		return logger.Error
	}
}
