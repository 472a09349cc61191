package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Conn hands repositories a session bound to a pool, a pinned connection or a transaction
type Conn interface {
	// Session returns the handle statements run on
	Session(ctx context.Context) (*gorm.DB, error)
	// Base returns an unbound handle used for schema metadata
	Base() *gorm.DB
	Executor() *Executor
	Dialect() Dialect
}

// QueryTimeouter is implemented by connections that carry a per-statement timeout
type QueryTimeouter interface {
	QueryTimeout() time.Duration
}

// Isolator is implemented by connections that carry a default transaction isolation level
type Isolator interface {
	DefaultIsolation() sql.IsolationLevel
}

// DefaultIsolation returns the configured isolation level, read committed when unset
func (m *Manager) DefaultIsolation() sql.IsolationLevel {
	if m.config == nil {
		return sql.LevelReadCommitted
	}
	return m.config.IsolationLevel()
}

// IsolationOf returns conn's default isolation level, or read committed when it carries none
func IsolationOf(conn Conn) sql.IsolationLevel {
	if i, ok := conn.(Isolator); ok {
		return i.DefaultIsolation()
	}
	return sql.LevelReadCommitted
}

// QueryTimeout returns the configured per-statement timeout
func (m *Manager) QueryTimeout() time.Duration {
	if m.config == nil {
		return 0
	}
	return m.config.QueryTimeout
}

// BeginTx opens a transaction on the pool with the given isolation level
func (m *Manager) BeginTx(ctx context.Context, isolation sql.IsolationLevel) (*gorm.DB, error) {
	tx := m.db.WithContext(ctx).Begin(&sql.TxOptions{Isolation: isolation})
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	return tx, nil
}

// SessionConn is a Conn whose statements all run on one handle, e.g. a transaction
type SessionConn struct {
	parent  Conn
	session *gorm.DB
}

// Bind returns a Conn that runs every statement on session and borrows the rest from parent
func Bind(parent Conn, session *gorm.DB) *SessionConn {
	return &SessionConn{parent: parent, session: session}
}

// Session returns the bound handle carrying ctx
func (c *SessionConn) Session(ctx context.Context) (*gorm.DB, error) {
	if c.session == nil {
		return nil, fmt.Errorf("session conn: %w", gorm.ErrInvalidDB)
	}
	return c.session.WithContext(ctx), nil
}

func (c *SessionConn) Base() *gorm.DB      { return c.parent.Base() }
func (c *SessionConn) Executor() *Executor { return c.parent.Executor() }
func (c *SessionConn) Dialect() Dialect    { return c.parent.Dialect() }

// QueryTimeout returns the parent's timeout, if it has one
func (c *SessionConn) QueryTimeout() time.Duration {
	if t, ok := c.parent.(QueryTimeouter); ok {
		return t.QueryTimeout()
	}
	return 0
}

func (c *SessionConn) DefaultIsolation() sql.IsolationLevel {
	return IsolationOf(c.parent)
}
