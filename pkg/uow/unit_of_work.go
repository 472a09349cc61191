// Package uow groups repository work on one connection and at most one transaction.
//
// A UnitOfWork pins a single connection on first use. Every repository it issues runs on that
// connection, or on the transaction once one is begun. Commit and Rollback end the unit; further
// use fails with ErrFinished and a fresh unit must be created.
//
// A unit is meant for one goroutine at a time. Its mutex only keeps state transitions consistent.
package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/ammar0144/repokit/pkg/cache"
	"github.com/ammar0144/repokit/pkg/db"
	"github.com/ammar0144/repokit/pkg/repository"
)

var (
	// ErrInvalidState is wrapped by every state-machine violation
	ErrInvalidState = errors.New("invalid unit of work state")

	ErrTransactionAlreadyStarted = fmt.Errorf("%w: transaction already started", ErrInvalidState)
	ErrNoTransaction             = fmt.Errorf("%w: no transaction to finish", ErrInvalidState)
	ErrFinished                  = fmt.Errorf("%w: unit of work is finished", ErrInvalidState)
	ErrExternallyOwned           = fmt.Errorf("%w: transaction is owned by the caller", ErrInvalidState)
)

// State of a UnitOfWork
type State int

const (
	Idle State = iota
	TransactionOpen
	Enlisted
	Committed
	RolledBack
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TransactionOpen:
		return "transaction_open"
	case Enlisted:
		return "enlisted"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool {
	return s == Committed || s == RolledBack || s == Closed
}

// Provider supplies the pool a unit pins its connection from; *db.Manager satisfies it
type Provider interface {
	db.Conn
	PinConn(ctx context.Context) (*gorm.DB, *sql.Conn, error)
}

type repoKey struct {
	typ   reflect.Type
	table string
}

// UnitOfWork owns one pinned connection, at most one transaction and the repositories bound to them
type UnitOfWork struct {
	mu sync.Mutex

	id       uuid.UUID
	name     string
	provider Provider
	cache    *cache.Service
	log      logrus.FieldLogger

	isolation    sql.IsolationLevel
	isolationSet bool

	state  State
	conn   *sql.Conn
	pinned *gorm.DB
	tx     *gorm.DB
	repos  map[repoKey]any
}

// Option configures a UnitOfWork
type Option func(*UnitOfWork)

// WithName labels the unit in logs
func WithName(name string) Option {
	return func(u *UnitOfWork) {
		u.name = name
	}
}

// WithLogger sets the unit's logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(u *UnitOfWork) {
		if log != nil {
			u.log = log
		}
	}
}

// WithIsolationLevel sets the level BeginTransaction uses when a call passes none.
// Without it the provider's configured default applies.
func WithIsolationLevel(level sql.IsolationLevel) Option {
	return func(u *UnitOfWork) {
		u.isolation = level
		u.isolationSet = true
	}
}

// WithCache hands the cache service to every repository the unit issues
func WithCache(service *cache.Service) Option {
	return func(u *UnitOfWork) {
		u.cache = service
	}
}

// New creates an idle unit on provider. No connection is taken until first use.
func New(provider Provider, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		id:       uuid.New(),
		provider: provider,
		log:      logrus.StandardLogger(),
		repos:    make(map[repoKey]any),
	}
	for _, opt := range opts {
		opt(u)
	}
	fields := logrus.Fields{"component": "uow", "uow": u.id.String()}
	if u.name != "" {
		fields["uow_name"] = u.name
	}
	u.log = u.log.WithFields(fields)
	return u
}

// Named creates a unit carrying name for log correlation
func Named(provider Provider, name string, opts ...Option) *UnitOfWork {
	return New(provider, append([]Option{WithName(name)}, opts...)...)
}

// ID returns the unit's unique id
func (u *UnitOfWork) ID() uuid.UUID {
	return u.id
}

// Name returns the unit's name, empty for unnamed units
func (u *UnitOfWork) Name() string {
	return u.name
}

// State returns the current state
func (u *UnitOfWork) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// pin takes the unit's connection from the pool if it has none yet; the caller holds mu
func (u *UnitOfWork) pin(ctx context.Context) error {
	if u.pinned != nil {
		return nil
	}
	pinned, conn, err := u.provider.PinConn(ctx)
	if err != nil {
		return err
	}
	u.pinned, u.conn = pinned, conn
	u.log.Debug("connection pinned")
	return nil
}

// Session returns the handle repositories run on: the transaction when one is open, the pinned connection otherwise
func (u *UnitOfWork) Session(ctx context.Context) (*gorm.DB, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state.terminal() {
		return nil, ErrFinished
	}
	if u.tx != nil {
		return u.tx.WithContext(ctx), nil
	}
	if err := u.pin(ctx); err != nil {
		return nil, err
	}
	return u.pinned.WithContext(ctx), nil
}

// Base returns the provider's unbound handle
func (u *UnitOfWork) Base() *gorm.DB {
	return u.provider.Base()
}

// Executor returns the provider's executor
func (u *UnitOfWork) Executor() *db.Executor {
	return u.provider.Executor()
}

// Dialect returns the provider's dialect
func (u *UnitOfWork) Dialect() db.Dialect {
	return u.provider.Dialect()
}

// DefaultIsolation returns the level set by WithIsolationLevel, else the provider's default.
// Repositories issued by the unit inherit it.
func (u *UnitOfWork) DefaultIsolation() sql.IsolationLevel {
	if u.isolationSet {
		return u.isolation
	}
	return db.IsolationOf(u.provider)
}

// QueryTimeout returns the provider's statement timeout
func (u *UnitOfWork) QueryTimeout() time.Duration {
	if t, ok := u.provider.(db.QueryTimeouter); ok {
		return t.QueryTimeout()
	}
	return 0
}

// BeginTransaction opens a transaction on the pinned connection, at the unit's default level when none is given.
// ctx must stay alive until Commit or Rollback; cancelling it rolls the transaction back.
func (u *UnitOfWork) BeginTransaction(ctx context.Context, isolation ...sql.IsolationLevel) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case u.state.terminal():
		return ErrFinished
	case u.state != Idle:
		return ErrTransactionAlreadyStarted
	}

	level := u.DefaultIsolation()
	if len(isolation) > 0 {
		level = isolation[0]
	}
	if err := u.pin(ctx); err != nil {
		return err
	}
	tx := u.pinned.WithContext(ctx).Begin(&sql.TxOptions{Isolation: level})
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	u.tx = tx
	u.state = TransactionOpen
	u.log.WithField("isolation", level.String()).Debug("transaction started")
	return nil
}

// EnlistTransaction runs the unit's repositories on a transaction the caller owns.
// The caller commits or rolls it back; Commit and Rollback on the unit return ErrExternallyOwned.
func (u *UnitOfWork) EnlistTransaction(tx *sql.Tx) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidState)
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case u.state.terminal():
		return ErrFinished
	case u.state != Idle:
		return ErrTransactionAlreadyStarted
	}
	u.tx = db.BindConnPool(context.Background(), u.provider.Base(), tx)
	u.state = Enlisted
	u.log.Debug("enlisted in external transaction")
	return nil
}

// Commit commits the transaction and releases the connection. The unit cannot be used afterwards.
func (u *UnitOfWork) Commit() error {
	return u.finish(Committed, func(tx *gorm.DB) error { return tx.Commit().Error })
}

// Rollback rolls the transaction back and releases the connection. The unit cannot be used afterwards.
func (u *UnitOfWork) Rollback() error {
	return u.finish(RolledBack, func(tx *gorm.DB) error { return tx.Rollback().Error })
}

func (u *UnitOfWork) finish(to State, end func(*gorm.DB) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case TransactionOpen:
	case Enlisted:
		return ErrExternallyOwned
	default:
		return ErrNoTransaction
	}

	err := end(u.tx)
	u.tx = nil
	u.state = to
	if releaseErr := u.release(); err == nil {
		err = releaseErr
	}
	u.log.WithField("state", to.String()).Debug("transaction finished")
	if err != nil {
		return fmt.Errorf("%s: %w", to, err)
	}
	return nil
}

// release gives the pinned connection back to the pool; the caller holds mu
func (u *UnitOfWork) release() error {
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn, u.pinned = nil, nil
	return err
}

// Close rolls back an open transaction and releases the connection. It is safe to call more than once.
func (u *UnitOfWork) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	var err error
	if u.state == TransactionOpen && u.tx != nil {
		err = u.tx.Rollback().Error
		u.state = RolledBack
		u.log.Warn("open transaction rolled back on close")
	}
	u.tx = nil
	if releaseErr := u.release(); err == nil {
		err = releaseErr
	}
	if !u.state.terminal() {
		u.state = Closed
	}
	return err
}

// Repository returns the unit's repository for T, creating it on first request.
// Without tableName the table follows the entity's default naming.
func Repository[T any](u *UnitOfWork, tableName ...string) (*repository.GenericRepository[T], error) {
	table := ""
	if len(tableName) > 0 {
		table = tableName[0]
	}
	key := repoKey{typ: reflect.TypeOf((*T)(nil)).Elem(), table: table}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state.terminal() {
		return nil, ErrFinished
	}
	if repo, ok := u.repos[key]; ok {
		return repo.(*repository.GenericRepository[T]), nil
	}

	opts := []repository.Option{repository.WithLogger(u.log)}
	if table != "" {
		opts = append(opts, repository.WithTable(table))
	}
	if u.cache != nil {
		opts = append(opts, repository.WithCache(u.cache))
	}
	repo, err := repository.NewRepository[T](u, opts...)
	if err != nil {
		return nil, err
	}
	u.repos[key] = repo
	u.repos[repoKey{typ: key.typ, table: repo.TableName()}] = repo
	return repo, nil
}
