package uow

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ammar0144/repokit/pkg/cache"
	"github.com/ammar0144/repokit/pkg/db"
)

type User struct {
	ID   int64  `gorm:"primaryKey;column:id"`
	Name string `gorm:"column:name"`
}

var (
	updateUser = "^" + regexp.QuoteMeta("UPDATE users SET name = ? WHERE id = ?") + "$"
	deleteUser = "^" + regexp.QuoteMeta("DELETE FROM users WHERE id = ?") + "$"
)

func newTestUnit(t *testing.T, opts ...Option) (*UnitOfWork, *db.Manager, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	m := db.NewManagerWithDB(gormDB, nil, log)

	opts = append([]Option{WithLogger(log), WithCache(cache.NewMemoryService())}, opts...)
	return New(m, opts...), m, mock
}

func TestUnitOfWork_CommitFinishesUnit(t *testing.T) {
	u, _, mock := newTestUnit(t)
	ctx := context.Background()
	assert.Equal(t, Idle, u.State())

	mock.ExpectBegin()
	mock.ExpectExec(updateUser).WithArgs("ann", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, u.BeginTransaction(ctx))
	assert.Equal(t, TransactionOpen, u.State())

	users, err := Repository[User](u)
	require.NoError(t, err)
	ok, err := users.Update(ctx, &User{ID: 1, Name: "ann"})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, u.Commit())
	assert.Equal(t, Committed, u.State())
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = users.GetByID(ctx, 1)
	assert.ErrorIs(t, err, ErrFinished)

	_, err = Repository[User](u)
	assert.ErrorIs(t, err, ErrFinished)

	err = u.Commit()
	assert.ErrorIs(t, err, ErrNoTransaction)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.NoError(t, u.Close())
	assert.Equal(t, Committed, u.State(), "close keeps the terminal state")
}

func TestUnitOfWork_RollbackFinishesUnit(t *testing.T) {
	u, _, mock := newTestUnit(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(deleteUser).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	require.NoError(t, u.BeginTransaction(ctx))
	users, err := Repository[User](u)
	require.NoError(t, err)
	_, err = users.Delete(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, u.Rollback())
	assert.Equal(t, RolledBack, u.State())
	assert.ErrorIs(t, u.BeginTransaction(ctx), ErrFinished)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_DoubleBegin(t *testing.T) {
	u, _, mock := newTestUnit(t)
	ctx := context.Background()

	mock.ExpectBegin()
	require.NoError(t, u.BeginTransaction(ctx))
	assert.ErrorIs(t, u.BeginTransaction(ctx), ErrTransactionAlreadyStarted)
	assert.Equal(t, TransactionOpen, u.State())

	mock.ExpectRollback()
	require.NoError(t, u.Close())
	assert.Equal(t, RolledBack, u.State())
	assert.NoError(t, u.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_CommitWithoutTransaction(t *testing.T) {
	u, _, mock := newTestUnit(t)

	assert.ErrorIs(t, u.Commit(), ErrNoTransaction)
	assert.ErrorIs(t, u.Rollback(), ErrNoTransaction)
	assert.Equal(t, Idle, u.State())

	require.NoError(t, u.Close())
	assert.Equal(t, Closed, u.State())
	assert.ErrorIs(t, u.BeginTransaction(context.Background()), ErrFinished)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_WorkWithoutTransaction(t *testing.T) {
	u, _, mock := newTestUnit(t)
	ctx := context.Background()

	mock.ExpectExec(deleteUser).WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(deleteUser).WithArgs(4).WillReturnResult(sqlmock.NewResult(0, 0))

	users, err := Repository[User](u)
	require.NoError(t, err)

	ok, err := users.Delete(ctx, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = users.Delete(ctx, 4)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Idle, u.State())

	require.NoError(t, u.Close())
	assert.Equal(t, Closed, u.State())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_EnlistTransaction(t *testing.T) {
	u, m, mock := newTestUnit(t)
	ctx := context.Background()

	assert.ErrorIs(t, u.EnlistTransaction(nil), ErrInvalidState)

	sqlDB, err := m.SqlDB()
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(deleteUser).WithArgs(7).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := sqlDB.Begin()
	require.NoError(t, err)
	require.NoError(t, u.EnlistTransaction(tx))
	assert.Equal(t, Enlisted, u.State())
	assert.ErrorIs(t, u.BeginTransaction(ctx), ErrTransactionAlreadyStarted)

	users, err := Repository[User](u)
	require.NoError(t, err)
	_, err = users.Delete(ctx, 7)
	require.NoError(t, err)

	assert.ErrorIs(t, u.Commit(), ErrExternallyOwned)
	assert.ErrorIs(t, u.Rollback(), ErrExternallyOwned)

	require.NoError(t, tx.Commit())
	require.NoError(t, u.Close())
	assert.Equal(t, Closed, u.State())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Memoized(t *testing.T) {
	u, _, _ := newTestUnit(t)

	first, err := Repository[User](u)
	require.NoError(t, err)
	second, err := Repository[User](u)
	require.NoError(t, err)
	assert.Same(t, first, second)

	byTable, err := Repository[User](u, "users")
	require.NoError(t, err)
	assert.Same(t, first, byTable, "explicit default table resolves to the same repository")

	archived, err := Repository[User](u, "archived_users")
	require.NoError(t, err)
	assert.NotSame(t, first, archived)
	assert.Equal(t, "archived_users", archived.TableName())
}

func TestUnitOfWork_Identity(t *testing.T) {
	u, m, _ := newTestUnit(t)
	assert.NotEqual(t, u.ID(), New(m).ID())
	assert.Empty(t, u.Name())

	named := Named(m, "checkout")
	assert.Equal(t, "checkout", named.Name())
	assert.Equal(t, m.Dialect(), named.Dialect())
	assert.Equal(t, m.QueryTimeout(), named.QueryTimeout())
}

func TestUnitOfWork_DefaultIsolation(t *testing.T) {
	u, m, _ := newTestUnit(t)
	assert.Equal(t, sql.LevelReadCommitted, u.DefaultIsolation())

	m.Config().DefaultIsolationLevel = "serializable"
	assert.Equal(t, sql.LevelSerializable, u.DefaultIsolation())

	users, err := Repository[User](u)
	require.NoError(t, err)
	assert.Equal(t, sql.LevelSerializable, users.IsolationLevel(), "issued repositories inherit the unit's level")

	pinned := New(m, WithIsolationLevel(sql.LevelRepeatableRead))
	assert.Equal(t, sql.LevelRepeatableRead, pinned.DefaultIsolation())
}

func TestUnitOfWork_PinFailure(t *testing.T) {
	u, m, _ := newTestUnit(t)
	sqlDB, err := m.SqlDB()
	require.NoError(t, err)
	_ = sqlDB.Close()

	_, err = u.Session(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, Idle, u.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "transaction_open", TransactionOpen.String())
	assert.Equal(t, "rolled_back", RolledBack.String())
	assert.Equal(t, "state(42)", State(42).String())
}
