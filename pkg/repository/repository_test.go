package repository

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
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ammar0144/repokit/pkg/cache"
	"github.com/ammar0144/repokit/pkg/db"
)

type User struct {
	ID    int64  `gorm:"primaryKey;column:id"`
	Name  string `gorm:"column:name"`
	Email string `gorm:"column:email"`
	Age   int    `gorm:"column:age"`
}

type legacyAccount struct {
	Code  string
	Owner string
}

func (legacyAccount) TableName() string  { return "accounts" }
func (legacyAccount) PrimaryKey() string { return "code" }

var userColumns = []string{"id", "name", "email", "age"}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newMockManager(t *testing.T) (*db.Manager, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	require.NoError(t, err)
	return db.NewManagerWithDB(gormDB, nil, quietLogger()), mock
}

func newUserRepo(t *testing.T, opts ...Option) (*GenericRepository[User], sqlmock.Sqlmock) {
	t.Helper()
	m, mock := newMockManager(t)
	opts = append([]Option{WithLogger(quietLogger()), WithCache(cache.NewMemoryService())}, opts...)
	repo, err := NewRepository[User](m, opts...)
	require.NoError(t, err)
	return repo, mock
}

func q(query string) string {
	return "^" + regexp.QuoteMeta(query) + "$"
}

func TestNewRepository_Metadata(t *testing.T) {
	m, _ := newMockManager(t)

	repo, err := NewRepository[User](m)
	require.NoError(t, err)
	assert.Equal(t, "users", repo.TableName())
	assert.Equal(t, "id", repo.PrimaryKey())
	assert.Equal(t, userColumns, repo.Columns())
	assert.NotNil(t, repo.Cache())

	people, err := NewRepository[User](m, WithTable("people"))
	require.NoError(t, err)
	assert.Equal(t, "people", people.TableName())

	accounts, err := NewRepository[legacyAccount](m)
	require.NoError(t, err)
	assert.Equal(t, "accounts", accounts.TableName())
	assert.Equal(t, "code", accounts.PrimaryKey())

	_, err = NewRepository[int](m)
	assert.ErrorIs(t, err, db.ErrConfiguration)

	_, err = NewRepository[User](nil)
	assert.ErrorIs(t, err, db.ErrConfiguration)
}

func TestGetByID(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(q("SELECT * FROM users WHERE id = ?")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(int64(1), "ann", "ann@example.com", int64(30)))

	user, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, &User{ID: 1, Name: "ann", Email: "ann@example.com", Age: 30}, user)

	mock.ExpectQuery(q("SELECT * FROM users WHERE id = ?")).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows(userColumns))

	user, err = repo.GetByID(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, user)

	_, err = repo.GetByID(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAllAndCount(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(q("SELECT * FROM users")).
		WillReturnRows(sqlmock.NewRows(userColumns))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(5)))

	users, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.NotNil(t, users)
	assert.Empty(t, users)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_StoresGeneratedKey(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectExec(q("INSERT INTO users (name, email, age) VALUES (?, ?, ?)")).
		WithArgs("ann", "ann@example.com", 30).
		WillReturnResult(sqlmock.NewResult(42, 1))

	user := &User{Name: "ann", Email: "ann@example.com", Age: 30}
	id, err := repo.Insert(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, int64(42), user.ID)

	_, err = repo.Insert(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_CallerAssignedKey(t *testing.T) {
	m, mock := newMockManager(t)
	accounts, err := NewRepository[legacyAccount](m, WithLogger(quietLogger()))
	require.NoError(t, err)

	mock.ExpectExec(q("INSERT INTO accounts (code, owner) VALUES (?, ?)")).
		WithArgs("A-7", "ann").
		WillReturnResult(sqlmock.NewResult(0, 1))
	_, err = accounts.Insert(context.Background(), &legacyAccount{Code: "A-7", Owner: "ann"})
	require.NoError(t, err)

	unmapped, err := NewRepository[legacyAccount](m, WithLogger(quietLogger()), WithPrimaryKey("account_no"))
	require.NoError(t, err)
	_, err = unmapped.Insert(context.Background(), &legacyAccount{Code: "A-8", Owner: "bob"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.NoError(t, mock.ExpectationsWereMet(), "nothing is written when the key cannot be read")
}

func TestInsertWithOutput_ReadsBack(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectExec(q("INSERT INTO users (name, email, age) VALUES (?, ?, ?)")).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectQuery(q("SELECT * FROM users WHERE id = ?")).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(int64(7), "ann", "ann@example.com", int64(18)))

	stored, err := repo.InsertWithOutput(context.Background(), &User{Name: "ann", Email: "ann@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.ID)
	assert.Equal(t, 18, stored.Age)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAndDelete(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()

	update := q("UPDATE users SET name = ?, email = ?, age = ? WHERE id = ?")
	mock.ExpectExec(update).WithArgs("ann", "ann@example.com", 31, 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Update(ctx, &User{ID: 1, Name: "ann", Email: "ann@example.com", Age: 31})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Update(ctx, &User{ID: 99})
	require.NoError(t, err)
	assert.False(t, ok)

	del := q("DELETE FROM users WHERE id = ?")
	mock.ExpectExec(del).WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(del).WithArgs(99).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = repo.Delete(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Delete(ctx, 99)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_ClassifiesDriverError(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectExec("DELETE FROM users").WillReturnError(errors.New("foreign key"))

	_, err := repo.Delete(context.Background(), 1)
	var qe *db.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "delete", qe.Op)
}

func TestGetPaged_SingleRoundTrip(t *testing.T) {
	repo, mock := newUserRepo(t)

	rows := sqlmock.NewRows(userColumns)
	for i := 11; i <= 20; i++ {
		rows.AddRow(int64(i), "user", "user@example.com", int64(20))
	}
	count := sqlmock.NewRows([]string{"count"}).AddRow(int64(25))
	mock.ExpectQuery(q("SELECT * FROM users ORDER BY id ASC LIMIT ? OFFSET ?; SELECT COUNT(*) FROM users")).
		WithArgs(10, 10).
		WillReturnRows(rows, count)

	page, err := repo.GetPaged(context.Background(), 2, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 10)
	assert.Equal(t, int64(11), page.Items[0].ID)
	assert.Equal(t, int64(25), page.TotalCount)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 2, page.PageNumber)
	assert.True(t, page.HasNext())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPaged_WalkingAllPagesMatchesGetAll(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()
	const total, pageSize = 25, 10

	tableRows := func(from, to int) *sqlmock.Rows {
		rows := sqlmock.NewRows(userColumns)
		for id := from; id <= to; id++ {
			rows.AddRow(int64(id), "user", "user@example.com", int64(20))
		}
		return rows
	}

	mock.ExpectQuery(q("SELECT * FROM users")).WillReturnRows(tableRows(1, total))
	for offset := 0; offset < total; offset += pageSize {
		last := min(offset+pageSize, total)
		mock.ExpectQuery(q("SELECT * FROM users ORDER BY id ASC LIMIT ? OFFSET ?; SELECT COUNT(*) FROM users")).
			WithArgs(pageSize, offset).
			WillReturnRows(tableRows(offset+1, last), sqlmock.NewRows([]string{"count"}).AddRow(int64(total)))
	}

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)

	var walked []User
	seen := make(map[int64]bool)
	var lastPage *db.PageResult[User]
	for pageNumber := 1; ; pageNumber++ {
		page, err := repo.GetPaged(ctx, pageNumber, pageSize)
		require.NoError(t, err)
		for _, u := range page.Items {
			assert.False(t, seen[u.ID], "id %d returned twice", u.ID)
			seen[u.ID] = true
		}
		walked = append(walked, page.Items...)
		lastPage = page
		if pageNumber >= page.TotalPages {
			break
		}
	}

	assert.Equal(t, 3, lastPage.TotalPages)
	assert.Len(t, lastPage.Items, 5)
	assert.False(t, lastPage.HasNext())
	assert.Equal(t, all, walked)
	assert.Len(t, seen, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPaged_RejectsBadInput(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()

	_, err := repo.GetPaged(ctx, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = repo.GetPaged(ctx, 1, 10, "name; DROP TABLE users")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = repo.GetPaged(ctx, 1, 10, "password DESC")
	assert.ErrorIs(t, err, ErrUnknownColumn)

	_, err = repo.GetPaged(ctx, 1, 10, "name sideways")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.NoError(t, mock.ExpectationsWereMet(), "nothing reaches the database")
}

func TestGetPagedAdvanced_Filters(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectQuery(q("SELECT * FROM users WHERE age > ? ORDER BY name DESC LIMIT ? OFFSET ?; SELECT COUNT(*) FROM users WHERE age > ?")).
		WithArgs(18, 5, 0, 18).
		WillReturnRows(sqlmock.NewRows(userColumns), sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

	page, err := repo.GetPagedAdvanced(context.Background(), db.PageRequest{
		PageNumber:     1,
		PageSize:       5,
		SortBy:         "Name",
		SortDescending: true,
		Filters:        []db.FilterCondition{{Field: "Age", Operator: db.GreaterThan, Value: 18}},
	})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 0, page.TotalPages)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWhere(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(q("SELECT * FROM users WHERE name = ? AND users.age > ?")).
		WithArgs("ann", 18).
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(int64(1), "ann", "ann@example.com", int64(30)))

	users, err := repo.Where(ctx,
		db.FilterCondition{Field: "Name", Operator: "=", Value: "ann"},
		db.FilterCondition{Field: "users.age", Operator: db.GreaterThan, Value: 18})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "ann", users[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWhere_RejectsUnknownIdentifiers(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()

	_, err := repo.Where(ctx, db.FilterCondition{Field: "password", Operator: db.Equal, Value: "x"})
	assert.ErrorIs(t, err, ErrUnknownColumn)

	_, err = repo.Where(ctx, db.FilterCondition{Field: "orders.name", Operator: db.Equal, Value: "x"})
	assert.ErrorIs(t, err, ErrUnknownColumn)

	_, err = repo.Where(ctx, db.FilterCondition{Field: "name", Operator: "= 1 OR 1 =", Value: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
	assert.NoError(t, mock.ExpectationsWereMet(), "nothing reaches the database")
}

func TestWhere_WithoutColumnValidation(t *testing.T) {
	repo, mock := newUserRepo(t, WithoutColumnValidation())

	mock.ExpectQuery(q("SELECT * FROM users WHERE lower(name) = ?")).
		WithArgs("ann").
		WillReturnRows(sqlmock.NewRows(userColumns))

	_, err := repo.Where(context.Background(), db.FilterCondition{Field: "lower(name)", Operator: db.Equal, Value: "ann"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByConditions(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(q("SELECT * FROM users WHERE name = ? OR name = ? ORDER BY name DESC")).
		WithArgs("ann", "bob").
		WillReturnRows(sqlmock.NewRows(userColumns))

	_, err := repo.GetByConditions(ctx, db.ConditionGroup{
		Conditions: []db.FilterCondition{
			{Field: "name", Operator: db.Equal, Value: "ann"},
			{Field: "name", Operator: db.Equal, Value: "bob"},
		},
		LogicalOperator: "or",
	}, "name desc")
	require.NoError(t, err)

	_, err = repo.GetByConditions(ctx, db.ConditionGroup{
		Conditions:      []db.FilterCondition{{Field: "name", Operator: db.Equal, Value: "ann"}},
		LogicalOperator: "XOR",
	})
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearch(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(q("SELECT * FROM users WHERE name LIKE ? OR email LIKE ?")).
		WithArgs("%an%", "%an%").
		WillReturnRows(sqlmock.NewRows(userColumns))

	_, err := repo.Search(ctx, "an", "name", "Email")
	require.NoError(t, err)

	_, err = repo.Search(ctx, "an")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFullTextSearch(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(q("SELECT * FROM users WHERE MATCH(name, email) AGAINST(? IN NATURAL LANGUAGE MODE)")).
		WithArgs("ann smith").
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(int64(1), "ann smith", "ann@example.com", int64(30)))

	users, err := repo.FullTextSearch(ctx, "ann smith", "Name", "email")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "ann smith", users[0].Name)

	_, err = repo.FullTextSearch(ctx, "ann", "bio")
	assert.ErrorIs(t, err, ErrUnknownColumn)
	_, err = repo.FullTextSearch(ctx, "  ", "name")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = repo.FullTextSearch(ctx, "ann")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryWhere(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(q("SELECT * FROM users WHERE age BETWEEN ? AND ?")).
		WithArgs(18, 30).
		WillReturnRows(sqlmock.NewRows(userColumns))

	_, err := repo.QueryWhere(ctx, "age BETWEEN @lo AND @hi", db.Params{"lo": 18, "hi": 30})
	require.NoError(t, err)

	_, err = repo.QueryWhere(ctx, "  ", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteInTransaction_Commits(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM users WHERE id = ?")).WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.ExecuteInTransaction(context.Background(), func(ctx context.Context, tx *GenericRepository[User]) error {
		_, err := tx.Delete(ctx, 1)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteInTransaction_RollsBackOnError(t *testing.T) {
	repo, mock := newUserRepo(t)
	abort := errors.New("abort")

	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM users WHERE id = ?")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := repo.ExecuteInTransaction(context.Background(), func(ctx context.Context, tx *GenericRepository[User]) error {
		if _, err := tx.Delete(ctx, 1); err != nil {
			return err
		}
		return abort
	}, sql.LevelSerializable)
	assert.ErrorIs(t, err, abort)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// beginRecorder is a pool that remembers the options of every transaction it begins
type beginRecorder struct {
	*sql.DB
	levels []sql.IsolationLevel
}

func (b *beginRecorder) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if opts != nil {
		b.levels = append(b.levels, opts.Isolation)
	}
	return b.DB.BeginTx(ctx, opts)
}

func (b *beginRecorder) GetDBConn() (*sql.DB, error) { return b.DB, nil }

func TestExecuteInTransaction_UsesConfiguredIsolation(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	pool := &beginRecorder{DB: sqlDB}

	gormDB, err := gorm.Open(mysql.New(mysql.Config{Conn: pool, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	require.NoError(t, err)

	config := db.DefaultConfig()
	config.DefaultIsolationLevel = "serializable"
	m := db.NewManagerWithDB(gormDB, config, quietLogger())
	noop := func(context.Context, *GenericRepository[User]) error { return nil }

	configured, err := NewRepository[User](m, WithLogger(quietLogger()))
	require.NoError(t, err)
	overridden, err := NewRepository[User](m, WithLogger(quietLogger()), WithIsolationLevel(sql.LevelRepeatableRead))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}
	require.NoError(t, configured.ExecuteInTransaction(context.Background(), noop))
	require.NoError(t, overridden.ExecuteInTransaction(context.Background(), noop))
	require.NoError(t, configured.ExecuteInTransaction(context.Background(), noop, sql.LevelReadUncommitted))

	assert.Equal(t, []sql.IsolationLevel{sql.LevelSerializable, sql.LevelRepeatableRead, sql.LevelReadUncommitted}, pool.levels)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueryStats(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()

	mock.ExpectQuery(q("SELECT * FROM users")).
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow(int64(1), "ann", "a@example.com", int64(1)).
			AddRow(int64(2), "bob", "b@example.com", int64(2)))
	mock.ExpectQuery(q("EXPLAIN FORMAT=JSON SELECT * FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"EXPLAIN"}).AddRow(`{"query_block":{"select_id":1}}`))

	stats, err := repo.GetQueryStats(ctx, "SELECT * FROM users", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ResultCount)
	assert.Equal(t, int64(2), stats.RowsAffected)
	assert.Equal(t, `{"query_block":{"select_id":1}}`, stats.QueryPlan)
	assert.GreaterOrEqual(t, stats.ExecutionTimeMs, int64(0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueryStats_PlanUnavailable(t *testing.T) {
	repo, mock := newUserRepo(t)

	mock.ExpectQuery(q("SELECT * FROM users")).WillReturnRows(sqlmock.NewRows(userColumns))
	mock.ExpectQuery("^EXPLAIN").WillReturnError(errors.New("command denied"))

	stats, err := repo.GetQueryStats(context.Background(), "SELECT * FROM users", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ResultCount)
	assert.Equal(t, PlanNotAvailable, stats.QueryPlan)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQueryStats_FailedPlanKeepsPostgresTransaction(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Discard,
	})
	require.NoError(t, err)
	repo, err := NewRepository[User](db.NewManagerWithDB(gormDB, nil, quietLogger()), WithLogger(quietLogger()))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT * FROM users WHERE age > $1")).WithArgs(18).WillReturnRows(sqlmock.NewRows(userColumns))
	mock.ExpectExec(q("SAVEPOINT repokit_explain")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("EXPLAIN (FORMAT JSON) SELECT * FROM users WHERE age > $1")).WillReturnError(errors.New("permission denied"))
	mock.ExpectExec(q("ROLLBACK TO SAVEPOINT repokit_explain")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("DELETE FROM users WHERE id = $1")).WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = repo.ExecuteInTransaction(context.Background(), func(ctx context.Context, tx *GenericRepository[User]) error {
		stats, err := tx.GetQueryStats(ctx, "SELECT * FROM users WHERE age > @age", db.Params{"age": 18})
		if err != nil {
			return err
		}
		assert.Equal(t, PlanNotAvailable, stats.QueryPlan)
		_, err = tx.Delete(ctx, 1)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryCached(t *testing.T) {
	repo, mock := newUserRepo(t)
	ctx := context.Background()
	query := "SELECT * FROM users WHERE age > @age"
	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows(userColumns).AddRow(int64(1), "ann", "ann@example.com", int64(30))
	}

	mock.ExpectQuery(q("SELECT * FROM users WHERE age > ?")).WithArgs(18).WillReturnRows(rows())

	first, err := repo.QueryCached(ctx, "", query, db.Params{"age": 18})
	require.NoError(t, err)
	second, err := repo.QueryCached(ctx, "", query, db.Params{"age": 18})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet(), "second call is served from the cache")

	require.NoError(t, repo.ClearCache(ctx))
	mock.ExpectQuery(q("SELECT * FROM users WHERE age > ?")).WithArgs(18).WillReturnRows(rows())

	_, err = repo.QueryCached(ctx, "", query, db.Params{"age": 18})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheKey_StableAcrossParamOrder(t *testing.T) {
	repo, _ := newUserRepo(t)

	a := repo.cacheKey("SELECT 1", db.Params{"a": 1, "b": 2})
	b := repo.cacheKey("SELECT 1", db.Params{"b": 2, "a": 1})
	assert.Equal(t, a, b)
	assert.Regexp(t, `^repokit:users:query:[0-9a-f]{16}$`, a)
	assert.NotEqual(t, a, repo.cacheKey("SELECT 1", db.Params{"a": 2, "b": 2}))
}

func TestCacheKey_DistinguishesTypesAndBoundaries(t *testing.T) {
	repo, _ := newUserRepo(t)

	assert.NotEqual(t,
		repo.cacheKey("SELECT 1", db.Params{"a": 1}),
		repo.cacheKey("SELECT 1", db.Params{"a": "1"}))
	assert.NotEqual(t,
		repo.cacheKey("SELECT 1", db.Params{"a": "x|b=2"}),
		repo.cacheKey("SELECT 1", db.Params{"a": "x", "b": 2}))
	assert.Equal(t,
		repo.cacheKey("SELECT 1", db.Params{"f": map[string]any{"x": 1, "y": 2}}),
		repo.cacheKey("SELECT 1", db.Params{"f": map[string]any{"y": 2, "x": 1}}))
}
