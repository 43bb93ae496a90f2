package uow

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database/databasetest"
)

func insertRole(id int64, name string) Change {
	return func(ctx context.Context, ext sqlx.ExtContext) (int64, error) {
		res, err := ext.ExecContext(ctx, ext.Rebind(`INSERT INTO roles (id, name, normalized_name, concurrency_stamp) VALUES (?, ?, ?, ?)`), id, name, name, "stamp")
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
}

func countRoles(t *testing.T, db *sqlx.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM roles`))
	return n
}

func newUoW(t *testing.T) (*UnitOfWork, *sqlx.DB) {
	db := databasetest.NewSQLite(t)
	return New(db, zap.NewNop().Sugar()), db
}

func TestBeginTwiceFails(t *testing.T) {
	u, _ := newUoW(t)
	ctx := context.Background()

	require.NoError(t, u.BeginTransaction(ctx))
	assert.ErrorIs(t, u.BeginTransaction(ctx), ErrTransactionAlreadyOpen)
	require.NoError(t, u.RollbackTransaction(ctx))
}

func TestRollbackWithoutTransactionIsNoop(t *testing.T) {
	u, _ := newUoW(t)
	ctx := context.Background()

	assert.NoError(t, u.RollbackTransaction(ctx))
	require.NoError(t, u.BeginTransaction(ctx))
	assert.NoError(t, u.RollbackTransaction(ctx))
	assert.NoError(t, u.RollbackTransaction(ctx))
	assert.False(t, u.InTransaction())
}

func TestCommitWithoutTransaction(t *testing.T) {
	u, _ := newUoW(t)
	assert.ErrorIs(t, u.CommitTransaction(context.Background()), ErrNoTransaction)
}

func TestSaveChangesWithoutTransactionPersists(t *testing.T) {
	u, db := newUoW(t)
	u.Track(insertRole(1, "A"))
	u.Track(insertRole(2, "B"))
	assert.Equal(t, 2, u.Pending())

	n, err := u.SaveChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 0, u.Pending())
	assert.Equal(t, 2, countRoles(t, db))
}

func TestSaveChangesFailureLeavesNothingBehind(t *testing.T) {
	u, db := newUoW(t)
	u.Track(insertRole(1, "A"))
	u.Track(insertRole(1, "A"))

	_, err := u.SaveChanges(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, countRoles(t, db))
}

func TestRollbackDiscardsFlushedChanges(t *testing.T) {
	u, db := newUoW(t)
	ctx := context.Background()

	require.NoError(t, u.BeginTransaction(ctx))
	u.Track(insertRole(1, "A"))
	n, err := u.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, u.RollbackTransaction(ctx))

	assert.Equal(t, 0, countRoles(t, db))
}

func TestCommitFlushesPending(t *testing.T) {
	u, db := newUoW(t)
	ctx := context.Background()

	require.NoError(t, u.BeginTransaction(ctx))
	u.Track(insertRole(1, "A"))
	require.NoError(t, u.CommitTransaction(ctx))

	assert.Equal(t, 1, countRoles(t, db))
}

func TestWithinCommitsOnSuccess(t *testing.T) {
	u, db := newUoW(t)
	err := Within(context.Background(), u, func(ctx context.Context) error {
		u.Track(insertRole(1, "A"))
		_, err := u.SaveChanges(ctx)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countRoles(t, db))
	assert.False(t, u.InTransaction())
}

func TestWithinRollsBackOnError(t *testing.T) {
	u, db := newUoW(t)
	boom := errors.New("boom")
	err := Within(context.Background(), u, func(ctx context.Context) error {
		u.Track(insertRole(1, "A"))
		if _, err := u.SaveChanges(ctx); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countRoles(t, db))
	assert.False(t, u.InTransaction())
}

func TestWithinRollsBackOnPanic(t *testing.T) {
	u, db := newUoW(t)
	err := Within(context.Background(), u, func(ctx context.Context) error {
		u.Track(insertRole(1, "A"))
		if _, err := u.SaveChanges(ctx); err != nil {
			return err
		}
		panic("unexpected")
	})
	assert.ErrorContains(t, err, "panic in transaction")
	assert.Equal(t, 0, countRoles(t, db))
}

func TestWithinRollsBackOnCancellation(t *testing.T) {
	u, db := newUoW(t)
	ctx, cancel := context.WithCancel(context.Background())
	err := Within(ctx, u, func(ctx context.Context) error {
		u.Track(insertRole(1, "A"))
		if _, err := u.SaveChanges(ctx); err != nil {
			return err
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, u.InTransaction())
	assert.Equal(t, 0, countRoles(t, db))
}
