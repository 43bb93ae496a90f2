package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	ErrTransactionAlreadyOpen = errors.New("a transaction to the database is already established")
	ErrNoTransaction          = errors.New("no transaction is open")
)

// Change is a queued mutation. It returns the number of rows it affected.
type Change func(ctx context.Context, ext sqlx.ExtContext) (int64, error)

// UnitOfWork owns at most one transaction and a queue of pending changes.
// It is not safe for concurrent use; build one per request with a Factory.
type UnitOfWork struct {
	db      *sqlx.DB
	tx      *sqlx.Tx
	pending []Change
	logger  *zap.SugaredLogger
}

func New(db *sqlx.DB, logger *zap.SugaredLogger) *UnitOfWork {
	return &UnitOfWork{db: db, logger: logger}
}

// Factory builds request-scoped units of work over a shared pool.
type Factory func() *UnitOfWork

func NewFactory(db *sqlx.DB, logger *zap.SugaredLogger) Factory {
	return func() *UnitOfWork { return New(db, logger) }
}

// Ext returns the open transaction, or the pool when none is open.
func (u *UnitOfWork) Ext() sqlx.ExtContext {
	if u.tx != nil {
		return u.tx
	}
	return u.db
}

// InTransaction reports whether a transaction is open.
func (u *UnitOfWork) InTransaction() bool { return u.tx != nil }

// Pending returns the number of queued changes.
func (u *UnitOfWork) Pending() int { return len(u.pending) }

// Track queues a change for the next SaveChanges.
func (u *UnitOfWork) Track(c Change) {
	u.pending = append(u.pending, c)
}

// SaveChanges flushes queued changes in order. Without an open transaction the
// flush runs in a short transaction of its own.
func (u *UnitOfWork) SaveChanges(ctx context.Context) (int64, error) {
	if len(u.pending) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	changes := u.pending
	u.pending = nil

	if u.tx != nil {
		return apply(ctx, u.tx, changes)
	}

	tx, err := u.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save: %w", err)
	}
	n, err := apply(ctx, tx, changes)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit save: %w", err)
	}
	return n, nil
}

func apply(ctx context.Context, ext sqlx.ExtContext, changes []Change) (int64, error) {
	var total int64
	for i, c := range changes {
		n, err := c(ctx, ext)
		if err != nil {
			return total, fmt.Errorf("change %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}

// BeginTransaction opens a transaction. Opening a second one is an error.
func (u *UnitOfWork) BeginTransaction(ctx context.Context) error {
	if u.tx != nil {
		return ErrTransactionAlreadyOpen
	}
	tx, err := u.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	u.tx = tx
	return nil
}

// CommitTransaction commits the open transaction, rolling back if the commit fails.
func (u *UnitOfWork) CommitTransaction(ctx context.Context) error {
	if u.tx == nil {
		return ErrNoTransaction
	}
	if len(u.pending) > 0 {
		if _, err := u.SaveChanges(ctx); err != nil {
			_ = u.RollbackTransaction(ctx)
			return err
		}
	}
	tx := u.tx
	u.tx = nil
	if err := tx.Commit(); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			u.logger.Errorw("rollback after failed commit", "err", rbErr)
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction discards the open transaction and pending changes.
// It is a no-op when nothing is open.
func (u *UnitOfWork) RollbackTransaction(ctx context.Context) error {
	u.pending = nil
	if u.tx == nil {
		return nil
	}
	tx := u.tx
	u.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// Within runs fn inside a transaction on u. Any error, panic or cancellation
// rolls back; otherwise the transaction is committed.
func Within(ctx context.Context, u *UnitOfWork, fn func(ctx context.Context) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.BeginTransaction(ctx); err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = u.RollbackTransaction(context.WithoutCancel(ctx))
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			if rbErr := u.RollbackTransaction(context.WithoutCancel(ctx)); rbErr != nil {
				u.logger.Errorw("rollback failed", "err", rbErr)
			}
		}
	}()

	if err = fn(ctx); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	return u.CommitTransaction(ctx)
}
