package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/skyindex/internal/repository"
)

// Tx is one indexing transaction. It implements repository.Tx.
type Tx struct {
	q     pgx.Tx
	hooks []func()
}

var _ repository.Tx = (*Tx)(nil)

// Transaction runs fn in a new transaction, committing when fn returns nil and
// rolling back otherwise. Commit hooks run after a successful commit only.
func (db *DB) Transaction(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) (err error) {
	if err := repository.AssertNotTransaction(ctx); err != nil {
		return err
	}
	ptx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	tx := &Tx{q: ptx}
	defer func() {
		if p := recover(); p != nil {
			_ = ptx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = ptx.Rollback(context.WithoutCancel(ctx))
			return
		}
		if err = ptx.Commit(ctx); err != nil {
			return
		}
		for _, hook := range tx.hooks {
			hook()
		}
	}()
	return fn(repository.WithTransaction(ctx), tx)
}

// OnCommit registers fn to run after the transaction commits.
func (t *Tx) OnCommit(fn func()) { t.hooks = append(t.hooks, fn) }

// TryAdvisoryXactLock takes a transaction-scoped advisory lock without blocking.
func (t *Tx) TryAdvisoryXactLock(ctx context.Context, id int64) (bool, error) {
	const q = `SELECT pg_try_advisory_xact_lock($1)`
	var ok bool
	if err := t.q.QueryRow(ctx, q, id).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// AdvisoryXactLock blocks until the transaction-scoped advisory lock is held.
func (t *Tx) AdvisoryXactLock(ctx context.Context, id int64) error {
	const q = `SELECT pg_advisory_xact_lock($1)`
	_, err := t.q.Exec(ctx, q, id)
	return err
}
