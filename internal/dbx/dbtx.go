// Package dbx holds the database plumbing the directory service builds on.
// Repositories are written against DBTX so the same code runs on the pool or
// inside the transaction that stages a user mutation together with its
// outbox row. Retry and IsUnavailable classify driver failures.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DBTX is what the user and outbox repositories need from a handle.
// *sql.DB and *sql.Tx both satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn in one transaction. The directory service uses it so that a
// users row and the outbox entry describing the change commit or vanish
// together:
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    user, err := users(tx).Update(ctx, id, name, hash)
//	    if err != nil {
//	        return err
//	    }
//	    return outbox(tx).Insert(ctx, entryFor(user))
//	})
//
// fn's error is returned unchanged, joined with the rollback error if the
// rollback fails too. A panic in fn rolls back and is re-raised.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		rbErr := tx.Rollback()
		if p := recover(); p != nil {
			panic(p)
		}
		if rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback tx: %w", rbErr))
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		// A failed commit leaves the tx done; the deferred rollback is a no-op.
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}
