package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// txAttempts bounds retries of transactions aborted by a serialization failure.
const txAttempts = 3

// Beginner opens transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// WithTx runs fn in a RepeatableRead transaction. fn is re-run from scratch
// when Postgres aborts the transaction with a serialization failure, so it must
// not have side effects outside the transaction.
func WithTx(ctx context.Context, conn Beginner, fn func(pgx.Tx) error) error {
	if conn == nil {
		return errors.New("platform/db: pool not configured")
	}
	if p, ok := conn.(*pgxpool.Pool); ok && p == nil {
		return errors.New("platform/db: pool not configured")
	}
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = runTx(ctx, conn, fn)
		if !IsSerializationFailure(err) {
			return err
		}
	}
	return err
}

func runTx(ctx context.Context, conn Beginner, fn func(pgx.Tx) error) error {
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return nil
}
