package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx only implements the transaction methods WithTx calls.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	txs      []*fakeTx
	opts     []pgx.TxOptions
	beginErr error
}

func (b *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	tx := &fakeTx{}
	b.txs = append(b.txs, tx)
	b.opts = append(b.opts, opts)
	return tx, nil
}

func TestWithTxCommits(t *testing.T) {
	b := &fakeBeginner{}

	err := WithTx(context.Background(), b, func(pgx.Tx) error { return nil })

	require.NoError(t, err)
	require.Len(t, b.txs, 1)
	assert.True(t, b.txs[0].committed)
	assert.Equal(t, pgx.RepeatableRead, b.opts[0].IsoLevel)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	b := &fakeBeginner{}
	boom := errors.New("boom")

	err := WithTx(context.Background(), b, func(pgx.Tx) error { return boom })

	assert.ErrorIs(t, err, boom)
	require.Len(t, b.txs, 1)
	assert.True(t, b.txs[0].rolledBack)
}

func TestWithTxRetriesSerializationFailure(t *testing.T) {
	b := &fakeBeginner{}
	calls := 0

	err := WithTx(context.Background(), b, func(pgx.Tx) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, b.txs[2].committed)
}

func TestWithTxGivesUpAfterAttempts(t *testing.T) {
	b := &fakeBeginner{}

	err := WithTx(context.Background(), b, func(pgx.Tx) error { return &pgconn.PgError{Code: "40001"} })

	assert.True(t, IsSerializationFailure(err))
	assert.Len(t, b.txs, txAttempts)
}

func TestWithTxWithoutPool(t *testing.T) {
	assert.Error(t, WithTx(context.Background(), nil, func(pgx.Tx) error { return nil }))

	b := &fakeBeginner{beginErr: errors.New("conn refused")}
	assert.ErrorContains(t, WithTx(context.Background(), b, func(pgx.Tx) error { return nil }), "begin tx")
}
