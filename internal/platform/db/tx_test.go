package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	commitErr  error
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	tx   *fakeTx
	err  error
	opts pgx.TxOptions
}

func (f *fakeBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.tx, nil
}

func TestWithTxCommits(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	require.NoError(t, WithTx(context.Background(), b, func(pgx.Tx) error { return nil }))
	require.True(t, b.tx.committed)
	require.False(t, b.tx.rolledBack)
	require.Equal(t, pgx.ReadCommitted, b.opts.IsoLevel)
}

func TestWithTxRollsBackAndReturnsFnError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	boom := errors.New("boom")
	err := WithTx(context.Background(), b, func(pgx.Tx) error { return boom })
	require.Equal(t, boom, err)
	require.False(t, b.tx.committed)
	require.True(t, b.tx.rolledBack)
}

func TestWithTxWrapsBeginAndCommitErrors(t *testing.T) {
	refused := errors.New("connection refused")
	err := WithTx(context.Background(), &fakeBeginner{err: refused}, func(pgx.Tx) error { return nil })
	require.ErrorIs(t, err, refused)
	require.Contains(t, err.Error(), "begin tx")

	b := &fakeBeginner{tx: &fakeTx{commitErr: refused}}
	err = WithTx(context.Background(), b, func(pgx.Tx) error { return nil })
	require.ErrorIs(t, err, refused)
	require.Contains(t, err.Error(), "commit tx")
	require.True(t, b.tx.rolledBack)
}
