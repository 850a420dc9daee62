// Package postgres persists the control plane's canonical state. The store
// is the single source of truth: no in-process cache shadows it, and every
// multi-row update within a request runs in one transaction.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx used by the repositories; both *pgxpool.Pool
// and pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// TxRunner implements domain.TxRunner: fn runs with a transaction bound to
// its context, so repository calls inside fn join the transaction.
type TxRunner struct{ Pool *pgxpool.Pool }

// NewTxRunner constructs a TxRunner over the pool.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner { return &TxRunner{Pool: pool} }

// InTx runs fn inside a single transaction, committing only when fn returns
// nil.
func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier resolves the active transaction from ctx, falling back to the
// pool.
func querier(ctx context.Context, pool Querier) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// withRetry retries transient storage reads with 100/400/1600ms backoff (3
// attempts) before surfacing the error. Writes are not retried; the caller
// cannot know whether a lost reply committed.
func withRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 4
	bo.MaxInterval = 1600 * time.Millisecond
	bo.RandomizationFactor = 0
	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
}
