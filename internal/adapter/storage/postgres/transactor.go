package postgres

import (
	"context"
	"fmt"
	"time"

	"asset-ledger/pkg/retry"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Transactor implements ports.DBTransactor using pgxpool.Pool.
type Transactor struct {
	pool   Pool
	policy retry.Policy
	log    zerolog.Logger
}

// NewTransactor creates a new Transactor wrapping the connection pool.
// Transient failures re-run the whole unit of work under policy.
func NewTransactor(pool Pool, policy retry.Policy, log zerolog.Logger) *Transactor {
	return &Transactor{pool: pool, policy: policy, log: log}
}

// Begin starts a new database transaction.
func (t *Transactor) Begin(ctx context.Context) (pgx.Tx, error) {
	return t.pool.Begin(ctx)
}

// WithinTx runs fn in a database transaction and commits it. Any error
// rolls the transaction back. Serialization failures, deadlocks and lost
// connections restart fn from scratch; other errors are returned as is.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return t.policy.Do(ctx, func(ctx context.Context) error {
		err := t.runOnce(ctx, fn)
		if err != nil && !IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, attempt int, wait time.Duration) {
		t.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying database unit of work")
	})
}

func (t *Transactor) runOnce(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
