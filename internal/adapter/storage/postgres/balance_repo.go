package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"asset-ledger/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// BalanceRepo implements ports.BalanceRepository.
type BalanceRepo struct {
	pool Pool
}

// NewBalanceRepo creates a new BalanceRepo.
func NewBalanceRepo(pool Pool) *BalanceRepo {
	return &BalanceRepo{pool: pool}
}

// AddDelta upserts the balance row and returns the new balance.
func (r *BalanceRepo) AddDelta(ctx context.Context, tx pgx.Tx, assetID string, delta int64, at time.Time) (int64, error) {
	query := `INSERT INTO asset_balances (asset_id, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (asset_id) DO UPDATE
		SET balance = asset_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
		RETURNING balance`

	var balance int64
	if err := tx.QueryRow(ctx, query, assetID, delta, at).Scan(&balance); err != nil {
		return 0, fmt.Errorf("upsert balance: %w", err)
	}
	return balance, nil
}

// LockBalance creates the row at 0 if needed and locks it FOR UPDATE.
func (r *BalanceRepo) LockBalance(ctx context.Context, tx pgx.Tx, assetID string, at time.Time) (int64, error) {
	insert := `INSERT INTO asset_balances (asset_id, balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2) ON CONFLICT (asset_id) DO NOTHING`
	if _, err := tx.Exec(ctx, insert, assetID, at); err != nil {
		return 0, fmt.Errorf("ensure balance row: %w", err)
	}

	var balance int64
	query := `SELECT balance FROM asset_balances WHERE asset_id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, query, assetID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("lock balance: %w", err)
	}
	return balance, nil
}

// Get fetches the projected balance of an asset. Returns nil, nil if absent.
func (r *BalanceRepo) Get(ctx context.Context, assetID string) (*domain.AssetBalance, error) {
	query := `SELECT asset_id, balance, created_at, updated_at FROM asset_balances WHERE asset_id = $1`

	b := &domain.AssetBalance{}
	err := r.pool.QueryRow(ctx, query, assetID).Scan(&b.AssetID, &b.Balance, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// List returns every projected balance ordered by asset id.
func (r *BalanceRepo) List(ctx context.Context) ([]domain.AssetBalance, error) {
	query := `SELECT asset_id, balance, created_at, updated_at FROM asset_balances ORDER BY asset_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	balances := []domain.AssetBalance{}
	for rows.Next() {
		var b domain.AssetBalance
		if err := rows.Scan(&b.AssetID, &b.Balance, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance row: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balance rows: %w", err)
	}
	return balances, nil
}
