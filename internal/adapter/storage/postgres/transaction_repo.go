package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"asset-ledger/internal/core/domain"
	"asset-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	defaultListLimit = 100

	transactionColumns = `t.id, t.tx_type, t.asset_id, t.amount, t.status, t.destination, t.description,
		r.external_ref, t.created_at, t.updated_at`
	transactionFrom = `FROM transactions t LEFT JOIN transaction_refs r ON r.transaction_id = t.id`
)

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	pool Pool
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// Create inserts a new ledger entry within a database transaction.
func (r *TransactionRepo) Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	query := `INSERT INTO transactions (id, tx_type, asset_id, amount, status, destination, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := tx.Exec(ctx, query,
		t.ID, t.Type, t.AssetID, t.Amount, t.Status,
		t.Destination, t.Description, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID fetches a transaction by UUID.
func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` ` + transactionFrom + ` WHERE t.id = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, id))
}

// GetByIDForUpdate fetches and row-locks a transaction for the rest of tx.
func (r *TransactionRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` ` + transactionFrom + ` WHERE t.id = $1 FOR UPDATE OF t`
	return scanTransaction(tx.QueryRow(ctx, query, id))
}

// UpdateStatus moves a transaction from one status to another.
func (r *TransactionRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to domain.TransactionStatus, at time.Time) error {
	query := `UPDATE transactions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`

	tag, err := tx.Exec(ctx, query, to, at, id, from)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleStatus
	}
	return nil
}

// BindAsset rebinds a PENDING MINT to the asset id the daemon assigned.
func (r *TransactionRepo) BindAsset(ctx context.Context, tx pgx.Tx, id uuid.UUID, assetID string, at time.Time) error {
	query := `UPDATE transactions SET asset_id = $1, updated_at = $2
		WHERE id = $3 AND status = 'PENDING' AND tx_type = 'MINT'`

	tag, err := tx.Exec(ctx, query, assetID, at, id)
	if err != nil {
		return fmt.Errorf("bind transaction asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleStatus
	}
	return nil
}

// CreateRef records the daemon reference for a transaction.
func (r *TransactionRepo) CreateRef(ctx context.Context, tx pgx.Tx, id uuid.UUID, ref string, at time.Time) error {
	query := `INSERT INTO transaction_refs (transaction_id, external_ref, created_at) VALUES ($1, $2, $3)`

	_, err := tx.Exec(ctx, query, id, ref, at)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert transaction ref: %w", err)
	}
	return nil
}

// List fetches transactions matching filter, newest first.
func (r *TransactionRepo) List(ctx context.Context, filter ports.TransactionFilter) ([]domain.Transaction, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.AssetID != nil {
		conditions = append(conditions, fmt.Sprintf("t.asset_id = $%d", argIdx))
		args = append(args, *filter.AssetID)
		argIdx++
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("t.status = $%d", argIdx))
		args = append(args, *filter.Status)
		argIdx++
	}
	if filter.Type != nil {
		conditions = append(conditions, fmt.Sprintf("t.tx_type = $%d", argIdx))
		args = append(args, *filter.Type)
		argIdx++
	}
	if filter.Since != nil {
		conditions = append(conditions, fmt.Sprintf("t.created_at >= $%d", argIdx))
		args = append(args, *filter.Since)
		argIdx++
	}
	if filter.Before != nil {
		conditions = append(conditions, fmt.Sprintf("t.created_at < $%d", argIdx))
		args = append(args, *filter.Before)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := fmt.Sprintf(`SELECT %s %s %s ORDER BY t.created_at DESC, t.id LIMIT $%d`,
		transactionColumns, transactionFrom, where, argIdx)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	txns := []domain.Transaction{}
	for rows.Next() {
		t := domain.Transaction{}
		err := rows.Scan(
			&t.ID, &t.Type, &t.AssetID, &t.Amount, &t.Status,
			&t.Destination, &t.Description, &t.ExternalRef,
			&t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return txns, nil
}

// PendingAssetsSince lists assets with a PENDING entry created at or after since.
func (r *TransactionRepo) PendingAssetsSince(ctx context.Context, since time.Time) ([]string, error) {
	query := `SELECT DISTINCT asset_id FROM transactions
		WHERE status = 'PENDING' AND asset_id IS NOT NULL AND created_at >= $1`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list pending assets: %w", err)
	}
	defer rows.Close()

	var assets []string
	for rows.Next() {
		var assetID string
		if err := rows.Scan(&assetID); err != nil {
			return nil, fmt.Errorf("scan pending asset: %w", err)
		}
		assets = append(assets, assetID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending assets: %w", err)
	}
	return assets, nil
}

// SumConfirmed returns the sum of CONFIRMED amounts for an asset.
func (r *TransactionRepo) SumConfirmed(ctx context.Context, assetID string) (int64, error) {
	query := `SELECT COALESCE(SUM(amount), 0)::BIGINT FROM transactions WHERE asset_id = $1 AND status = 'CONFIRMED'`

	var sum int64
	if err := r.pool.QueryRow(ctx, query, assetID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum confirmed: %w", err)
	}
	return sum, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	err := row.Scan(
		&t.ID, &t.Type, &t.AssetID, &t.Amount, &t.Status,
		&t.Destination, &t.Description, &t.ExternalRef,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return t, nil
}
