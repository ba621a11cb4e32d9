package ports

import (
	"context"
	"time"

	"asset-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TransactionRepository defines persistence operations for ledger entries.
// Methods accepting pgx.Tx run inside the caller's unit of work.
type TransactionRepository interface {
	// Create returns domain.ErrAlreadyExists when the id is taken.
	Create(ctx context.Context, tx pgx.Tx, transaction *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Transaction, error)
	// UpdateStatus moves a row from one status to another and returns
	// domain.ErrStaleStatus when the row is no longer in the from status.
	UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to domain.TransactionStatus, at time.Time) error
	// BindAsset sets the asset id of a PENDING MINT row and returns
	// domain.ErrStaleStatus when the row is no longer one.
	BindAsset(ctx context.Context, tx pgx.Tx, id uuid.UUID, assetID string, at time.Time) error
	// CreateRef returns domain.ErrAlreadyExists when a reference is already recorded.
	CreateRef(ctx context.Context, tx pgx.Tx, id uuid.UUID, ref string, at time.Time) error
	List(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error)
	// PendingAssetsSince returns assets holding a PENDING entry created at or after since.
	PendingAssetsSince(ctx context.Context, since time.Time) ([]string, error)
	SumConfirmed(ctx context.Context, assetID string) (int64, error)
}

// TransactionFilter narrows a ledger listing. Zero values mean "any".
type TransactionFilter struct {
	AssetID *string
	Status  *domain.TransactionStatus
	Type    *domain.TransactionType
	Since   *time.Time // created_at >= Since
	Before  *time.Time // created_at < Before
	Limit   int
}

// BalanceRepository persists projected balances.
type BalanceRepository interface {
	// AddDelta creates the row at 0 if absent and adds delta atomically.
	AddDelta(ctx context.Context, tx pgx.Tx, assetID string, delta int64, at time.Time) (int64, error)
	// LockBalance ensures the row exists and locks it for the rest of tx.
	LockBalance(ctx context.Context, tx pgx.Tx, assetID string, at time.Time) (int64, error)
	Get(ctx context.Context, assetID string) (*domain.AssetBalance, error)
	List(ctx context.Context) ([]domain.AssetBalance, error)
}

// IdempotencyRepository is the durable key -> transaction mapping.
type IdempotencyRepository interface {
	// Create returns domain.ErrAlreadyExists when the key is taken.
	Create(ctx context.Context, tx pgx.Tx, record *domain.IdempotencyRecord) error
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	// WithinTx commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}
