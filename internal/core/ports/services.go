package ports

import (
	"context"
	"time"

	"asset-ledger/internal/core/domain"

	"github.com/google/uuid"
)

// --- Outbound Ports ---

// DaemonClient is the fixed capability interface to the asset daemon.
// Every method may fail with domain.ErrDaemonUnavailable (transient) or
// *domain.DaemonError (permanent).
type DaemonClient interface {
	ListAssets(ctx context.Context) ([]domain.AssetInfo, error)
	GetAssetBalance(ctx context.Context, assetID string) (int64, error)
	SendAsset(ctx context.Context, req domain.SendAssetRequest) (string, error) // external ref
	CreateInvoice(ctx context.Context, assetID string, amount int64, description string) (string, error)
	MintAsset(ctx context.Context, assetID string, amount int64) (string, error) // batch key
	LookupOperation(ctx context.Context, ref domain.OperationRef) (domain.OperationOutcome, error)
}

// IdempotencyCache is the Redis-layer idempotency check (fast path).
type IdempotencyCache interface {
	// Get returns nil, nil when the key is not cached.
	Get(ctx context.Context, key string) (*uuid.UUID, error)
	Set(ctx context.Context, key string, transactionID uuid.UUID, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CycleLease is a cross-process mutual exclusion lease with expiry.
type CycleLease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// --- Service Ports (Business Logic) ---

// AssetService is the synchronous contract for the request layer.
type AssetService interface {
	SubmitSend(ctx context.Context, req SendRequest) (*domain.Transaction, error)
	SubmitMint(ctx context.Context, req MintRequest) (*domain.Transaction, error)
	SubmitReceive(ctx context.Context, req ReceiveRequest) (*domain.Transaction, error)
	GetBalance(ctx context.Context, assetID string) (int64, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	ListAssets(ctx context.Context) ([]AssetSummary, error)
}

// SendRequest holds validated input for an outgoing transfer.
// Amount is a magnitude; the ledger records it as a negative delta.
type SendRequest struct {
	AssetID        string
	Amount         int64
	Destination    string
	IdempotencyKey string
}

// MintRequest holds validated input for minting more units.
type MintRequest struct {
	AssetID        string
	Amount         int64
	IdempotencyKey string
}

// ReceiveRequest holds validated input for an invoice-backed receive.
type ReceiveRequest struct {
	AssetID        string
	Amount         int64
	Description    string
	IdempotencyKey string
}

// AssetSummary merges the daemon's asset metadata with the projected balance.
type AssetSummary struct {
	AssetID   string `json:"asset_id"`
	Name      string `json:"name,omitempty"`
	AssetType string `json:"asset_type,omitempty"`
	Balance   int64  `json:"balance"`
	OnDaemon  bool   `json:"on_daemon"`
}

// Reconciler runs reconciliation cycles on demand.
type Reconciler interface {
	Trigger(ctx context.Context) (*domain.ReconciliationReport, error)
}

// LedgerMaintenance groups the admin-only operations.
type LedgerMaintenance interface {
	ClearIdempotencyKey(ctx context.Context, key string) error
	VerifyBalance(ctx context.Context, assetID string) (*domain.BalanceCheck, error)
}
