package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionType represents the kind of balance movement.
type TransactionType string

const (
	TransactionTypeMint           TransactionType = "MINT"
	TransactionTypeSend           TransactionType = "SEND"
	TransactionTypeReceive        TransactionType = "RECEIVE"
	TransactionTypeIssuance       TransactionType = "ISSUANCE"
	TransactionTypeReconciliation TransactionType = "RECONCILIATION"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeMint, TransactionTypeSend, TransactionTypeReceive,
		TransactionTypeIssuance, TransactionTypeReconciliation:
		return true
	}
	return false
}

// TransactionStatus represents the lifecycle state of a transaction.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusConfirmed TransactionStatus = "CONFIRMED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	return s == TransactionStatusPending || s == TransactionStatusConfirmed || s == TransactionStatusFailed
}

// Transaction is a ledger entry. Everything except Status and UpdatedAt is
// immutable once written.
type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	Type        TransactionType   `json:"tx_type"`
	AssetID     *string           `json:"asset_id,omitempty"`
	Amount      int64             `json:"amount"` // signed delta in the asset's smallest unit
	Status      TransactionStatus `json:"status"`
	Destination *string           `json:"destination,omitempty"`
	Description *string           `json:"description,omitempty"`
	ExternalRef *string           `json:"external_ref,omitempty"` // from transaction_refs
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TransactionStatusConfirmed || t.Status == TransactionStatusFailed
}

// CanTransitionTo reports whether the status change is legal.
// Only PENDING -> CONFIRMED and PENDING -> FAILED are.
func (t *Transaction) CanTransitionTo(next TransactionStatus) bool {
	if t.Status != TransactionStatusPending {
		return false
	}
	return next == TransactionStatusConfirmed || next == TransactionStatusFailed
}

// Asset returns the asset id or "" for node-level entries.
func (t *Transaction) Asset() string {
	if t.AssetID == nil {
		return ""
	}
	return *t.AssetID
}

// ValidateEntry checks the sign policy for a ledger entry of the given type.
func ValidateEntry(txType TransactionType, assetID *string, amount int64) error {
	if !txType.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidEntry, txType)
	}
	if assetID == nil || *assetID == "" {
		return fmt.Errorf("%w: asset_id is required for %s", ErrInvalidEntry, txType)
	}
	if amount == 0 {
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidEntry)
	}

	switch txType {
	case TransactionTypeSend:
		if amount > 0 {
			return fmt.Errorf("%w: %s amount must be negative", ErrInvalidEntry, txType)
		}
	case TransactionTypeReceive, TransactionTypeMint, TransactionTypeIssuance:
		if amount < 0 {
			return fmt.Errorf("%w: %s amount must be positive", ErrInvalidEntry, txType)
		}
	}
	return nil
}

// StrPtr returns nil for an empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
