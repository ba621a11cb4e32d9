package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrDaemonUnavailable is the transient daemon failure: unreachable, timed
// out, or a gateway-side 5xx. Callers may retry.
var ErrDaemonUnavailable = errors.New("asset daemon unavailable")

// DaemonError is a permanent rejection reported by the daemon.
type DaemonError struct {
	Code    string
	Message string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("daemon error %s: %s", e.Code, e.Message)
}

// AssetInfo is an asset known to the daemon.
type AssetInfo struct {
	AssetID   string `json:"asset_id"`
	Name      string `json:"name"`
	AssetType string `json:"asset_type"`
	Amount    int64  `json:"amount"`
}

// SendAssetRequest is the daemon-side send. Amount is a positive magnitude.
type SendAssetRequest struct {
	AssetID     string
	Amount      int64
	Destination string
	Label       string // ledger transaction id, echoed back by transfer listings
}

// OperationRef identifies a previously forwarded operation for re-query.
type OperationRef struct {
	TransactionID uuid.UUID
	Type          TransactionType
	AssetID       string
	Destination   string
	ExternalRef   string
}

// OperationOutcome is the daemon's view of a forwarded operation.
// Status is PENDING when the daemon knows the operation but it has not
// settled (an unpaid invoice, an unfinalised mint batch).
type OperationOutcome struct {
	Status  TransactionStatus
	Found   bool
	AssetID string // set for a confirmed mint: the id the daemon assigned
}
