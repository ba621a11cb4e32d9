package dto

// SendRequest is the request body for an outgoing transfer. Amount is a
// magnitude; its sign is ignored.
type SendRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Destination string `json:"destination" binding:"required,max=1024"`
}

// MintRequest is the request body for minting more units of an asset.
type MintRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// InvoiceRequest is the request body for an invoice-backed receive.
type InvoiceRequest struct {
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Description string `json:"description,omitempty" binding:"max=256"`
}

// TransactionResponse is the response body for a ledger entry.
type TransactionResponse struct {
	ID          string  `json:"id"`
	Type        string  `json:"tx_type"`
	AssetID     *string `json:"asset_id,omitempty"`
	Amount      int64   `json:"amount"`
	Status      string  `json:"status"`
	Destination *string `json:"destination,omitempty"`
	Description *string `json:"description,omitempty"`
	ExternalRef *string `json:"external_ref,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// TransactionListResponse wraps a filtered ledger listing.
type TransactionListResponse struct {
	Items []TransactionResponse `json:"items"`
	Count int                   `json:"count"`
	Limit int                   `json:"limit"`
}

// BalanceResponse is the projected balance of one asset.
type BalanceResponse struct {
	AssetID string `json:"asset_id"`
	Balance int64  `json:"balance"`
}

// AssetURI binds the :asset_id path segment.
type AssetURI struct {
	AssetID string `uri:"asset_id" binding:"required,safe_id"`
}

// TransactionQuery binds the ledger listing filters. Since and Before are
// RFC 3339 timestamps.
type TransactionQuery struct {
	AssetID string `form:"asset_id" binding:"omitempty,safe_id"`
	Status  string `form:"status" binding:"omitempty,oneof=PENDING CONFIRMED FAILED"`
	Type    string `form:"type" binding:"omitempty,oneof=SEND RECEIVE MINT ISSUANCE RECONCILIATION"`
	Since   string `form:"since"`
	Before  string `form:"before"`
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}
