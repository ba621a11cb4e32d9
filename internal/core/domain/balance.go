package domain

import "time"

// AssetBalance is the projected balance of one asset.
// Balance always equals the sum of the asset's CONFIRMED amounts.
type AssetBalance struct {
	AssetID   string    `json:"asset_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BalanceCheck compares the projection with the ledger it is derived from.
type BalanceCheck struct {
	AssetID    string `json:"asset_id"`
	Projected  int64  `json:"projected"`
	LedgerSum  int64  `json:"ledger_sum"`
	Consistent bool   `json:"consistent"`
}
