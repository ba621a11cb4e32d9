package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReconciliationReport summarises one reconciliation cycle.
type ReconciliationReport struct {
	StartedAt        time.Time   `json:"started_at"`
	FinishedAt       time.Time   `json:"finished_at"`
	AssetsChecked    int         `json:"assets_checked"`
	Corrections      []uuid.UUID `json:"corrections"`
	PendingConfirmed int         `json:"pending_confirmed"`
	PendingFailed    int         `json:"pending_failed"`
	SkippedAssets    []string    `json:"skipped_assets"`
	Suspended        bool        `json:"suspended"`
	LeaseBusy        bool        `json:"lease_busy,omitempty"` // another instance held the cycle lease
}
