package service

import (
	"context"
	"fmt"
	"time"

	"asset-ledger/internal/core/domain"
	"asset-ledger/internal/core/ports"
	"asset-ledger/internal/metrics"
	"asset-ledger/pkg/apperror"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// BalanceProjector maintains asset_balances from confirmed ledger entries.
type BalanceProjector struct {
	balRepo ports.BalanceRepository
	txRepo  ports.TransactionRepository
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// NewBalanceProjector creates a new BalanceProjector.
func NewBalanceProjector(
	balRepo ports.BalanceRepository,
	txRepo ports.TransactionRepository,
	m *metrics.Metrics,
	log zerolog.Logger,
) *BalanceProjector {
	return &BalanceProjector{
		balRepo: balRepo,
		txRepo:  txRepo,
		metrics: m,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply adds a confirmed entry's amount to its asset's balance inside the
// caller's transaction.
func (p *BalanceProjector) Apply(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	if t.Status != domain.TransactionStatusConfirmed {
		return apperror.ErrInvalidTransition(t.ID, string(t.Status), "APPLIED")
	}

	balance, err := p.balRepo.AddDelta(ctx, tx, t.Asset(), t.Amount, p.now())
	if err != nil {
		return fmt.Errorf("apply %s to balance: %w", t.ID, err)
	}

	p.metrics.ProjectedBalance.WithLabelValues(t.Asset()).Set(float64(balance))
	p.log.Debug().
		Str("tx_id", t.ID.String()).
		Str("asset_id", t.Asset()).
		Int64("delta", t.Amount).
		Int64("balance", balance).
		Msg("balance applied")
	return nil
}

// lockBalance returns the projected balance with its row locked for the
// rest of tx.
func (p *BalanceProjector) lockBalance(ctx context.Context, tx pgx.Tx, assetID string) (int64, error) {
	return p.balRepo.LockBalance(ctx, tx, assetID, p.now())
}

// GetBalance returns the projected balance, 0 for assets never seen.
func (p *BalanceProjector) GetBalance(ctx context.Context, assetID string) (int64, error) {
	if assetID == "" {
		return 0, apperror.Validation("asset_id is required")
	}

	b, err := p.balRepo.Get(ctx, assetID)
	if err != nil {
		return 0, apperror.ErrPersistence(fmt.Errorf("get balance: %w", err))
	}
	if b == nil {
		return 0, nil
	}
	return b.Balance, nil
}

// ListBalances returns every projected balance.
func (p *BalanceProjector) ListBalances(ctx context.Context) ([]domain.AssetBalance, error) {
	balances, err := p.balRepo.List(ctx)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("list balances: %w", err))
	}
	return balances, nil
}

// Verify compares the projection with the sum of confirmed ledger amounts.
func (p *BalanceProjector) Verify(ctx context.Context, assetID string) (*domain.BalanceCheck, error) {
	projected, err := p.GetBalance(ctx, assetID)
	if err != nil {
		return nil, err
	}

	sum, err := p.txRepo.SumConfirmed(ctx, assetID)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("sum confirmed: %w", err))
	}

	check := &domain.BalanceCheck{
		AssetID:    assetID,
		Projected:  projected,
		LedgerSum:  sum,
		Consistent: projected == sum,
	}
	if !check.Consistent {
		p.log.Error().
			Str("asset_id", assetID).
			Int64("projected", projected).
			Int64("ledger_sum", sum).
			Msg("projected balance diverges from ledger")
	}
	return check, nil
}
