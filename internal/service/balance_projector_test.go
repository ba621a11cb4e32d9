package service

import (
	"context"
	"testing"

	"asset-ledger/internal/core/domain"
	"asset-ledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjector_Apply_RequiresConfirmed(t *testing.T) {
	e := newEngine(t, GuardConfig{})

	err := e.projector.Apply(context.Background(), &memTx{}, &domain.Transaction{
		ID:      uuid.New(),
		AssetID: domain.StrPtr("aa"),
		Amount:  5,
		Status:  domain.TransactionStatusPending,
	})
	requireCode(t, err, apperror.CodeInvalidTransition)
	assert.Empty(t, e.store.balances)
}

func TestProjector_Apply_UpdatesGauge(t *testing.T) {
	e := newEngine(t, GuardConfig{})
	mintConfirmed(t, e, "aa", 12)

	assert.Equal(t, 12.0, testutil.ToFloat64(e.metrics.ProjectedBalance.WithLabelValues("aa")))
}

func TestProjector_GetBalance(t *testing.T) {
	e := newEngine(t, GuardConfig{})
	ctx := context.Background()

	balance, err := e.projector.GetBalance(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, balance)

	_, err = e.projector.GetBalance(ctx, "")
	requireCode(t, err, apperror.CodeValidation)
}

func TestProjector_ListBalances(t *testing.T) {
	e := newEngine(t, GuardConfig{})
	mintConfirmed(t, e, "bb", 2)
	mintConfirmed(t, e, "aa", 1)

	balances, err := e.projector.ListBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "aa", balances[0].AssetID)
	assert.Equal(t, int64(2), balances[1].Balance)
}

func TestProjector_Verify(t *testing.T) {
	e := newEngine(t, GuardConfig{})
	ctx := context.Background()
	mintConfirmed(t, e, "aa", 30)

	check, err := e.projector.Verify(ctx, "aa")
	require.NoError(t, err)
	assert.True(t, check.Consistent)
	assert.Equal(t, int64(30), check.Projected)
	assert.Equal(t, int64(30), check.LedgerSum)

	// drift the projection behind the ledger's back
	e.store.mu.Lock()
	b := e.store.balances["aa"]
	b.Balance = 31
	e.store.balances["aa"] = b
	e.store.mu.Unlock()

	check, err = e.projector.Verify(ctx, "aa")
	require.NoError(t, err)
	assert.False(t, check.Consistent)
	assert.Equal(t, int64(31), check.Projected)
}
