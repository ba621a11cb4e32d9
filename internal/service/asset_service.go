package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"asset-ledger/internal/core/domain"
	"asset-ledger/internal/core/ports"
	"asset-ledger/internal/metrics"
	"asset-ledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AssetService implements ports.AssetService and ports.LedgerMaintenance.
type AssetService struct {
	guard         *IdempotencyGuard
	ledger        *LedgerService
	projector     *BalanceProjector
	daemon        ports.DaemonClient
	daemonTimeout time.Duration
	daemonDown    atomic.Bool
	onReconnect   func()
	metrics       *metrics.Metrics
	log           zerolog.Logger
}

// NewAssetService creates a new AssetService.
func NewAssetService(
	guard *IdempotencyGuard,
	ledger *LedgerService,
	projector *BalanceProjector,
	daemon ports.DaemonClient,
	daemonTimeout time.Duration,
	m *metrics.Metrics,
	log zerolog.Logger,
) *AssetService {
	return &AssetService{
		guard:         guard,
		ledger:        ledger,
		projector:     projector,
		daemon:        daemon,
		daemonTimeout: daemonTimeout,
		metrics:       m,
		log:           log,
	}
}

// OnDaemonReconnect registers fn to run when a daemon call succeeds after
// the daemon was seen unavailable.
func (s *AssetService) OnDaemonReconnect(fn func()) {
	s.onReconnect = fn
}

// SubmitSend records a SEND of |req.Amount| units and forwards it to the daemon.
func (s *AssetService) SubmitSend(ctx context.Context, req ports.SendRequest) (*domain.Transaction, error) {
	if req.Destination == "" {
		return nil, apperror.Validation("destination is required")
	}
	amount, err := magnitude(req.Amount)
	if err != nil {
		return nil, err
	}
	assetID := domain.CanonicalAssetID(req.AssetID)

	return s.guard.Submit(ctx, req.IdempotencyKey, Operation{
		Entry: AppendRequest{
			Type:        domain.TransactionTypeSend,
			AssetID:     assetID,
			Amount:      -amount,
			Destination: req.Destination,
		},
		Execute: func(ctx context.Context, t *domain.Transaction) (*domain.Transaction, error) {
			return s.forward(ctx, t, "send", true, func(ctx context.Context) (string, error) {
				return s.daemon.SendAsset(ctx, domain.SendAssetRequest{
					AssetID:     assetID,
					Amount:      amount,
					Destination: req.Destination,
					Label:       t.ID.String(),
				})
			})
		},
	})
}

// SubmitMint records a MINT and asks the daemon to mint the units as a new
// asset named req.AssetID. The entry stays PENDING until reconciliation sees
// the batch finalised and binds it to the asset id the daemon assigned.
func (s *AssetService) SubmitMint(ctx context.Context, req ports.MintRequest) (*domain.Transaction, error) {
	amount, err := magnitude(req.Amount)
	if err != nil {
		return nil, err
	}

	return s.guard.Submit(ctx, req.IdempotencyKey, Operation{
		Entry: AppendRequest{
			Type:    domain.TransactionTypeMint,
			AssetID: req.AssetID,
			Amount:  amount,
		},
		Execute: func(ctx context.Context, t *domain.Transaction) (*domain.Transaction, error) {
			return s.forward(ctx, t, "mint", false, func(ctx context.Context) (string, error) {
				return s.daemon.MintAsset(ctx, req.AssetID, amount)
			})
		},
	})
}

// SubmitReceive records a RECEIVE and creates an invoice for it. The entry
// stays PENDING until reconciliation sees the invoice paid.
func (s *AssetService) SubmitReceive(ctx context.Context, req ports.ReceiveRequest) (*domain.Transaction, error) {
	amount, err := magnitude(req.Amount)
	if err != nil {
		return nil, err
	}
	assetID := domain.CanonicalAssetID(req.AssetID)

	return s.guard.Submit(ctx, req.IdempotencyKey, Operation{
		Entry: AppendRequest{
			Type:        domain.TransactionTypeReceive,
			AssetID:     assetID,
			Amount:      amount,
			Description: req.Description,
		},
		Execute: func(ctx context.Context, t *domain.Transaction) (*domain.Transaction, error) {
			return s.forward(ctx, t, "invoice", false, func(ctx context.Context) (string, error) {
				return s.daemon.CreateInvoice(ctx, assetID, amount, req.Description)
			})
		},
	})
}

// forward runs one daemon call for a committed PENDING entry and records
// the outcome. Unavailability and timeouts leave the entry PENDING for the
// sweep; a daemon rejection fails it.
func (s *AssetService) forward(
	ctx context.Context,
	t *domain.Transaction,
	op string,
	confirm bool,
	call func(ctx context.Context) (string, error),
) (*domain.Transaction, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.daemonTimeout)
	ref, err := call(callCtx)
	cancel()
	s.observeDaemon(op, err)

	// the daemon has acted; finish the bookkeeping even if the caller left
	ctx = context.WithoutCancel(ctx)

	if err != nil {
		var de *domain.DaemonError
		if errors.As(err, &de) {
			if _, terr := s.ledger.Transition(ctx, t.ID, domain.TransactionStatusFailed); terr != nil {
				s.log.Error().Err(terr).Str("tx_id", t.ID.String()).Msg("failed to mark rejected transaction FAILED")
			}
			return nil, apperror.ErrDaemon(de.Code, de.Message, err).WithTransaction(t.ID)
		}

		s.log.Warn().Err(err).
			Str("tx_id", t.ID.String()).
			Str("operation", op).
			Msg("daemon call did not complete, transaction left pending")
		return t, nil
	}

	if err := s.ledger.RecordExternalRef(ctx, t.ID, ref); err != nil {
		s.log.Error().Err(err).Str("tx_id", t.ID.String()).Str("external_ref", ref).Msg("failed to record external reference")
	} else if ref != "" {
		t.ExternalRef = &ref
	}

	if !confirm {
		return t, nil
	}

	confirmed, err := s.ledger.Transition(ctx, t.ID, domain.TransactionStatusConfirmed)
	if apperror.HasCode(err, apperror.CodeInvalidTransition) {
		// resolved concurrently by the sweep
		return s.ledger.Get(ctx, t.ID)
	}
	if err != nil {
		return nil, withTransaction(err, t.ID)
	}
	return confirmed, nil
}

func (s *AssetService) observeDaemon(op string, err error) {
	s.metrics.DaemonCalls.WithLabelValues(op, metrics.DaemonResult(err)).Inc()

	if errors.Is(err, domain.ErrDaemonUnavailable) {
		s.daemonDown.Store(true)
		return
	}
	if s.daemonDown.CompareAndSwap(true, false) && s.onReconnect != nil {
		s.log.Info().Msg("asset daemon reachable again")
		go s.onReconnect()
	}
}

// GetBalance returns the projected balance of an asset.
func (s *AssetService) GetBalance(ctx context.Context, assetID string) (int64, error) {
	return s.projector.GetBalance(ctx, domain.CanonicalAssetID(assetID))
}

// ListTransactions returns ledger entries matching filter.
func (s *AssetService) ListTransactions(ctx context.Context, filter ports.TransactionFilter) ([]domain.Transaction, error) {
	if filter.AssetID != nil {
		assetID := domain.CanonicalAssetID(*filter.AssetID)
		filter.AssetID = &assetID
	}
	return s.ledger.List(ctx, filter)
}

// GetTransaction returns one ledger entry.
func (s *AssetService) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.ledger.Get(ctx, id)
}

// ListAssets merges the daemon's assets with projected balances. When the
// daemon is unreachable only locally known assets are returned.
func (s *AssetService) ListAssets(ctx context.Context) ([]ports.AssetSummary, error) {
	balances, err := s.projector.ListBalances(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.daemonTimeout)
	infos, err := s.daemon.ListAssets(callCtx)
	cancel()
	s.observeDaemon("list_assets", err)
	if err != nil {
		s.log.Warn().Err(err).Msg("daemon asset listing failed, returning local balances only")
		infos = nil
	}

	byID := make(map[string]*ports.AssetSummary, len(balances)+len(infos))
	for _, b := range balances {
		byID[b.AssetID] = &ports.AssetSummary{AssetID: b.AssetID, Balance: b.Balance}
	}
	for _, info := range infos {
		sum, ok := byID[info.AssetID]
		if !ok {
			sum = &ports.AssetSummary{AssetID: info.AssetID}
			byID[info.AssetID] = sum
		}
		sum.Name = info.Name
		sum.AssetType = info.AssetType
		sum.OnDaemon = true
	}

	out := make([]ports.AssetSummary, 0, len(byID))
	for _, sum := range byID {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

// --- ports.LedgerMaintenance ---

// ClearIdempotencyKey forgets an idempotency key so it can be reused.
func (s *AssetService) ClearIdempotencyKey(ctx context.Context, key string) error {
	return s.guard.Clear(ctx, key)
}

// VerifyBalance checks the projection of one asset against the ledger.
func (s *AssetService) VerifyBalance(ctx context.Context, assetID string) (*domain.BalanceCheck, error) {
	if assetID == "" {
		return nil, apperror.Validation("asset_id is required")
	}
	return s.projector.Verify(ctx, domain.CanonicalAssetID(assetID))
}

func magnitude(amount int64) (int64, error) {
	if amount == 0 {
		return 0, apperror.Validation("amount must be non-zero")
	}
	if amount == math.MinInt64 {
		return 0, apperror.Validation("amount out of range")
	}
	if amount < 0 {
		return -amount, nil
	}
	return amount, nil
}

func withTransaction(err error, id uuid.UUID) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr.WithTransaction(id)
	}
	return apperror.ErrPersistence(err).WithTransaction(id)
}
