package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"asset-ledger/internal/core/domain"
	"asset-ledger/internal/core/ports"
	"asset-ledger/internal/metrics"
	"asset-ledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// AppendRequest describes a new ledger entry. ID is optional.
type AppendRequest struct {
	ID          *uuid.UUID
	Type        domain.TransactionType
	AssetID     string
	Amount      int64
	Destination string
	Description string
}

// Intent returns the idempotency intent of the entry.
func (r AppendRequest) Intent() domain.Intent {
	return domain.Intent{
		Type:        r.Type,
		AssetID:     r.AssetID,
		Amount:      r.Amount,
		Destination: r.Destination,
		Description: r.Description,
	}
}

// LedgerService is the append-only transaction ledger and its state machine.
type LedgerService struct {
	txRepo     ports.TransactionRepository
	projector  *BalanceProjector
	transactor ports.DBTransactor
	locks      *keyedMutex
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(
	txRepo ports.TransactionRepository,
	projector *BalanceProjector,
	transactor ports.DBTransactor,
	m *metrics.Metrics,
	log zerolog.Logger,
) *LedgerService {
	return &LedgerService{
		txRepo:     txRepo,
		projector:  projector,
		transactor: transactor,
		locks:      newKeyedMutex(),
		metrics:    m,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Append validates and persists a PENDING entry.
func (s *LedgerService) Append(ctx context.Context, req AppendRequest) (*domain.Transaction, error) {
	t, err := s.newEntry(req)
	if err != nil {
		return nil, err
	}

	err = s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return s.insert(ctx, tx, t)
	})
	if err != nil {
		return nil, toAppError(err)
	}

	s.logAppended(t)
	return t, nil
}

// AppendTx is Append inside the caller's database transaction.
func (s *LedgerService) AppendTx(ctx context.Context, tx pgx.Tx, req AppendRequest) (*domain.Transaction, error) {
	t, err := s.newEntry(req)
	if err != nil {
		return nil, err
	}
	if err := s.insert(ctx, tx, t); err != nil {
		return nil, err
	}
	s.logAppended(t)
	return t, nil
}

func (r AppendRequest) validate() error {
	if err := domain.ValidateEntry(r.Type, domain.StrPtr(r.AssetID), r.Amount); err != nil {
		return apperror.Validation(err.Error())
	}
	return nil
}

func (s *LedgerService) newEntry(req AppendRequest) (*domain.Transaction, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	assetID := domain.StrPtr(req.AssetID)

	id := uuid.New()
	if req.ID != nil {
		id = *req.ID
	}

	now := s.now()
	return &domain.Transaction{
		ID:          id,
		Type:        req.Type,
		AssetID:     assetID,
		Amount:      req.Amount,
		Status:      domain.TransactionStatusPending,
		Destination: domain.StrPtr(req.Destination),
		Description: domain.StrPtr(req.Description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *LedgerService) insert(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	err := s.txRepo.Create(ctx, tx, t)
	if errors.Is(err, domain.ErrAlreadyExists) {
		return apperror.ErrDuplicateTransaction(t.ID)
	}
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (s *LedgerService) logAppended(t *domain.Transaction) {
	s.metrics.EntriesAppended.WithLabelValues(string(t.Type)).Inc()
	s.log.Info().
		Str("tx_id", t.ID.String()).
		Str("tx_type", string(t.Type)).
		Str("asset_id", t.Asset()).
		Int64("amount", t.Amount).
		Msg("ledger entry appended")
}

// Transition moves a PENDING entry to CONFIRMED or FAILED. Confirmation
// applies the amount to the projected balance in the same unit of work.
func (s *LedgerService) Transition(ctx context.Context, id uuid.UUID, status domain.TransactionStatus) (*domain.Transaction, error) {
	return s.transition(ctx, id, status, "")
}

// ConfirmMint confirms a PENDING MINT under the asset id the daemon assigned
// when its batch was finalised. The entry is rebound, confirmed and
// projected in one unit of work.
func (s *LedgerService) ConfirmMint(ctx context.Context, id uuid.UUID, assetID string) (*domain.Transaction, error) {
	if assetID == "" {
		return nil, apperror.Validation("asset_id is required")
	}
	return s.transition(ctx, id, domain.TransactionStatusConfirmed, domain.CanonicalAssetID(assetID))
}

func (s *LedgerService) transition(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, bindAsset string) (*domain.Transaction, error) {
	current, err := s.txRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get transaction: %w", err))
	}
	if current == nil {
		return nil, apperror.ErrNotFound("transaction")
	}
	if !current.CanTransitionTo(status) {
		return nil, s.invalidTransition(current, status)
	}
	if bindAsset == current.Asset() {
		bindAsset = ""
	}
	if bindAsset != "" && current.Type != domain.TransactionTypeMint {
		return nil, apperror.Validation("only MINT entries take a daemon-assigned asset id")
	}

	if status == domain.TransactionStatusConfirmed {
		asset := current.Asset()
		if bindAsset != "" {
			asset = bindAsset
		}
		unlock := s.locks.Lock(asset)
		defer unlock()
	}

	var out *domain.Transaction
	err = s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		t, err := s.txRepo.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("lock transaction: %w", err)
		}
		if t == nil {
			return apperror.ErrNotFound("transaction")
		}
		if !t.CanTransitionTo(status) {
			return s.invalidTransition(t, status)
		}

		now := s.now()
		if bindAsset != "" {
			err = s.txRepo.BindAsset(ctx, tx, id, bindAsset, now)
			if errors.Is(err, domain.ErrStaleStatus) {
				return s.invalidTransition(t, status)
			}
			if err != nil {
				return fmt.Errorf("bind asset: %w", err)
			}
			t.AssetID = &bindAsset
		}

		err = s.txRepo.UpdateStatus(ctx, tx, id, t.Status, status, now)
		if errors.Is(err, domain.ErrStaleStatus) {
			return s.invalidTransition(t, status)
		}
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		t.Status = status
		t.UpdatedAt = now

		if status == domain.TransactionStatusConfirmed {
			if err := s.projector.Apply(ctx, tx, t); err != nil {
				return err
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, toAppError(err)
	}

	s.metrics.Transitions.WithLabelValues(string(status)).Inc()
	s.log.Info().
		Str("tx_id", id.String()).
		Str("asset_id", out.Asset()).
		Str("status", string(status)).
		Msg("transaction transitioned")
	return out, nil
}

func (s *LedgerService) invalidTransition(t *domain.Transaction, to domain.TransactionStatus) error {
	s.log.Error().
		Str("tx_id", t.ID.String()).
		Str("from", string(t.Status)).
		Str("to", string(to)).
		Msg("invalid transition rejected")
	return apperror.ErrInvalidTransition(t.ID, string(t.Status), string(to))
}

// RecordExternalRef stores the daemon reference of a transaction. The first
// reference wins; later ones are ignored.
func (s *LedgerService) RecordExternalRef(ctx context.Context, id uuid.UUID, ref string) error {
	if ref == "" {
		return nil
	}

	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return s.txRepo.CreateRef(ctx, tx, id, ref, s.now())
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		s.log.Warn().Str("tx_id", id.String()).Str("external_ref", ref).Msg("external reference already recorded")
		return nil
	}
	if err != nil {
		return apperror.ErrPersistence(fmt.Errorf("record external ref: %w", err))
	}
	return nil
}

// ApplyCorrection brings the projected balance of assetID to daemonBalance by
// appending a confirmed RECONCILIATION entry for the difference. It returns
// nil when the balances already agree.
func (s *LedgerService) ApplyCorrection(ctx context.Context, assetID string, daemonBalance int64, note string) (*domain.Transaction, error) {
	if assetID == "" {
		return nil, apperror.Validation("asset_id is required")
	}

	unlock := s.locks.Lock(assetID)
	defer unlock()

	var out *domain.Transaction
	err := s.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		out = nil

		local, err := s.projector.lockBalance(ctx, tx, assetID)
		if err != nil {
			return fmt.Errorf("lock balance: %w", err)
		}
		diff := daemonBalance - local
		if diff == 0 {
			return nil
		}

		t, err := s.newEntry(AppendRequest{
			Type:        domain.TransactionTypeReconciliation,
			AssetID:     assetID,
			Amount:      diff,
			Description: note,
		})
		if err != nil {
			return err
		}
		if err := s.insert(ctx, tx, t); err != nil {
			return err
		}
		if err := s.txRepo.UpdateStatus(ctx, tx, t.ID, domain.TransactionStatusPending, domain.TransactionStatusConfirmed, t.UpdatedAt); err != nil {
			return fmt.Errorf("confirm correction: %w", err)
		}
		t.Status = domain.TransactionStatusConfirmed

		if err := s.projector.Apply(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, toAppError(err)
	}

	if out != nil {
		s.metrics.EntriesAppended.WithLabelValues(string(out.Type)).Inc()
		s.metrics.Corrections.WithLabelValues(assetID).Inc()
		s.log.Warn().
			Str("tx_id", out.ID.String()).
			Str("asset_id", assetID).
			Int64("delta", out.Amount).
			Int64("daemon_balance", daemonBalance).
			Msg("balance corrected from daemon")
	}
	return out, nil
}

// Get returns one transaction.
func (s *LedgerService) Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := s.txRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get transaction: %w", err))
	}
	if t == nil {
		return nil, apperror.ErrNotFound("transaction")
	}
	return t, nil
}

// List returns transactions matching filter, newest first.
func (s *LedgerService) List(ctx context.Context, filter ports.TransactionFilter) ([]domain.Transaction, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, apperror.Validation(fmt.Sprintf("unknown status %q", *filter.Status))
	}
	if filter.Type != nil && !filter.Type.Valid() {
		return nil, apperror.Validation(fmt.Sprintf("unknown transaction type %q", *filter.Type))
	}

	txs, err := s.txRepo.List(ctx, filter)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("list transactions: %w", err))
	}
	return txs, nil
}

// pendingOlderThan lists PENDING entries created before cutoff.
func (s *LedgerService) pendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	status := domain.TransactionStatusPending
	return s.List(ctx, ports.TransactionFilter{Status: &status, Before: &cutoff, Limit: limit})
}

// pendingMints lists PENDING MINT entries of any age.
func (s *LedgerService) pendingMints(ctx context.Context, limit int) ([]domain.Transaction, error) {
	status := domain.TransactionStatusPending
	txType := domain.TransactionTypeMint
	return s.List(ctx, ports.TransactionFilter{Status: &status, Type: &txType, Limit: limit})
}

// assetsWithPendingSince returns the assets holding a PENDING entry created
// at or after since.
func (s *LedgerService) assetsWithPendingSince(ctx context.Context, since time.Time) (map[string]bool, error) {
	assets, err := s.txRepo.PendingAssetsSince(ctx, since)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("pending assets: %w", err))
	}
	set := make(map[string]bool, len(assets))
	for _, a := range assets {
		set[a] = true
	}
	return set, nil
}

// toAppError keeps AppErrors raised inside a unit of work and wraps anything
// else as a persistence failure.
func toAppError(err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperror.ErrPersistence(err)
}
