package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"asset-ledger/config"
	"asset-ledger/internal/core/domain"
	"asset-ledger/internal/core/ports"
	"asset-ledger/internal/metrics"
	"asset-ledger/pkg/apperror"
	"asset-ledger/pkg/retry"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var errStillPending = errors.New("transaction still pending")

// Operation is a side effect guarded by an idempotency key. Entry is the
// PENDING row recorded before Execute runs; Execute is invoked at most once
// per key.
type Operation struct {
	Entry   AppendRequest
	Execute func(ctx context.Context, t *domain.Transaction) (*domain.Transaction, error)
}

// GuardConfig tunes IdempotencyGuard.
type GuardConfig struct {
	InFlightPolicy string        // config.InFlightBlock or config.InFlightReject
	InFlightWait   time.Duration // how long to poll a key owned by another process
	CacheTTL       time.Duration
	Poll           retry.Policy // backoff between polls; attempts are bounded by InFlightWait
}

// IdempotencyGuard deduplicates submitted operations by caller-supplied key.
type IdempotencyGuard struct {
	repo       ports.IdempotencyRepository
	cache      ports.IdempotencyCache
	ledger     *LedgerService
	transactor ports.DBTransactor
	cfg        GuardConfig
	group      singleflight.Group
	inflight   sync.Map
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewIdempotencyGuard creates a new IdempotencyGuard.
func NewIdempotencyGuard(
	repo ports.IdempotencyRepository,
	cache ports.IdempotencyCache,
	ledger *LedgerService,
	transactor ports.DBTransactor,
	cfg GuardConfig,
	m *metrics.Metrics,
	log zerolog.Logger,
) *IdempotencyGuard {
	if cfg.InFlightPolicy == "" {
		cfg.InFlightPolicy = config.InFlightBlock
	}
	return &IdempotencyGuard{
		repo:       repo,
		cache:      cache,
		ledger:     ledger,
		transactor: transactor,
		cfg:        cfg,
		metrics:    m,
		log:        log,
	}
}

// Submit runs op once per key and returns the transaction it produced. A
// repeated key with the same intent returns the stored transaction without
// re-running the side effect.
func (g *IdempotencyGuard) Submit(ctx context.Context, key string, op Operation) (*domain.Transaction, error) {
	if strings.TrimSpace(key) == "" {
		return nil, apperror.Validation("idempotency key is required")
	}
	if err := op.Entry.validate(); err != nil {
		return nil, err
	}
	fingerprint := op.Entry.Intent().Fingerprint()

	if g.cfg.InFlightPolicy == config.InFlightReject {
		if _, busy := g.inflight.LoadOrStore(key, struct{}{}); busy {
			g.log.Info().Str("key", key).Msg("idempotency key in flight, rejecting")
			return nil, apperror.ErrOperationInFlight()
		}
		defer g.inflight.Delete(key)
		return g.submit(ctx, key, fingerprint, op)
	}

	// the shared call serves every waiter, so it must not die with the
	// first caller's context
	shared := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (any, error) {
		t, err := g.submit(shared, key, fingerprint, op)
		if err != nil {
			return nil, err
		}
		return coalesced{t: t, fingerprint: fingerprint}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		c := res.Val.(coalesced)
		if res.Shared && c.fingerprint != fingerprint {
			return nil, g.mismatch(key)
		}
		return c.t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// coalesced is the result of a shared submit and the intent it was made for.
type coalesced struct {
	t           *domain.Transaction
	fingerprint string
}

func (g *IdempotencyGuard) submit(ctx context.Context, key, fingerprint string, op Operation) (*domain.Transaction, error) {
	// Layer 1: Redis
	if t, hit, err := g.fromCache(ctx, key, fingerprint); err != nil || hit {
		return t, err
	}

	// Layer 2: durable key
	rec, err := g.repo.Get(ctx, key)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get idempotency key: %w", err))
	}
	if rec != nil {
		return g.replay(ctx, rec, fingerprint)
	}

	// New key: PENDING entry and key record commit together
	var created *domain.Transaction
	err = g.transactor.WithinTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		t, err := g.ledger.AppendTx(ctx, tx, op.Entry)
		if err != nil {
			return err
		}
		if err := g.repo.Create(ctx, tx, &domain.IdempotencyRecord{
			Key:           key,
			TransactionID: t.ID,
			Fingerprint:   fingerprint,
			CreatedAt:     t.CreatedAt,
		}); err != nil {
			return err
		}
		created = t
		return nil
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		return g.awaitOther(ctx, key, fingerprint)
	}
	if err != nil {
		return nil, toAppError(err)
	}

	g.remember(ctx, key, created)
	return op.Execute(ctx, created)
}

func (g *IdempotencyGuard) fromCache(ctx context.Context, key, fingerprint string) (*domain.Transaction, bool, error) {
	id, err := g.cache.Get(ctx, key)
	if err != nil {
		g.log.Warn().Err(err).Str("key", key).Msg("redis idempotency check failed, falling through to DB")
		return nil, false, nil
	}
	if id == nil {
		return nil, false, nil
	}

	t, err := g.ledger.Get(ctx, *id)
	if err != nil {
		if apperror.HasCode(err, apperror.CodeNotFound) {
			g.forget(ctx, key)
			return nil, false, nil
		}
		return nil, false, err
	}
	if t.Intent().Fingerprint() != fingerprint {
		// a confirmed mint carries the daemon's asset id rather than the
		// requested one; the durable record holds the original intent
		return nil, false, nil
	}

	g.metrics.IdempotentReplays.WithLabelValues("cache").Inc()
	return t, true, nil
}

func (g *IdempotencyGuard) replay(ctx context.Context, rec *domain.IdempotencyRecord, fingerprint string) (*domain.Transaction, error) {
	if rec.Fingerprint != fingerprint {
		return nil, g.mismatch(rec.Key)
	}

	t, err := g.ledger.Get(ctx, rec.TransactionID)
	if err != nil {
		return nil, err
	}
	g.remember(ctx, rec.Key, t)
	g.metrics.IdempotentReplays.WithLabelValues("store").Inc()
	return t, nil
}

// awaitOther handles a key whose record was committed by another process
// between our lookup and insert: poll the ledger until the entry resolves
// or InFlightWait passes, then return the latest snapshot.
func (g *IdempotencyGuard) awaitOther(ctx context.Context, key, fingerprint string) (*domain.Transaction, error) {
	rec, err := g.repo.Get(ctx, key)
	if err != nil {
		return nil, apperror.ErrPersistence(fmt.Errorf("get idempotency key: %w", err))
	}
	if rec == nil {
		return nil, apperror.ErrOperationInFlight()
	}
	if rec.Fingerprint != fingerprint {
		return nil, g.mismatch(key)
	}

	g.log.Info().Str("key", key).Str("tx_id", rec.TransactionID.String()).Msg("idempotency key owned elsewhere, waiting")

	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.InFlightWait)
	defer cancel()

	poll := g.cfg.Poll
	poll.MaxAttempts = math.MaxInt32

	var latest *domain.Transaction
	err = poll.Do(waitCtx, func(ctx context.Context) error {
		t, err := g.ledger.Get(ctx, rec.TransactionID)
		if err != nil {
			if latest != nil {
				return retry.Permanent(errStillPending)
			}
			return retry.Permanent(err)
		}
		latest = t
		if t.IsTerminal() {
			return nil
		}
		return errStillPending
	}, nil)
	if latest == nil {
		return nil, toAppError(err)
	}

	g.metrics.IdempotentReplays.WithLabelValues("store").Inc()
	return latest, nil
}

func (g *IdempotencyGuard) mismatch(key string) error {
	g.log.Warn().Str("key", key).Msg("idempotency key reused with a different intent")
	return apperror.ErrIdempotencyKeyMismatch()
}

func (g *IdempotencyGuard) remember(ctx context.Context, key string, t *domain.Transaction) {
	if err := g.cache.Set(ctx, key, t.ID, g.cfg.CacheTTL); err != nil {
		g.log.Warn().Err(err).Str("key", key).Msg("failed to cache idempotency key in redis")
	}
}

func (g *IdempotencyGuard) forget(ctx context.Context, key string) {
	if err := g.cache.Delete(ctx, key); err != nil {
		g.log.Warn().Err(err).Str("key", key).Msg("failed to drop idempotency key from redis")
	}
}

// Clear removes the durable and cached mapping for key. Maintenance only.
func (g *IdempotencyGuard) Clear(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return apperror.Validation("idempotency key is required")
	}

	deleted, err := g.repo.Delete(ctx, key)
	if err != nil {
		return apperror.ErrPersistence(fmt.Errorf("delete idempotency key: %w", err))
	}
	g.forget(ctx, key)

	if !deleted {
		return apperror.ErrNotFound("idempotency key")
	}
	g.log.Warn().Str("key", key).Msg("idempotency key cleared")
	return nil
}
