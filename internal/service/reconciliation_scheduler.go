package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"asset-ledger/internal/core/domain"
	"asset-ledger/internal/core/ports"
	"asset-ledger/internal/metrics"
	"asset-ledger/pkg/apperror"
	"asset-ledger/pkg/retry"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	cycleLeaseName    = "reconciliation"
	defaultSweepLimit = 500
)

// SchedulerConfig tunes ReconciliationScheduler.
type SchedulerConfig struct {
	Interval       time.Duration
	PendingTimeout time.Duration // PENDING entries older than this are swept
	Retry          retry.Policy  // applied to every daemon call
	LeaseTTL       time.Duration // defaults to twice Interval
	SweepLimit     int
}

// ReconciliationScheduler periodically resolves stale PENDING entries and
// corrects projected balances against the daemon.
type ReconciliationScheduler struct {
	ledger    *LedgerService
	projector *BalanceProjector
	daemon    ports.DaemonClient
	lease     ports.CycleLease // nil when running a single instance
	cfg       SchedulerConfig
	cron      *cron.Cron
	cycleMu   sync.Mutex
	baseCtx   context.Context
	cancel    context.CancelFunc
	asyncMu   sync.Mutex // orders TriggerAsync's wg.Add before Stop's wg.Wait
	stopped   bool
	wg        sync.WaitGroup
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// NewReconciliationScheduler creates a scheduler. lease may be nil.
func NewReconciliationScheduler(
	ledger *LedgerService,
	projector *BalanceProjector,
	daemon ports.DaemonClient,
	lease ports.CycleLease,
	cfg SchedulerConfig,
	m *metrics.Metrics,
	log zerolog.Logger,
) *ReconciliationScheduler {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * cfg.Interval
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = defaultSweepLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{log: log}
	return &ReconciliationScheduler{
		ledger:    ledger,
		projector: projector,
		daemon:    daemon,
		lease:     lease,
		cfg:       cfg,
		cron:      cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		baseCtx:   ctx,
		cancel:    cancel,
		metrics:   m,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules a cycle every Interval.
func (s *ReconciliationScheduler) Start() error {
	schedule := "@every " + s.cfg.Interval.String()
	if _, err := s.cron.AddFunc(schedule, func() { s.RunCycle(s.baseCtx) }); err != nil {
		return fmt.Errorf("schedule reconciliation %q: %w", schedule, err)
	}
	s.cron.Start()
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("reconciliation scheduler started")
	return nil
}

// Stop cancels a running cycle and waits for it to return.
func (s *ReconciliationScheduler) Stop() {
	s.asyncMu.Lock()
	s.stopped = true
	s.cancel()
	s.asyncMu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()

	// a Trigger may still be unwinding
	s.cycleMu.Lock()
	s.cycleMu.Unlock() //nolint:staticcheck // empty critical section waits for the cycle
	s.log.Info().Msg("reconciliation scheduler stopped")
}

// Trigger runs one cycle now and returns its report. It waits for a cycle
// already in progress to finish first.
func (s *ReconciliationScheduler) Trigger(ctx context.Context) (*domain.ReconciliationReport, error) {
	if s.baseCtx.Err() != nil {
		return nil, apperror.InternalError(errors.New("reconciliation scheduler stopped"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	return s.RunCycle(ctx), nil
}

// TriggerAsync starts a cycle in the background unless one is running.
func (s *ReconciliationScheduler) TriggerAsync() {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	if s.stopped {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.cycleMu.TryLock() {
			s.log.Debug().Msg("reconciliation already running, trigger dropped")
			return
		}
		defer s.cycleMu.Unlock()
		s.cycle(s.baseCtx)
	}()
}

// RunCycle runs one full reconciliation cycle. Cycles never overlap.
func (s *ReconciliationScheduler) RunCycle(ctx context.Context) *domain.ReconciliationReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.cycle(ctx)
}

func (s *ReconciliationScheduler) cycle(ctx context.Context) *domain.ReconciliationReport {
	report := &domain.ReconciliationReport{
		StartedAt:     s.now(),
		Corrections:   []uuid.UUID{},
		SkippedAssets: []string{},
	}
	defer s.finish(report)

	if s.lease != nil {
		held, err := s.lease.Acquire(ctx, cycleLeaseName, s.cfg.LeaseTTL)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Msg("cycle lease unavailable, reconciling without it")
		case !held:
			report.LeaseBusy = true
			s.log.Info().Msg("another instance holds the reconciliation lease, skipping cycle")
			return report
		default:
			defer func() {
				if err := s.lease.Release(context.WithoutCancel(ctx), cycleLeaseName); err != nil {
					s.log.Warn().Err(err).Msg("failed to release reconciliation lease")
				}
			}()
		}
	}

	cutoff := s.now().Add(-s.cfg.PendingTimeout)

	openMints, ok := s.sweep(ctx, cutoff, report)
	if !ok || ctx.Err() != nil {
		return report
	}

	assets, local, ok := s.assetSet(ctx, report)
	if !ok {
		return report
	}

	young, err := s.ledger.assetsWithPendingSince(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list assets with pending entries")
		return report
	}

	for _, assetID := range assets {
		if ctx.Err() != nil {
			return report
		}
		// an asset the ledger has never seen may be the output of a mint
		// whose batch finalised after the sweep looked at it
		if young[assetID] || (openMints > 0 && !local[assetID]) {
			report.SkippedAssets = append(report.SkippedAssets, assetID)
			continue
		}

		var daemonBalance int64
		err := s.callDaemon(ctx, "balance", func(ctx context.Context) error {
			b, err := s.daemon.GetAssetBalance(ctx, assetID)
			daemonBalance = b
			return err
		})
		if errors.Is(err, domain.ErrDaemonUnavailable) {
			s.suspend(report, err)
			return report
		}
		if err != nil {
			s.log.Warn().Err(err).Str("asset_id", assetID).Msg("daemon balance unavailable for asset, skipping")
			continue
		}

		note := fmt.Sprintf("reconciled to daemon balance %d", daemonBalance)
		correction, err := s.ledger.ApplyCorrection(ctx, assetID, daemonBalance, note)
		if err != nil {
			s.log.Error().Err(err).Str("asset_id", assetID).Msg("failed to apply balance correction")
			continue
		}
		report.AssetsChecked++
		if correction != nil {
			report.Corrections = append(report.Corrections, correction.ID)
		}
	}
	return report
}

// sweep resolves PENDING entries older than cutoff through the daemon, and
// PENDING mints of any age since their outcome only shows on finalisation.
// It returns the number of mints left unresolved, and false when the cycle
// must stop.
func (s *ReconciliationScheduler) sweep(ctx context.Context, cutoff time.Time, report *domain.ReconciliationReport) (int, bool) {
	candidates, err := s.sweepCandidates(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list stale pending entries")
		return 0, true
	}

	openMints := 0
	for i := range candidates {
		t := &candidates[i]
		if ctx.Err() != nil {
			return openMints, false
		}
		if t.Type == domain.TransactionTypeMint {
			openMints++
		}

		switch t.Type {
		case domain.TransactionTypeSend, domain.TransactionTypeReceive, domain.TransactionTypeMint:
		default:
			continue // never forwarded to the daemon
		}

		ref := domain.OperationRef{
			TransactionID: t.ID,
			Type:          t.Type,
			AssetID:       t.Asset(),
		}
		if t.Destination != nil {
			ref.Destination = *t.Destination
		}
		if t.ExternalRef != nil {
			ref.ExternalRef = *t.ExternalRef
		}

		var outcome domain.OperationOutcome
		err := s.callDaemon(ctx, "lookup", func(ctx context.Context) error {
			o, err := s.daemon.LookupOperation(ctx, ref)
			outcome = o
			return err
		})
		if errors.Is(err, domain.ErrDaemonUnavailable) {
			s.suspend(report, err)
			return openMints, false
		}
		if err != nil {
			s.log.Warn().Err(err).Str("tx_id", t.ID.String()).Msg("operation lookup failed, skipping")
			continue
		}

		target := domain.TransactionStatusFailed
		switch {
		case !outcome.Found:
			if t.Type == domain.TransactionTypeMint && !t.CreatedAt.Before(cutoff) {
				continue // the batch may not be listed yet
			}
		case outcome.Status == domain.TransactionStatusPending:
			continue
		case outcome.Status == domain.TransactionStatusConfirmed:
			target = domain.TransactionStatusConfirmed
		}

		var resolved *domain.Transaction
		if t.Type == domain.TransactionTypeMint && target == domain.TransactionStatusConfirmed && outcome.AssetID != "" {
			resolved, err = s.ledger.ConfirmMint(ctx, t.ID, outcome.AssetID)
		} else {
			resolved, err = s.ledger.Transition(ctx, t.ID, target)
		}
		if err != nil {
			if !apperror.HasCode(err, apperror.CodeInvalidTransition) {
				s.log.Error().Err(err).Str("tx_id", t.ID.String()).Msg("failed to resolve stale pending entry")
			}
			continue
		}
		if t.Type == domain.TransactionTypeMint {
			openMints--
		}

		if target == domain.TransactionStatusConfirmed {
			report.PendingConfirmed++
		} else {
			report.PendingFailed++
		}
		s.log.Info().
			Str("tx_id", t.ID.String()).
			Str("asset_id", resolved.Asset()).
			Str("status", string(target)).
			Msg("stale pending entry resolved")
	}
	return openMints, true
}

// sweepCandidates merges stale PENDING entries with every PENDING mint.
func (s *ReconciliationScheduler) sweepCandidates(ctx context.Context, cutoff time.Time) ([]domain.Transaction, error) {
	stale, err := s.ledger.pendingOlderThan(ctx, cutoff, s.cfg.SweepLimit)
	if err != nil {
		return nil, err
	}
	mints, err := s.ledger.pendingMints(ctx, s.cfg.SweepLimit)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(stale))
	for _, t := range stale {
		seen[t.ID] = struct{}{}
	}
	for _, t := range mints {
		if _, ok := seen[t.ID]; !ok {
			stale = append(stale, t)
		}
	}
	return stale, nil
}

// assetSet returns the sorted union of projected and daemon-held assets,
// and the set of those the ledger already projects.
func (s *ReconciliationScheduler) assetSet(ctx context.Context, report *domain.ReconciliationReport) ([]string, map[string]bool, bool) {
	balances, err := s.projector.ListBalances(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list projected balances")
		return nil, nil, false
	}

	var infos []domain.AssetInfo
	err = s.callDaemon(ctx, "list_assets", func(ctx context.Context) error {
		list, err := s.daemon.ListAssets(ctx)
		infos = list
		return err
	})
	if errors.Is(err, domain.ErrDaemonUnavailable) {
		s.suspend(report, err)
		return nil, nil, false
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("daemon asset listing failed, reconciling projected assets only")
	}

	local := make(map[string]bool, len(balances))
	set := make(map[string]struct{}, len(balances)+len(infos))
	for _, b := range balances {
		set[b.AssetID] = struct{}{}
		local[b.AssetID] = true
	}
	for _, a := range infos {
		set[a.AssetID] = struct{}{}
	}

	assets := make([]string, 0, len(set))
	for id := range set {
		assets = append(assets, id)
	}
	sort.Strings(assets)
	return assets, local, true
}

// callDaemon runs fn under the retry policy. Only unavailability is retried.
func (s *ReconciliationScheduler) callDaemon(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		s.metrics.DaemonCalls.WithLabelValues(op, metrics.DaemonResult(err)).Inc()
		if err != nil && !errors.Is(err, domain.ErrDaemonUnavailable) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, attempt int, wait time.Duration) {
		s.log.Warn().Err(err).Str("operation", op).Int("attempt", attempt).Dur("backoff", wait).Msg("daemon call failed, retrying")
	})
}

func (s *ReconciliationScheduler) suspend(report *domain.ReconciliationReport, err error) {
	report.Suspended = true
	s.log.Warn().Err(err).Msg("asset daemon unavailable, reconciliation cycle suspended")
}

func (s *ReconciliationScheduler) finish(report *domain.ReconciliationReport) {
	report.FinishedAt = s.now()

	outcome := metrics.CycleCompleted
	switch {
	case report.LeaseBusy:
		outcome = metrics.CycleLeaseBusy
	case report.Suspended:
		outcome = metrics.CycleSuspended
	}
	s.metrics.ReconcileCycles.WithLabelValues(outcome).Inc()
	s.metrics.ReconcileDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	s.log.Info().
		Int("assets_checked", report.AssetsChecked).
		Int("corrections", len(report.Corrections)).
		Int("pending_confirmed", report.PendingConfirmed).
		Int("pending_failed", report.PendingFailed).
		Int("skipped_assets", len(report.SkippedAssets)).
		Bool("suspended", report.Suspended).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("reconciliation cycle finished")
}

// cronLogger routes robfig/cron's logging to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
