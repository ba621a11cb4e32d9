package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"asset-ledger/internal/core/domain"
	"asset-ledger/internal/core/ports"
	"asset-ledger/internal/metrics"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// memStore is an in-memory stand-in for the postgres adapter. Units of work
// run one at a time and are undone from a journal when fn fails.
type memStore struct {
	txMu sync.Mutex // one unit of work at a time
	mu   sync.Mutex

	txs      map[uuid.UUID]domain.Transaction
	refs     map[uuid.UUID]string
	balances map[string]domain.AssetBalance
	keys     map[string]domain.IdempotencyRecord

	failures map[string]error // method name -> error returned once
	commits  int
}

func newMemStore() *memStore {
	return &memStore{
		txs:      make(map[uuid.UUID]domain.Transaction),
		refs:     make(map[uuid.UUID]string),
		balances: make(map[string]domain.AssetBalance),
		keys:     make(map[string]domain.IdempotencyRecord),
		failures: make(map[string]error),
	}
}

// failOnce makes the next call to method return err.
func (m *memStore) failOnce(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

func (m *memStore) injected(method string) error {
	if err, ok := m.failures[method]; ok {
		delete(m.failures, method)
		return err
	}
	return nil
}

// memTx records undo steps for a unit of work.
type memTx struct {
	pgx.Tx
	undo []func()
}

func journal(tx pgx.Tx, step func()) {
	if mt, ok := tx.(*memTx); ok {
		mt.undo = append(mt.undo, step)
	}
}

// --- ports.DBTransactor ---

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	tx := &memTx{}
	if err := fn(ctx, tx); err != nil {
		m.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	return nil
}

// --- ports.TransactionRepository ---

type memTxRepo struct{ s *memStore }

func (r memTxRepo) Create(_ context.Context, tx pgx.Tx, t *domain.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("Create"); err != nil {
		return err
	}
	if _, ok := r.s.txs[t.ID]; ok {
		return domain.ErrAlreadyExists
	}
	stored := *t
	stored.ExternalRef = nil
	r.s.txs[t.ID] = stored
	journal(tx, func() { delete(r.s.txs, t.ID) })
	return nil
}

func (r memTxRepo) load(id uuid.UUID) *domain.Transaction {
	t, ok := r.s.txs[id]
	if !ok {
		return nil
	}
	if ref, ok := r.s.refs[id]; ok {
		t.ExternalRef = &ref
	}
	return &t
}

func (r memTxRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("GetByID"); err != nil {
		return nil, err
	}
	return r.load(id), nil
}

func (r memTxRepo) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*domain.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.load(id), nil
}

func (r memTxRepo) UpdateStatus(_ context.Context, tx pgx.Tx, id uuid.UUID, from, to domain.TransactionStatus, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("UpdateStatus"); err != nil {
		return err
	}
	t, ok := r.s.txs[id]
	if !ok || t.Status != from {
		return domain.ErrStaleStatus
	}
	prev := t
	t.Status = to
	t.UpdatedAt = at
	r.s.txs[id] = t
	journal(tx, func() { r.s.txs[id] = prev })
	return nil
}

func (r memTxRepo) BindAsset(_ context.Context, tx pgx.Tx, id uuid.UUID, assetID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.txs[id]
	if !ok || t.Status != domain.TransactionStatusPending || t.Type != domain.TransactionTypeMint {
		return domain.ErrStaleStatus
	}
	prev := t
	t.AssetID = &assetID
	t.UpdatedAt = at
	r.s.txs[id] = t
	journal(tx, func() { r.s.txs[id] = prev })
	return nil
}

func (r memTxRepo) CreateRef(_ context.Context, tx pgx.Tx, id uuid.UUID, ref string, _ time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.refs[id]; ok {
		return domain.ErrAlreadyExists
	}
	r.s.refs[id] = ref
	journal(tx, func() { delete(r.s.refs, id) })
	return nil
}

func (r memTxRepo) List(_ context.Context, f ports.TransactionFilter) ([]domain.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := []domain.Transaction{}
	for id := range r.s.txs {
		t := r.load(id)
		switch {
		case f.AssetID != nil && t.Asset() != *f.AssetID,
			f.Status != nil && t.Status != *f.Status,
			f.Type != nil && t.Type != *f.Type,
			f.Since != nil && t.CreatedAt.Before(*f.Since),
			f.Before != nil && !t.CreatedAt.Before(*f.Before):
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r memTxRepo) PendingAssetsSince(_ context.Context, since time.Time) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	seen := map[string]bool{}
	var out []string
	for _, t := range r.s.txs {
		if t.Status == domain.TransactionStatusPending && !t.CreatedAt.Before(since) && !seen[t.Asset()] {
			seen[t.Asset()] = true
			out = append(out, t.Asset())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r memTxRepo) SumConfirmed(_ context.Context, assetID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.sumConfirmed(assetID), nil
}

func (m *memStore) sumConfirmed(assetID string) int64 {
	var sum int64
	for _, t := range m.txs {
		if t.Asset() == assetID && t.Status == domain.TransactionStatusConfirmed {
			sum += t.Amount
		}
	}
	return sum
}

// --- ports.BalanceRepository ---

type memBalanceRepo struct{ s *memStore }

func (r memBalanceRepo) AddDelta(_ context.Context, tx pgx.Tx, assetID string, delta int64, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.injected("AddDelta"); err != nil {
		return 0, err
	}
	prev, existed := r.s.balances[assetID]
	b := prev
	if !existed {
		b = domain.AssetBalance{AssetID: assetID, CreatedAt: at}
	}
	b.Balance += delta
	b.UpdatedAt = at
	r.s.balances[assetID] = b
	journal(tx, func() {
		if existed {
			r.s.balances[assetID] = prev
		} else {
			delete(r.s.balances, assetID)
		}
	})
	return b.Balance, nil
}

func (r memBalanceRepo) LockBalance(_ context.Context, tx pgx.Tx, assetID string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.balances[assetID]
	if !ok {
		b = domain.AssetBalance{AssetID: assetID, CreatedAt: at, UpdatedAt: at}
		r.s.balances[assetID] = b
		journal(tx, func() { delete(r.s.balances, assetID) })
	}
	return b.Balance, nil
}

func (r memBalanceRepo) Get(_ context.Context, assetID string) (*domain.AssetBalance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.balances[assetID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r memBalanceRepo) List(_ context.Context) ([]domain.AssetBalance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []domain.AssetBalance{}
	for _, b := range r.s.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

// --- ports.IdempotencyRepository ---

type memKeyRepo struct{ s *memStore }

func (r memKeyRepo) Create(_ context.Context, tx pgx.Tx, rec *domain.IdempotencyRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.keys[rec.Key]; ok {
		return domain.ErrAlreadyExists
	}
	r.s.keys[rec.Key] = *rec
	journal(tx, func() { delete(r.s.keys, rec.Key) })
	return nil
}

func (r memKeyRepo) Get(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.keys[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r memKeyRepo) Delete(_ context.Context, key string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.keys[key]
	delete(r.s.keys, key)
	return ok, nil
}

// --- ports.IdempotencyCache ---

type memCache struct {
	mu   sync.Mutex
	ids  map[string]uuid.UUID
	gets int
}

func newMemCache() *memCache {
	return &memCache{ids: make(map[string]uuid.UUID)}
}

func (c *memCache) Get(_ context.Context, key string) (*uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	id, ok := c.ids[key]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

func (c *memCache) Set(_ context.Context, key string, id uuid.UUID, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[key] = id
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, key)
	return nil
}

// engine wires every service over one memStore.
type engine struct {
	store     *memStore
	cache     *memCache
	metrics   *metrics.Metrics
	projector *BalanceProjector
	ledger    *LedgerService
	guard     *IdempotencyGuard
}

func newEngine(t *testing.T, cfg GuardConfig) *engine {
	t.Helper()
	store := newMemStore()
	cache := newMemCache()
	m := metrics.New()
	log := zerolog.Nop()

	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	projector := NewBalanceProjector(memBalanceRepo{store}, memTxRepo{store}, m, log)
	ledger := NewLedgerService(memTxRepo{store}, projector, store, m, log)
	guard := NewIdempotencyGuard(memKeyRepo{store}, cache, ledger, store, cfg, m, log)

	return &engine{
		store:     store,
		cache:     cache,
		metrics:   m,
		projector: projector,
		ledger:    ledger,
		guard:     guard,
	}
}

// setNow pins the clock of every component.
func (e *engine) setNow(at time.Time) {
	now := func() time.Time { return at }
	e.ledger.now = now
	e.projector.now = now
}

// invariantHolds reports whether the projection equals the confirmed sum.
func (e *engine) invariantHolds(assetID string) bool {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return e.store.balances[assetID].Balance == e.store.sumConfirmed(assetID)
}

func (e *engine) count(assetID string, status domain.TransactionStatus) int {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	n := 0
	for _, t := range e.store.txs {
		if t.Asset() == assetID && t.Status == status {
			n++
		}
	}
	return n
}
