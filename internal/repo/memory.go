package repo

import (
	"context"
	"sync"
	"time"

	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/shopspring/decimal"
)

// MemoryStore is the in-process Store. Locks are held per transaction and per account.
// Atomically journals transitions and reverts them when the unit of work fails.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[uint64]*accountRecord
	txs      map[uint64]*txRecord
	byAuth   map[string]uint64
	nextID   uint64

	parkedMu sync.Mutex
	parked   []model.ParkedCreditJob
}

type accountRecord struct {
	mu      sync.Mutex
	account model.Account
}

type txRecord struct {
	mu sync.Mutex
	tx model.Transaction
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uint64]*accountRecord),
		txs:      make(map[uint64]*txRecord),
		byAuth:   make(map[string]uint64),
	}
}

type journalKey struct{}

// journal records the state each transition replaced.
type journal struct {
	mu      sync.Mutex
	entries []journalEntry
}

type journalEntry struct {
	rec     *txRecord
	prior   model.Transaction
	applied model.Transaction
}

func (j *journal) record(rec *txRecord, prior, applied model.Transaction) {
	j.mu.Lock()
	j.entries = append(j.entries, journalEntry{rec: rec, prior: prior, applied: applied})
	j.mu.Unlock()
}

// revert undoes entries newest first. A record changed since is left alone.
func (j *journal) revert() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		e.rec.mu.Lock()
		if e.rec.tx.Status == e.applied.Status && e.rec.tx.UpdatedAt.Equal(e.applied.UpdatedAt) {
			e.rec.tx = e.prior
		}
		e.rec.mu.Unlock()
	}
	j.entries = nil
}

// Atomically runs fn and reverts its transitions if fn fails. Nested calls join the outer unit.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return fn(ctx)
	}
	j := &journal{}
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		j.revert()
		return err
	}
	return nil
}

func (s *MemoryStore) account(id uint64) *accountRecord {
	s.mu.RLock()
	rec, ok := s.accounts[id]
	s.mu.RUnlock()
	if ok {
		return rec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok = s.accounts[id]; !ok {
		rec = &accountRecord{account: model.Account{ID: id, Balance: decimal.Zero, UpdatedAt: time.Now().UTC()}}
		s.accounts[id] = rec
	}
	return rec
}

func (s *MemoryStore) GetOrCreateAccount(ctx context.Context, id uint64) (*model.Account, error) {
	rec := s.account(id)
	rec.mu.Lock()
	a := rec.account
	rec.mu.Unlock()
	return &a, nil
}

func (s *MemoryStore) CreditAccount(ctx context.Context, id uint64, amount decimal.Decimal) (*model.Account, error) {
	rec := s.account(id)
	rec.mu.Lock()
	rec.account.Balance = rec.account.Balance.Add(amount)
	rec.account.UpdatedAt = time.Now().UTC()
	a := rec.account
	rec.mu.Unlock()
	return &a, nil
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	authID := t.AuthRef()
	if authID != "" {
		if _, exists := s.byAuth[authID]; exists {
			return ErrDuplicateAuthID
		}
	}
	s.nextID++
	now := time.Now().UTC()
	t.ID = s.nextID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	s.txs[t.ID] = &txRecord{tx: copyTransaction(*t)}
	if authID != "" {
		s.byAuth[authID] = t.ID
	}
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id uint64) (*model.Transaction, error) {
	s.mu.RLock()
	rec, ok := s.txs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	t := copyTransaction(rec.tx)
	return &t, nil
}

func (s *MemoryStore) GetTransactionByAuthID(ctx context.Context, authID string) (*model.Transaction, error) {
	s.mu.RLock()
	id, ok := s.byAuth[authID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetTransaction(ctx, id)
}

func (s *MemoryStore) TransitionTransaction(ctx context.Context, id uint64, from model.Status, next model.Transition) (bool, error) {
	s.mu.RLock()
	rec, ok := s.txs[id]
	s.mu.RUnlock()
	if !ok {
		return false, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.tx.Status != from {
		return false, nil
	}
	prior := copyTransaction(rec.tx)
	next.Apply(&rec.tx)
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.record(rec, prior, copyTransaction(rec.tx))
	}
	return true, nil
}

// ParkCreditJob keeps the job in memory.
func (s *MemoryStore) ParkCreditJob(ctx context.Context, job model.CreditJob, attempts int, cause error) error {
	s.parkedMu.Lock()
	defer s.parkedMu.Unlock()
	s.parked = append(s.parked, model.ParkedCreditJob{
		ID:            uint64(len(s.parked) + 1),
		JobID:         job.ID,
		TransactionID: job.TransactionID,
		AccountID:     job.AccountID,
		Amount:        job.Amount,
		Attempts:      attempts,
		LastError:     truncate(errString(cause), 1024),
		ParkedAt:      time.Now().UTC(),
	})
	return nil
}

// ParkedCreditJobs lists parked jobs, newest first.
func (s *MemoryStore) ParkedCreditJobs(ctx context.Context, limit int) ([]model.ParkedCreditJob, error) {
	s.parkedMu.Lock()
	defer s.parkedMu.Unlock()
	out := make([]model.ParkedCreditJob, 0, len(s.parked))
	for i := len(s.parked) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.parked[i])
	}
	return out, nil
}

// copyTransaction detaches optional fields so callers cannot mutate stored state.
func copyTransaction(t model.Transaction) model.Transaction {
	if t.AuthID != nil {
		t.AuthID = model.StringPtr(*t.AuthID)
	}
	if t.SettlementID != nil {
		t.SettlementID = model.StringPtr(*t.SettlementID)
	}
	if t.FailureReason != nil {
		t.FailureReason = model.StringPtr(*t.FailureReason)
	}
	return t
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*Repository)(nil)
)
