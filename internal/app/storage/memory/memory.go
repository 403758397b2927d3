package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-network/spendledger/internal/app/domain/cashback"
	"github.com/custodia-network/spendledger/internal/app/domain/safe"
	"github.com/custodia-network/spendledger/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu           sync.RWMutex
	safes        map[string]safe.Safe
	transactions map[string]safe.Transaction
	txBySafe     map[string][]string
	pending      map[string]cashback.Pending // recipient|token
	tierRates    cashback.TierRates
}

var _ storage.SafeStore = (*Store)(nil)
var _ storage.TransactionStore = (*Store)(nil)
var _ storage.CashbackStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		safes:        make(map[string]safe.Safe),
		transactions: make(map[string]safe.Transaction),
		txBySafe:     make(map[string][]string),
		pending:      make(map[string]cashback.Pending),
		tierRates:    cashback.DefaultTierRates(),
	}
}

func pendingKey(recipient, token string) string {
	return recipient + "|" + token
}

// SafeStore implementation ---------------------------------------------------

func (s *Store) CreateSafe(_ context.Context, rec safe.Safe) (safe.Safe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else if _, exists := s.safes[rec.ID]; exists {
		return safe.Safe{}, storage.ErrAlreadyExists
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.safes[rec.ID] = rec.Clone()
	return rec.Clone(), nil
}

func (s *Store) UpdateSafe(_ context.Context, rec safe.Safe) (safe.Safe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.safes[rec.ID]
	if !ok {
		return safe.Safe{}, storage.ErrNotFound
	}

	rec.CreatedAt = original.CreatedAt
	rec.UpdatedAt = time.Now().UTC()

	s.safes[rec.ID] = rec.Clone()
	return rec.Clone(), nil
}

func (s *Store) GetSafe(_ context.Context, id string) (safe.Safe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.safes[id]
	if !ok {
		return safe.Safe{}, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) ListSafes(_ context.Context) ([]safe.Safe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]safe.Safe, 0, len(s.safes))
	for _, rec := range s.safes {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TransactionStore implementation --------------------------------------------

func (s *Store) AppendTransaction(_ context.Context, tx safe.Transaction) (safe.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if _, exists := s.transactions[tx.ID]; exists {
		return safe.Transaction{}, storage.ErrAlreadyExists
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	tx.Tokens = append([]string(nil), tx.Tokens...)
	tx.Amounts = append([]int64(nil), tx.Amounts...)

	s.transactions[tx.ID] = tx
	s.txBySafe[tx.SafeID] = append(s.txBySafe[tx.SafeID], tx.ID)
	return tx, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (safe.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return safe.Transaction{}, storage.ErrNotFound
	}
	return tx, nil
}

func (s *Store) ListTransactions(_ context.Context, safeID string) ([]safe.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.txBySafe[safeID]
	out := make([]safe.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.transactions[id])
	}
	return out, nil
}

// CashbackStore implementation -----------------------------------------------

func (s *Store) UpsertPendingCashback(_ context.Context, p cashback.Pending) (cashback.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.UpdatedAt = time.Now().UTC()
	s.pending[pendingKey(p.Recipient, p.Token)] = p
	return p, nil
}

func (s *Store) GetPendingCashback(_ context.Context, recipient, token string) (cashback.Pending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pending[pendingKey(recipient, token)]
	if !ok {
		return cashback.Pending{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) DeletePendingCashback(_ context.Context, recipient, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pendingKey(recipient, token)
	if _, ok := s.pending[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.pending, key)
	return nil
}

func (s *Store) ListPendingCashback(_ context.Context, recipient string) ([]cashback.Pending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []cashback.Pending
	for _, p := range s.pending {
		if p.Recipient == recipient {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *Store) ListAllPendingCashback(_ context.Context) ([]cashback.Pending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]cashback.Pending, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Recipient != out[j].Recipient {
			return out[i].Recipient < out[j].Recipient
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

func (s *Store) GetTierRates(_ context.Context) (cashback.TierRates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(cashback.TierRates, len(s.tierRates))
	for tier, rate := range s.tierRates {
		out[tier] = rate
	}
	return out, nil
}

func (s *Store) SetTierRates(_ context.Context, rates cashback.TierRates) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tierRates = make(cashback.TierRates, len(rates))
	for tier, rate := range rates {
		s.tierRates[tier] = rate
	}
	return nil
}
