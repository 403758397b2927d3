package storage

import (
	"context"
	"errors"

	"github.com/custodia-network/spendledger/internal/app/domain/cashback"
	"github.com/custodia-network/spendledger/internal/app/domain/safe"
)

// ErrNotFound is returned by stores when a record does not exist. Callers
// test with errors.Is so both backends report the condition uniformly.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when creating a record whose id is taken.
var ErrAlreadyExists = errors.New("record already exists")

// SafeStore persists per-safe ledger records.
type SafeStore interface {
	CreateSafe(ctx context.Context, s safe.Safe) (safe.Safe, error)
	UpdateSafe(ctx context.Context, s safe.Safe) (safe.Safe, error)
	GetSafe(ctx context.Context, id string) (safe.Safe, error)
	ListSafes(ctx context.Context) ([]safe.Safe, error)
}

// TransactionStore persists the append-only journal of settled operations.
type TransactionStore interface {
	AppendTransaction(ctx context.Context, tx safe.Transaction) (safe.Transaction, error)
	GetTransaction(ctx context.Context, id string) (safe.Transaction, error)
	ListTransactions(ctx context.Context, safeID string) ([]safe.Transaction, error)
}

// CashbackStore persists pending cashback balances and the tier rate table.
type CashbackStore interface {
	UpsertPendingCashback(ctx context.Context, p cashback.Pending) (cashback.Pending, error)
	GetPendingCashback(ctx context.Context, recipient, token string) (cashback.Pending, error)
	DeletePendingCashback(ctx context.Context, recipient, token string) error
	ListPendingCashback(ctx context.Context, recipient string) ([]cashback.Pending, error)
	ListAllPendingCashback(ctx context.Context) ([]cashback.Pending, error)

	GetTierRates(ctx context.Context) (cashback.TierRates, error)
	SetTierRates(ctx context.Context, rates cashback.TierRates) error
}
