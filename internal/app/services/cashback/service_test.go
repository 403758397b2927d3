package cashback

import (
	"context"
	"errors"
	"testing"

	"github.com/custodia-network/spendledger/internal/app/domain/cashback"
	"github.com/custodia-network/spendledger/internal/app/domain/safe"
	"github.com/custodia-network/spendledger/internal/app/storage/memory"
	"github.com/custodia-network/spendledger/pkg/testutil"
)

func TestDistributePaysWhenPayoutAccepts(t *testing.T) {
	store := memory.New()
	payout := testutil.NewMockPayout()
	d := New(store, payout, nil)
	ctx := context.Background()

	if !d.Distribute(ctx, "alice", "USDC", 150) {
		t.Fatalf("Distribute reported deferred for an accepting payout")
	}
	if got := payout.PaidTo("alice", "USDC"); got != 150 {
		t.Fatalf("paid = %d, want 150", got)
	}
	if _, err := store.GetPendingCashback(ctx, "alice", "USDC"); err == nil {
		t.Fatalf("successful payout created a pending entry")
	}
}

func TestDistributeDefersOnDeclineAndAccumulates(t *testing.T) {
	store := memory.New()
	payout := testutil.NewMockPayout()
	payout.Declined = true
	d := New(store, payout, nil)
	ctx := context.Background()

	if d.Distribute(ctx, "alice", "USDC", 100) {
		t.Fatalf("Distribute reported paid for a declining payout")
	}
	if d.Distribute(ctx, "alice", "USDC", 50) {
		t.Fatalf("second Distribute reported paid")
	}

	pending, err := store.GetPendingCashback(ctx, "alice", "USDC")
	if err != nil {
		t.Fatalf("GetPendingCashback: %v", err)
	}
	if pending.AmountUSD != 150 {
		t.Fatalf("pending = %d, want 150", pending.AmountUSD)
	}
}

func TestDistributeDefersOnError(t *testing.T) {
	store := memory.New()
	payout := testutil.NewMockPayout()
	payout.Err = errors.New("rpc unavailable")
	d := New(store, payout, nil)
	ctx := context.Background()

	if d.Distribute(ctx, "bob", "DAI", 40) {
		t.Fatalf("Distribute reported paid for a failing payout")
	}
	pending, err := store.GetPendingCashback(ctx, "bob", "DAI")
	if err != nil {
		t.Fatalf("GetPendingCashback: %v", err)
	}
	if pending.AmountUSD != 40 {
		t.Fatalf("pending = %d, want 40", pending.AmountUSD)
	}
}

func TestRetrievePendingFlushesOnSuccess(t *testing.T) {
	store := memory.New()
	payout := testutil.NewMockPayout()
	payout.Declined = true
	d := New(store, payout, nil)
	ctx := context.Background()

	d.Distribute(ctx, "alice", "USDC", 75)

	// Payout still failing: the balance stays put.
	if d.RetrievePending(ctx, "alice", "USDC") {
		t.Fatalf("retrieve succeeded against a declining payout")
	}
	if pending, _ := store.GetPendingCashback(ctx, "alice", "USDC"); pending.AmountUSD != 75 {
		t.Fatalf("failed retrieve altered the pending balance: %d", pending.AmountUSD)
	}

	payout.Declined = false
	if !d.RetrievePending(ctx, "alice", "USDC") {
		t.Fatalf("retrieve failed against an accepting payout")
	}
	if got := payout.PaidTo("alice", "USDC"); got != 75 {
		t.Fatalf("paid = %d, want 75", got)
	}
	if _, err := store.GetPendingCashback(ctx, "alice", "USDC"); err == nil {
		t.Fatalf("pending entry not cleared after successful retrieve")
	}
}

func TestRetrieveAllPending(t *testing.T) {
	store := memory.New()
	payout := testutil.NewMockPayout()
	payout.Declined = true
	d := New(store, payout, nil)
	ctx := context.Background()

	d.Distribute(ctx, "alice", "USDC", 10)
	d.Distribute(ctx, "alice", "DAI", 20)
	d.Distribute(ctx, "carol", "USDC", 30)

	payout.Declined = false
	d.RetrieveAllPending(ctx, "alice")

	if payout.PaidTo("alice", "USDC") != 10 || payout.PaidTo("alice", "DAI") != 20 {
		t.Fatalf("alice balances not flushed: %v", payout.Paid)
	}
	if payout.PaidTo("carol", "USDC") != 0 {
		t.Fatalf("carol's balance flushed by alice's retrieve")
	}
	entries, err := d.GetPending(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("alice still has %d pending entries", len(entries))
	}
}

func TestComputeUsesStoredTierRates(t *testing.T) {
	store := memory.New()
	d := New(store, testutil.NewMockPayout(), nil)
	ctx := context.Background()

	split, err := d.Compute(ctx, safe.TierGold, 5_000, 10_000)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if split.Total != 200 || split.ToSafe != 100 {
		t.Fatalf("split = %+v, want total 200 toSafe 100", split)
	}

	if err := d.SetTierRates(ctx, cashback.TierRates{safe.TierGold: 400}); err != nil {
		t.Fatalf("SetTierRates: %v", err)
	}
	split, err = d.Compute(ctx, safe.TierGold, 0, 10_000)
	if err != nil {
		t.Fatalf("Compute after update: %v", err)
	}
	if split.Total != 400 {
		t.Fatalf("total after rate update = %d, want 400", split.Total)
	}
}

func TestSetTierRatesRejectsOutOfRange(t *testing.T) {
	d := New(memory.New(), testutil.NewMockPayout(), nil)
	err := d.SetTierRates(context.Background(), cashback.TierRates{safe.TierBase: 10_001})
	if !errors.Is(err, safe.ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}
