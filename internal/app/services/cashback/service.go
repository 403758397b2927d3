// Package cashback implements the reward distributor: tier-rate lookup,
// basis-point splitting, payout attempts through the external collaborator,
// and the pending-balance fallback when a payout fails.
package cashback

import (
	"context"
	"errors"
	"fmt"

	"github.com/custodia-network/spendledger/internal/app/domain/cashback"
	"github.com/custodia-network/spendledger/internal/app/domain/safe"
	"github.com/custodia-network/spendledger/internal/app/storage"
	"github.com/custodia-network/spendledger/pkg/logger"
)

// Payout converts a USD-cent amount to token units and pays the recipient.
// paid=false without an error means the collaborator declined the payout.
type Payout interface {
	Pay(ctx context.Context, recipient, token string, usdAmount int64) (tokenAmount int64, paid bool, err error)
}

// Distributor computes and distributes cashback. Payout failures never
// propagate: the amount moves to the recipient's pending balance instead.
type Distributor struct {
	store  storage.CashbackStore
	payout Payout
	log    *logger.Logger

	// ReferrerRateBps is the independent flat rate applied to total spend
	// for referrer rewards.
	ReferrerRateBps int64
}

// New constructs a distributor.
func New(store storage.CashbackStore, payout Payout, log *logger.Logger) *Distributor {
	if log == nil {
		log = logger.NewDefault("cashback")
	}
	return &Distributor{
		store:  store,
		payout: payout,
		log:    log,
	}
}

// Compute derives the cashback split for a spend using the stored tier rate
// table.
func (d *Distributor) Compute(ctx context.Context, tier safe.Tier, splitToSafeBps, spendAmount int64) (cashback.Split, error) {
	rates, err := d.store.GetTierRates(ctx)
	if err != nil {
		return cashback.Split{}, fmt.Errorf("load tier rates: %w", err)
	}
	return cashback.Compute(rates.Rate(tier), splitToSafeBps, spendAmount), nil
}

// Distribute attempts a payout. On failure the amount accrues to the
// recipient's pending balance for the token; the enclosing operation is never
// aborted from here. Returns whether the payout landed.
func (d *Distributor) Distribute(ctx context.Context, recipient, token string, amountUSD int64) bool {
	if amountUSD <= 0 {
		return true
	}

	_, paid, err := d.payout.Pay(ctx, recipient, token, amountUSD)
	if err == nil && paid {
		return true
	}
	if err != nil {
		d.log.WithError(err).
			WithField("recipient", recipient).
			WithField("token", token).
			Warn("cashback payout failed; deferring")
	} else {
		d.log.WithField("recipient", recipient).
			WithField("token", token).
			Warn("cashback payout declined; deferring")
	}

	d.accrue(ctx, recipient, token, amountUSD)
	return false
}

// accrue adds amountUSD onto the recipient's pending balance. A storage
// failure here is logged and swallowed like the payout failure it follows.
func (d *Distributor) accrue(ctx context.Context, recipient, token string, amountUSD int64) {
	pending, err := d.store.GetPendingCashback(ctx, recipient, token)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.log.WithError(err).Warn("read pending cashback")
		return
	}
	pending.Recipient = recipient
	pending.Token = token
	pending.AmountUSD += amountUSD
	if _, err := d.store.UpsertPendingCashback(ctx, pending); err != nil {
		d.log.WithError(err).Warn("persist pending cashback")
	}
}

// RetrievePending retries the payout of a previously deferred balance. On
// success the pending entry is cleared; on any failure it is left untouched
// and no error propagates. Called opportunistically at the start of a spend
// for both payer and beneficiary.
func (d *Distributor) RetrievePending(ctx context.Context, recipient, token string) bool {
	pending, err := d.store.GetPendingCashback(ctx, recipient, token)
	if err != nil {
		return false
	}
	if pending.AmountUSD <= 0 {
		return false
	}

	_, paid, err := d.payout.Pay(ctx, recipient, token, pending.AmountUSD)
	if err != nil || !paid {
		return false
	}
	if err := d.store.DeletePendingCashback(ctx, recipient, token); err != nil {
		d.log.WithError(err).
			WithField("recipient", recipient).
			Warn("clear pending cashback after payout")
		return false
	}
	d.log.WithField("recipient", recipient).
		WithField("token", token).
		WithField("amount_usd", pending.AmountUSD).
		Info("pending cashback flushed")
	return true
}

// RetrieveAllPending retries every deferred balance for a recipient.
func (d *Distributor) RetrieveAllPending(ctx context.Context, recipient string) {
	entries, err := d.store.ListPendingCashback(ctx, recipient)
	if err != nil {
		return
	}
	for _, entry := range entries {
		d.RetrievePending(ctx, entry.Recipient, entry.Token)
	}
}

// GetPending returns all deferred balances for a recipient.
func (d *Distributor) GetPending(ctx context.Context, recipient string) ([]cashback.Pending, error) {
	return d.store.ListPendingCashback(ctx, recipient)
}

// SetTierRates replaces the tier rate table. Rates are basis points.
func (d *Distributor) SetTierRates(ctx context.Context, rates cashback.TierRates) error {
	for tier, rate := range rates {
		if rate < 0 || rate > cashback.BpsDenominator {
			return fmt.Errorf("%w: rate %d for tier %s out of range", safe.ErrInvalidInput, rate, tier)
		}
	}
	return d.store.SetTierRates(ctx, rates)
}
