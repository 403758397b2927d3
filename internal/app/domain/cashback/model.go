// Package cashback defines the reward model: tier-based rates, the
// basis-point split between a safe and its spender or referrer, and pending
// balances for payouts that could not be completed.
package cashback

import (
	"time"

	"github.com/custodia-network/spendledger/internal/app/domain/safe"
)

// BpsDenominator is the basis-point scale used by rates and splits.
const BpsDenominator = 10_000

// Split is the outcome of dividing a spend's cashback between the safe and
// the spender. Integer truncation means ToSafe+ToSpender may undershoot the
// nominal total by at most one cent per share; the remainder is dropped.
type Split struct {
	Total     int64
	ToSafe    int64
	ToSpender int64
}

// Compute derives the cashback split for a spend. rateBps is the tier rate,
// splitToSafeBps the portion of the total routed to the safe (0..10000).
func Compute(rateBps, splitToSafeBps, spendAmount int64) Split {
	total := spendAmount * rateBps / BpsDenominator
	toSafe := total * splitToSafeBps / BpsDenominator
	return Split{
		Total:     total,
		ToSafe:    toSafe,
		ToSpender: total - toSafe,
	}
}

// Flat applies an independent flat basis-point rate, used for referrer
// rewards on total spend.
func Flat(rateBps, spendAmount int64) int64 {
	return spendAmount * rateBps / BpsDenominator
}

// Pending is an accrued USD-cent amount owed to a recipient for a token,
// awaiting a successful payout retry. A nonzero balance means the most recent
// payout attempt for this (recipient, token) failed.
type Pending struct {
	Recipient string
	Token     string
	AmountUSD int64
	UpdatedAt time.Time
}

// TierRates maps safe tiers to cashback rates in basis points. Configured by
// an administrative collaborator; read-only from the spend path.
type TierRates map[safe.Tier]int64

// DefaultTierRates returns the standing rate table used until an
// administrator overrides it.
func DefaultTierRates() TierRates {
	return TierRates{
		safe.TierBase:     50,
		safe.TierSilver:   100,
		safe.TierGold:     200,
		safe.TierPlatinum: 300,
	}
}

// Rate looks up the rate for a tier, zero when the tier is unknown.
func (r TierRates) Rate(tier safe.Tier) int64 {
	return r[tier]
}
