// Package safe defines the ledger model for a custodial multi-owner account
// and the pure state transitions that govern its spending limits and
// operating mode. All monetary amounts are USD cents; conversion to token
// units is delegated to external collaborators.
package safe

import "time"

// Mode says how a safe pays for a spend: from its prefunded balance or by
// drawing on a credit line.
type Mode string

const (
	ModeDebit  Mode = "debit"
	ModeCredit Mode = "credit"
)

// Tier ranks a safe for cashback rate lookup.
type Tier string

const (
	TierBase     Tier = "base"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// WithdrawalRequest is a delayed, cancellable request to move funds out of a
// safe. At most one request is outstanding per safe; a new request supersedes
// the previous one.
type WithdrawalRequest struct {
	Tokens       []string
	Amounts      []int64
	Recipient    string
	RequestedAt  time.Time
	FinalizeTime time.Time
}

// Safe is the per-account ledger record. It is created once when a safe is
// onboarded and mutated for the safe's lifetime, never deleted.
type Safe struct {
	ID    string
	Owner string
	Tier  Tier

	Limit SpendingLimit

	Mode                  Mode
	IncomingMode          Mode
	IncomingModeStartTime time.Time // zero = no pending change

	PendingWithdrawal *WithdrawalRequest

	// ClearedTransactions is the replay guard: transaction ids that have
	// already been processed, successfully or not past the clearing point.
	ClearedTransactions map[string]bool

	// Balances holds the prefunded USD-cent value per token symbol.
	Balances map[string]int64

	SplitToSafeBps      int64
	TotalCashbackEarned int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy. The orchestrator mutates a clone and persists it
// only after the whole call succeeds, so a hard abort leaves the stored
// record untouched.
func (s Safe) Clone() Safe {
	out := s
	out.ClearedTransactions = make(map[string]bool, len(s.ClearedTransactions))
	for k, v := range s.ClearedTransactions {
		out.ClearedTransactions[k] = v
	}
	out.Balances = make(map[string]int64, len(s.Balances))
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	if s.PendingWithdrawal != nil {
		req := *s.PendingWithdrawal
		req.Tokens = append([]string(nil), s.PendingWithdrawal.Tokens...)
		req.Amounts = append([]int64(nil), s.PendingWithdrawal.Amounts...)
		out.PendingWithdrawal = &req
	}
	return out
}

// Reserved returns the USD-cent amount of a token held back by the pending
// withdrawal request, if any.
func (s *Safe) Reserved(token string) int64 {
	if s.PendingWithdrawal == nil {
		return 0
	}
	var reserved int64
	for i, t := range s.PendingWithdrawal.Tokens {
		if t == token {
			reserved += s.PendingWithdrawal.Amounts[i]
		}
	}
	return reserved
}

// Available returns the spendable balance of a token after subtracting funds
// reserved by the pending withdrawal.
func (s *Safe) Available(token string) int64 {
	return s.Balances[token] - s.Reserved(token)
}
