package spending

import "context"

// CreditEngine is the external borrowing and collateral collaborator. The
// engine computes amounts and enforces solvency; this core only consumes its
// verdicts.
type CreditEngine interface {
	// Borrow draws the amount of a token against the account's credit line,
	// routed to the sponsor's settlement destination.
	Borrow(ctx context.Context, account, sponsor, token string, amountUSD int64) error

	// Repay reduces the account's outstanding debt in the token.
	Repay(ctx context.Context, account, token string, amountUSD int64) error

	// EnsureHealth fails if the account is or would become
	// undercollateralized.
	EnsureHealth(ctx context.Context, account string) error

	// ConvertUSDToToken converts a USD-cent amount into token smallest
	// units.
	ConvertUSDToToken(ctx context.Context, token string, usdAmount int64) (int64, error)
}

// SettlementRouter resolves the destination account that receives debit-mode
// funds for a given bin sponsor tag.
type SettlementRouter interface {
	Destination(sponsor string) (string, error)
}

// MembershipProvider answers whether an address is a managed safe and who
// administers it.
type MembershipProvider interface {
	IsValidAccount(addr string) bool
	IsSafeAdmin(addr, signer string) bool
}
