package safe

import "time"

// TransactionType is the business reason for a journal entry.
type TransactionType string

const (
	TxTypeSpend       TransactionType = "spend"
	TxTypeRepay       TransactionType = "repay"
	TxTypeDeposit     TransactionType = "deposit"
	TxTypeWithdrawal  TransactionType = "withdrawal"
	TxTypeLiquidation TransactionType = "liquidation"
)

// Transaction is a journal record appended for every settled operation on a
// safe. The journal is append-only; entries are never mutated.
type Transaction struct {
	ID     string
	SafeID string
	Type   TransactionType

	// ExternalID is the caller-supplied transaction id for spends, used by
	// the replay guard. Empty for internally generated entries.
	ExternalID string

	Mode      Mode
	Sponsor   string
	Tokens    []string
	Amounts   []int64
	TotalUSD  int64
	Recipient string

	CashbackPaidUSD     int64
	CashbackDeferredUSD int64

	CreatedAt time.Time
}
