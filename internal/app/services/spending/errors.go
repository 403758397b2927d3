package spending

import "errors"

var (
	// ErrTransactionAlreadyCleared rejects a spend whose transaction id was
	// already processed. The replay guard admits each id exactly once.
	ErrTransactionAlreadyCleared = errors.New("transaction already cleared")

	// ErrAmountZero rejects a spend whose total amount is zero.
	ErrAmountZero = errors.New("amount is zero")

	// ErrOnlyOneTokenInCreditMode rejects multi-token spends while the safe
	// operates in credit mode.
	ErrOnlyOneTokenInCreditMode = errors.New("only one token allowed in credit mode")

	// ErrUnknownAccount rejects operations on addresses the membership
	// provider does not recognise as managed safes.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrNotCreditEngine rejects liquidation callbacks from any caller other
	// than the configured credit engine principal.
	ErrNotCreditEngine = errors.New("caller is not the credit engine")
)
