// Package spending implements the spend orchestrator: the transactional
// entry point composing the limit engine, mode state machine, withdrawal
// engine, and cashback distributor with the external credit and settlement
// collaborators.
//
// Every state-changing call follows the same discipline: load the ledger
// record, mutate a private copy, and persist once at the end. A failure
// anywhere before that single persist aborts with no observable mutation.
// Only the cashback stage, which runs after settlement has been persisted,
// tolerates a degraded outcome (the reward is deferred, never lost).
package spending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/custodia-network/spendledger/internal/app/domain/cashback"
	"github.com/custodia-network/spendledger/internal/app/domain/safe"
	"github.com/custodia-network/spendledger/internal/app/metrics"
	cashbacksvc "github.com/custodia-network/spendledger/internal/app/services/cashback"
	"github.com/custodia-network/spendledger/internal/app/services/guard"
	"github.com/custodia-network/spendledger/internal/app/services/withdrawals"
	"github.com/custodia-network/spendledger/internal/app/storage"
	"github.com/custodia-network/spendledger/pkg/logger"
)

// CashbackOptions selects the reward recipients for a spend.
type CashbackOptions struct {
	// Enabled turns the cashback stage on for this spend.
	Enabled bool
	// Spender receives the spender share of the split; empty routes the
	// whole split to the safe.
	Spender string
	// Referrer, when set, earns the independent flat referrer rate.
	Referrer string
}

// Stats are aggregate settlement totals. They are append-only counters and
// never participate in per-account invariants.
type Stats struct {
	Spends               int64
	VolumeUSD            int64
	CashbackPaidUSD      int64
	CashbackDeferredUSD  int64
	WithdrawalsProcessed int64
	WithdrawalsCancelled int64
	GeneratedAt          time.Time
}

// Config carries the orchestrator's fixed collaboration parameters.
type Config struct {
	// CreditEnginePrincipal identifies the only caller allowed to invoke
	// the liquidation hooks.
	CreditEnginePrincipal string
}

// Service is the spend orchestrator.
type Service struct {
	safes       storage.SafeStore
	journal     storage.TransactionStore
	withdrawals *withdrawals.Engine
	distributor *cashbacksvc.Distributor
	credit      CreditEngine
	router      SettlementRouter
	membership  MembershipProvider
	guard       *guard.Guard
	cfg         Config
	clock       func() time.Time
	log         *logger.Logger

	statsMu sync.Mutex
	stats   Stats
}

// New constructs the orchestrator. The guard must be the same instance used
// by the safes service so all mutators of an account serialize together.
func New(
	safeStore storage.SafeStore,
	journal storage.TransactionStore,
	withdrawalEngine *withdrawals.Engine,
	distributor *cashbacksvc.Distributor,
	credit CreditEngine,
	router SettlementRouter,
	membership MembershipProvider,
	g *guard.Guard,
	cfg Config,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("spending")
	}
	if g == nil {
		g = guard.New()
	}
	return &Service{
		safes:       safeStore,
		journal:     journal,
		withdrawals: withdrawalEngine,
		distributor: distributor,
		credit:      credit,
		router:      router,
		membership:  membership,
		guard:       g,
		cfg:         cfg,
		clock:       func() time.Time { return time.Now().UTC() },
		log:         log,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) checkMembership(safeID string) error {
	if s.membership != nil && !s.membership.IsValidAccount(safeID) {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, safeID)
	}
	return nil
}

// Spend executes a spend transaction: validation, replay clearing, limit
// accounting, mode-dependent settlement, and the cashback stage.
func (s *Service) Spend(ctx context.Context, safeID, txID, sponsor string, tokens []string, amounts []int64, opts CashbackOptions) (safe.Transaction, error) {
	if err := s.checkMembership(safeID); err != nil {
		return safe.Transaction{}, err
	}
	if strings.TrimSpace(txID) == "" {
		return safe.Transaction{}, fmt.Errorf("%w: transaction id is required", safe.ErrInvalidInput)
	}

	ctx, release, err := s.guard.Acquire(ctx, safeID)
	if err != nil {
		return safe.Transaction{}, err
	}
	defer release()

	rec, err := s.safes.GetSafe(ctx, safeID)
	if err != nil {
		return safe.Transaction{}, err
	}

	// Stale rewards from earlier failed payouts get retried before new
	// accounting so a recovered collaborator drains the backlog without a
	// dedicated operation.
	s.distributor.RetrieveAllPending(ctx, safeID)
	if opts.Spender != "" {
		s.distributor.RetrieveAllPending(ctx, opts.Spender)
	}

	total, err := validateSpendInput(tokens, amounts)
	if err != nil {
		return safe.Transaction{}, err
	}
	if rec.ClearedTransactions[txID] {
		return safe.Transaction{}, fmt.Errorf("%w: %s", ErrTransactionAlreadyCleared, txID)
	}
	rec.ClearedTransactions[txID] = true

	now := s.clock()
	rec.CommitMode(now)
	mode := rec.EffectiveMode(now)

	// The limit check runs before any transfer so a spend that would breach
	// it never reaches settlement.
	if err := rec.Limit.Spend(total, now); err != nil {
		if errors.Is(err, safe.ErrLimitExceeded) {
			metrics.RecordLimitRejection()
		}
		metrics.RecordSpend(string(mode), total, err)
		return safe.Transaction{}, err
	}

	destination, err := s.settle(ctx, &rec, mode, sponsor, tokens, amounts)
	if err != nil {
		metrics.RecordSpend(string(mode), total, err)
		return safe.Transaction{}, err
	}

	// Cashback is computed before the persist so the running total lands in
	// the same write as settlement; payout attempts follow the persist and
	// can only defer, never abort.
	split, referrerUSD := s.computeCashback(ctx, &rec, total, opts)
	rec.TotalCashbackEarned += split.Total

	if _, err := s.safes.UpdateSafe(ctx, rec); err != nil {
		return safe.Transaction{}, fmt.Errorf("persist spend: %w", err)
	}

	paidUSD, deferredUSD := s.distributeCashback(ctx, safeID, tokens[0], split, referrerUSD, opts)
	metrics.RecordSpend(string(mode), total, nil)
	metrics.RecordCashback("paid", paidUSD)
	metrics.RecordCashback("deferred", deferredUSD)

	entry := safe.Transaction{
		SafeID:              safeID,
		Type:                safe.TxTypeSpend,
		ExternalID:          txID,
		Mode:                mode,
		Sponsor:             sponsor,
		Tokens:              tokens,
		Amounts:             amounts,
		TotalUSD:            total,
		Recipient:           destination,
		CashbackPaidUSD:     paidUSD,
		CashbackDeferredUSD: deferredUSD,
	}
	entry, err = s.journal.AppendTransaction(ctx, entry)
	if err != nil {
		s.log.WithError(err).WithField("safe_id", safeID).Warn("journal spend")
	}

	s.statsMu.Lock()
	s.stats.Spends++
	s.stats.VolumeUSD += total
	s.stats.CashbackPaidUSD += paidUSD
	s.stats.CashbackDeferredUSD += deferredUSD
	s.statsMu.Unlock()

	s.log.WithField("safe_id", safeID).
		WithField("tx_id", txID).
		WithField("mode", string(mode)).
		WithField("total_usd", total).
		Info("spend settled")
	return entry, nil
}

// validateSpendInput enforces the array-shape rules and returns the total.
func validateSpendInput(tokens []string, amounts []int64) (int64, error) {
	if len(tokens) == 0 || len(tokens) != len(amounts) {
		return 0, fmt.Errorf("%w: token and amount arrays must be non-empty and equal length", safe.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(tokens))
	var total int64
	for i, token := range tokens {
		if token == "" {
			return 0, fmt.Errorf("%w: empty token symbol", safe.ErrInvalidInput)
		}
		if seen[token] {
			return 0, fmt.Errorf("%w: duplicate token %s", safe.ErrInvalidInput, token)
		}
		seen[token] = true
		if amounts[i] < 0 {
			return 0, fmt.Errorf("%w: negative amount for %s", safe.ErrInvalidInput, token)
		}
		total += amounts[i]
	}
	if total == 0 {
		return 0, ErrAmountZero
	}
	return total, nil
}

// settle performs the mode-dependent transfer against the working copy.
// The returned destination is the resolved sponsor address in debit mode and
// empty in credit mode, where the credit engine owns routing.
func (s *Service) settle(ctx context.Context, rec *safe.Safe, mode safe.Mode, sponsor string, tokens []string, amounts []int64) (string, error) {
	if mode == safe.ModeCredit {
		if len(tokens) != 1 {
			return "", ErrOnlyOneTokenInCreditMode
		}
		err := s.withCancelRetry(ctx, rec, "credit borrow needs reserved funds", func() error {
			return s.credit.Borrow(ctx, rec.ID, sponsor, tokens[0], amounts[0])
		})
		if err != nil {
			return "", fmt.Errorf("borrow: %w", err)
		}
		return "", nil
	}

	destination, err := s.router.Destination(sponsor)
	if err != nil {
		return "", fmt.Errorf("resolve sponsor %q: %w", sponsor, err)
	}
	if err := s.settleDebit(ctx, rec, tokens, amounts); err != nil {
		return "", err
	}
	return destination, nil
}

// settleDebit checks and deducts each token's prefunded balance, applying
// the one-shot cancel-and-retry when a pending withdrawal's reservation is
// the cause of insufficiency, then runs the solvency check under the same
// pattern.
func (s *Service) settleDebit(ctx context.Context, rec *safe.Safe, tokens []string, amounts []int64) error {
	err := s.withCancelRetry(ctx, rec, "debit spend needs reserved funds", func() error {
		for i, token := range tokens {
			if rec.Available(token) < amounts[i] {
				return fmt.Errorf("%w: %s available %d below %d",
					safe.ErrInsufficientBalance, token, rec.Available(token), amounts[i])
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, token := range tokens {
		rec.Balances[token] -= amounts[i]
	}

	return s.withCancelRetry(ctx, rec, "solvency check needs reserved funds", func() error {
		return s.credit.EnsureHealth(ctx, rec.ID)
	})
}

// withCancelRetry runs fn; if it fails while a withdrawal request holds
// reserved funds, the request is cancelled once and fn retried exactly once.
// A second failure propagates. The cancellation mutates only the working
// copy, so a hard abort afterwards rolls it back along with everything else.
func (s *Service) withCancelRetry(ctx context.Context, rec *safe.Safe, reason string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if rec.PendingWithdrawal == nil {
		return err
	}
	if !s.withdrawals.Cancel(rec, reason) {
		return err
	}
	metrics.RecordWithdrawalEvent("cancelled")
	s.statsMu.Lock()
	s.stats.WithdrawalsCancelled++
	s.statsMu.Unlock()
	return fn()
}

// computeCashback derives the split and referrer amounts. A failure reading
// the rate table degrades to zero cashback rather than aborting the spend.
func (s *Service) computeCashback(ctx context.Context, rec *safe.Safe, total int64, opts CashbackOptions) (split cashback.Split, referrerUSD int64) {
	if !opts.Enabled || s.distributor == nil {
		return cashback.Split{}, 0
	}
	computed, err := s.distributor.Compute(ctx, rec.Tier, rec.SplitToSafeBps, total)
	if err != nil {
		s.log.WithError(err).WithField("safe_id", rec.ID).Warn("cashback computation failed; skipping")
		return cashback.Split{}, 0
	}
	split = computed
	if opts.Referrer != "" && s.distributor.ReferrerRateBps > 0 {
		referrerUSD = cashback.Flat(s.distributor.ReferrerRateBps, total)
	}
	return split, referrerUSD
}

// distributeCashback attempts the payouts after settlement is durable.
func (s *Service) distributeCashback(ctx context.Context, safeID, token string, split cashback.Split, referrerUSD int64, opts CashbackOptions) (paidUSD, deferredUSD int64) {
	record := func(amount int64, paid bool) {
		if paid {
			paidUSD += amount
		} else {
			deferredUSD += amount
		}
	}

	toSafe, toSpender := split.ToSafe, split.ToSpender
	if opts.Spender == "" {
		toSafe += toSpender
		toSpender = 0
	}
	if toSafe > 0 {
		record(toSafe, s.distributor.Distribute(ctx, safeID, token, toSafe))
	}
	if toSpender > 0 {
		record(toSpender, s.distributor.Distribute(ctx, opts.Spender, token, toSpender))
	}
	if referrerUSD > 0 {
		record(referrerUSD, s.distributor.Distribute(ctx, opts.Referrer, token, referrerUSD))
	}
	return paidUSD, deferredUSD
}
