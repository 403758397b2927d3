package spending

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/custodia-network/spendledger/internal/app/domain/safe"
	"github.com/custodia-network/spendledger/internal/app/metrics"
)

// Repay pays outstanding credit-mode debt from the safe's prefunded balance.
// If funds reserved by a pending withdrawal block the repayment, the request
// is cancelled once and the repayment retried exactly once.
func (s *Service) Repay(ctx context.Context, safeID, token string, amountUSD int64) (safe.Transaction, error) {
	if err := s.checkMembership(safeID); err != nil {
		return safe.Transaction{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" || amountUSD <= 0 {
		return safe.Transaction{}, fmt.Errorf("%w: token and positive amount required", safe.ErrInvalidInput)
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

	err = s.withCancelRetry(ctx, &rec, "repayment needs reserved funds", func() error {
		if rec.Available(token) < amountUSD {
			return fmt.Errorf("%w: %s available %d below %d",
				safe.ErrInsufficientBalance, token, rec.Available(token), amountUSD)
		}
		return nil
	})
	if err != nil {
		return safe.Transaction{}, err
	}

	if err := s.credit.Repay(ctx, safeID, token, amountUSD); err != nil {
		return safe.Transaction{}, fmt.Errorf("repay: %w", err)
	}
	rec.Balances[token] -= amountUSD

	if _, err := s.safes.UpdateSafe(ctx, rec); err != nil {
		return safe.Transaction{}, fmt.Errorf("persist repayment: %w", err)
	}

	entry := safe.Transaction{
		SafeID:   safeID,
		Type:     safe.TxTypeRepay,
		Mode:     safe.ModeCredit,
		Tokens:   []string{token},
		Amounts:  []int64{amountUSD},
		TotalUSD: amountUSD,
	}
	entry, err = s.journal.AppendTransaction(ctx, entry)
	if err != nil {
		s.log.WithError(err).WithField("safe_id", safeID).Warn("journal repayment")
	}

	s.log.WithField("safe_id", safeID).
		WithField("token", token).
		WithField("amount_usd", amountUSD).
		Info("debt repaid")
	return entry, nil
}

// RequestWithdrawal stages a delayed withdrawal, superseding any outstanding
// request.
func (s *Service) RequestWithdrawal(ctx context.Context, safeID string, tokens []string, amounts []int64, recipient string) (safe.Safe, error) {
	if err := s.checkMembership(safeID); err != nil {
		return safe.Safe{}, err
	}

	ctx, release, err := s.guard.Acquire(ctx, safeID)
	if err != nil {
		return safe.Safe{}, err
	}
	defer release()

	rec, err := s.safes.GetSafe(ctx, safeID)
	if err != nil {
		return safe.Safe{}, err
	}
	if err := s.withdrawals.Request(&rec, tokens, amounts, recipient, s.clock()); err != nil {
		return safe.Safe{}, err
	}

	updated, err := s.safes.UpdateSafe(ctx, rec)
	if err != nil {
		return safe.Safe{}, fmt.Errorf("persist withdrawal request: %w", err)
	}
	metrics.RecordWithdrawalEvent("requested")
	s.log.WithField("safe_id", safeID).
		WithField("finalize_at", rec.PendingWithdrawal.FinalizeTime.UTC()).
		Info("withdrawal requested")
	return updated, nil
}

// ProcessWithdrawal finalizes the outstanding withdrawal once its delay has
// elapsed, transfers the funds, and clears the request.
func (s *Service) ProcessWithdrawal(ctx context.Context, safeID string) (safe.Transaction, error) {
	if err := s.checkMembership(safeID); err != nil {
		return safe.Transaction{}, err
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
	request, err := s.withdrawals.Process(&rec, s.clock())
	if err != nil {
		return safe.Transaction{}, err
	}

	if _, err := s.safes.UpdateSafe(ctx, rec); err != nil {
		return safe.Transaction{}, fmt.Errorf("persist withdrawal: %w", err)
	}

	var total int64
	for _, amount := range request.Amounts {
		total += amount
	}
	entry := safe.Transaction{
		SafeID:    safeID,
		Type:      safe.TxTypeWithdrawal,
		Tokens:    request.Tokens,
		Amounts:   request.Amounts,
		TotalUSD:  total,
		Recipient: request.Recipient,
	}
	entry, err = s.journal.AppendTransaction(ctx, entry)
	if err != nil {
		s.log.WithError(err).WithField("safe_id", safeID).Warn("journal withdrawal")
	}

	metrics.RecordWithdrawalEvent("processed")
	s.statsMu.Lock()
	s.stats.WithdrawalsProcessed++
	s.statsMu.Unlock()

	s.log.WithField("safe_id", safeID).
		WithField("recipient", request.Recipient).
		WithField("total_usd", total).
		Info("withdrawal processed")
	return entry, nil
}

// PreLiquidate is invoked by the credit engine before seizing collateral. It
// cancels any pending withdrawal so reserved funds cannot escape the
// liquidation.
func (s *Service) PreLiquidate(ctx context.Context, caller, safeID string) error {
	if caller != s.cfg.CreditEnginePrincipal {
		return ErrNotCreditEngine
	}

	ctx, release, err := s.guard.Acquire(ctx, safeID)
	if err != nil {
		return err
	}
	defer release()

	rec, err := s.safes.GetSafe(ctx, safeID)
	if err != nil {
		return err
	}
	if !s.withdrawals.Cancel(&rec, "liquidation") {
		return nil
	}
	metrics.RecordWithdrawalEvent("cancelled")
	if _, err := s.safes.UpdateSafe(ctx, rec); err != nil {
		return fmt.Errorf("persist liquidation prepare: %w", err)
	}
	return nil
}

// PostLiquidate is invoked by the credit engine after collateral has been
// seized. tokenAmounts lists the USD-cent value taken per token; balances
// are reduced by at most what they hold.
func (s *Service) PostLiquidate(ctx context.Context, caller, safeID, liquidator string, tokenAmounts map[string]int64) (safe.Transaction, error) {
	if caller != s.cfg.CreditEnginePrincipal {
		return safe.Transaction{}, ErrNotCreditEngine
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

	tokens := make([]string, 0, len(tokenAmounts))
	for token := range tokenAmounts {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	var total int64
	amounts := make([]int64, 0, len(tokens))
	for _, token := range tokens {
		seized := tokenAmounts[token]
		if seized > rec.Balances[token] {
			seized = rec.Balances[token]
		}
		rec.Balances[token] -= seized
		amounts = append(amounts, seized)
		total += seized
	}

	if _, err := s.safes.UpdateSafe(ctx, rec); err != nil {
		return safe.Transaction{}, fmt.Errorf("persist liquidation: %w", err)
	}

	entry := safe.Transaction{
		SafeID:    safeID,
		Type:      safe.TxTypeLiquidation,
		Tokens:    tokens,
		Amounts:   amounts,
		TotalUSD:  total,
		Recipient: liquidator,
	}
	entry, err = s.journal.AppendTransaction(ctx, entry)
	if err != nil {
		s.log.WithError(err).WithField("safe_id", safeID).Warn("journal liquidation")
	}

	s.log.WithField("safe_id", safeID).
		WithField("liquidator", liquidator).
		WithField("total_usd", total).
		Warn("collateral liquidated")
	return entry, nil
}

// GetStats returns a snapshot of the aggregate settlement counters.
func (s *Service) GetStats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	snapshot := s.stats
	snapshot.GeneratedAt = s.clock()
	return snapshot
}

// ListTransactions returns the journal entries recorded for a safe.
func (s *Service) ListTransactions(ctx context.Context, safeID string) ([]safe.Transaction, error) {
	entries, err := s.journal.ListTransactions(ctx, safeID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return entries, nil
}
