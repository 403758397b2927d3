// Package withdrawals implements the delayed-withdrawal engine: one
// outstanding request per safe, a finalization delay, and the unconditional
// cancel used by the spend path when reserved funds conflict with a payment.
package withdrawals

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/custodia-network/spendledger/internal/app/domain/safe"
	"github.com/custodia-network/spendledger/pkg/logger"
)

var (
	// ErrNoPendingRequest is returned when processing a safe with no
	// outstanding withdrawal request.
	ErrNoPendingRequest = errors.New("no pending withdrawal request")

	// ErrNotYetFinalizable is returned when the withdrawal delay has not
	// elapsed.
	ErrNotYetFinalizable = errors.New("withdrawal not yet finalizable")
)

// Engine applies withdrawal transitions to a safe's ledger record. The
// caller owns persistence: every method mutates the record it is handed and
// nothing else, so an aborted operation simply discards the mutated copy.
type Engine struct {
	delay time.Duration
	log   *logger.Logger
}

// NewEngine constructs the engine with the configured finalization delay.
func NewEngine(delay time.Duration, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("withdrawals")
	}
	return &Engine{delay: delay, log: log}
}

// Delay reports the configured finalization delay.
func (e *Engine) Delay() time.Duration { return e.delay }

// Request stages a withdrawal. A prior unfinalized request is superseded.
// Amounts are checked against the balance net of what the superseded request
// no longer reserves.
func (e *Engine) Request(rec *safe.Safe, tokens []string, amounts []int64, recipient string, now time.Time) error {
	if len(tokens) == 0 || len(tokens) != len(amounts) {
		return fmt.Errorf("%w: token and amount arrays must be non-empty and equal length", safe.ErrInvalidInput)
	}
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("%w: recipient is required", safe.ErrInvalidInput)
	}

	seen := make(map[string]bool, len(tokens))
	var request safe.WithdrawalRequest
	for i, token := range tokens {
		if token == "" {
			return fmt.Errorf("%w: empty token symbol", safe.ErrInvalidInput)
		}
		if seen[token] {
			return fmt.Errorf("%w: duplicate token %s", safe.ErrInvalidInput, token)
		}
		seen[token] = true
		if amounts[i] <= 0 {
			return fmt.Errorf("%w: amount for %s must be positive", safe.ErrInvalidInput, token)
		}
		// The new request replaces the old one, so the balance check is
		// against the full balance, not balance minus the superseded
		// reservation.
		if rec.Balances[token] < amounts[i] {
			return fmt.Errorf("%w: %s balance %d below requested %d",
				safe.ErrInsufficientBalance, token, rec.Balances[token], amounts[i])
		}
		request.Tokens = append(request.Tokens, token)
		request.Amounts = append(request.Amounts, amounts[i])
	}

	if rec.PendingWithdrawal != nil {
		e.log.WithField("safe_id", rec.ID).Info("superseding pending withdrawal request")
	}

	request.Recipient = strings.TrimSpace(recipient)
	request.RequestedAt = now
	request.FinalizeTime = now.Add(e.delay)
	rec.PendingWithdrawal = &request
	return nil
}

// Process finalizes the outstanding request: validates the delay has passed,
// deducts the balances, and clears the request. The cleared request is
// returned so the caller can execute and journal the transfers. A second
// call fails with ErrNoPendingRequest.
func (e *Engine) Process(rec *safe.Safe, now time.Time) (safe.WithdrawalRequest, error) {
	if rec.PendingWithdrawal == nil {
		return safe.WithdrawalRequest{}, ErrNoPendingRequest
	}
	request := *rec.PendingWithdrawal
	if now.Before(request.FinalizeTime) {
		return safe.WithdrawalRequest{}, fmt.Errorf("%w: finalizable at %s",
			ErrNotYetFinalizable, request.FinalizeTime.UTC().Format(time.RFC3339))
	}

	for i, token := range request.Tokens {
		if rec.Balances[token] < request.Amounts[i] {
			return safe.WithdrawalRequest{}, fmt.Errorf("%w: %s balance %d below reserved %d",
				safe.ErrInsufficientBalance, token, rec.Balances[token], request.Amounts[i])
		}
	}
	for i, token := range request.Tokens {
		rec.Balances[token] -= request.Amounts[i]
	}

	rec.PendingWithdrawal = nil
	return request, nil
}

// Cancel clears the outstanding request unconditionally. It is the
// conflict-resolution valve used when a spend, repayment, or liquidation
// needs funds the request has reserved; it is not a user-facing cancel.
// Reports whether there was a request to clear.
func (e *Engine) Cancel(rec *safe.Safe, reason string) bool {
	if rec.PendingWithdrawal == nil {
		return false
	}
	e.log.WithField("safe_id", rec.ID).
		WithField("reason", reason).
		Info("pending withdrawal cancelled")
	rec.PendingWithdrawal = nil
	return true
}
