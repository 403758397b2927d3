// Package safes provides safe onboarding and the administrative
// configuration surface: mode changes, spending-limit updates, and cashback
// split allocation. Administrative mutations require a verified signed
// instruction; the verifier itself is an injected capability.
package safes

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/custodia-network/spendledger/internal/app/domain/safe"
	"github.com/custodia-network/spendledger/internal/app/services/guard"
	"github.com/custodia-network/spendledger/internal/app/storage"
	"github.com/custodia-network/spendledger/pkg/logger"
)

// AuthorizationVerifier checks signed administrative instructions. Quorum
// semantics and key management live behind this interface; the engine only
// consumes the verdict.
type AuthorizationVerifier interface {
	CheckQuorum(digest []byte, signers []string, signatures [][]byte) bool
	IsAdmin(account, signer string) bool
	NextNonce(account string) uint64
}

// Config carries the activation delays for staged administrative changes.
type Config struct {
	ModeDelay        time.Duration
	LimitUpdateDelay time.Duration
}

// Service manages safe ledger records and administrative configuration.
type Service struct {
	safes    storage.SafeStore
	journal  storage.TransactionStore
	verifier AuthorizationVerifier
	guard    *guard.Guard
	cfg      Config
	clock    func() time.Time
	log      *logger.Logger
}

// New constructs the service. A nil clock defaults to time.Now.
func New(safeStore storage.SafeStore, journal storage.TransactionStore, verifier AuthorizationVerifier, g *guard.Guard, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("safes")
	}
	if g == nil {
		g = guard.New()
	}
	return &Service{
		safes:    safeStore,
		journal:  journal,
		verifier: verifier,
		guard:    g,
		cfg:      cfg,
		clock:    func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Guard exposes the per-account guard so the spend orchestrator shares the
// same serialization domain.
func (s *Service) Guard() *guard.Guard { return s.guard }

// Setup onboards a safe: one-time creation of its ledger record with
// initialized spending limits. The record starts in debit mode with a zero
// split-to-safe allocation.
func (s *Service) Setup(ctx context.Context, owner string, dailyLimit, monthlyLimit, tzOffsetSeconds int64, tier safe.Tier) (safe.Safe, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return safe.Safe{}, fmt.Errorf("%w: owner is required", safe.ErrInvalidInput)
	}
	if tier == "" {
		tier = safe.TierBase
	}

	rec := safe.Safe{
		Owner:               owner,
		Tier:                tier,
		Mode:                safe.ModeDebit,
		ClearedTransactions: make(map[string]bool),
		Balances:            make(map[string]int64),
	}
	if err := rec.Limit.Initialize(dailyLimit, monthlyLimit, tzOffsetSeconds, s.clock()); err != nil {
		return safe.Safe{}, err
	}

	created, err := s.safes.CreateSafe(ctx, rec)
	if err != nil {
		return safe.Safe{}, fmt.Errorf("create safe: %w", err)
	}
	s.log.WithField("safe_id", created.ID).
		WithField("tier", string(tier)).
		Info("safe onboarded")
	return created, nil
}

// authorize validates a signed admin instruction over the given operation
// digest material.
func (s *Service) authorize(safeID, signer string, signature []byte, parts ...string) error {
	if s.verifier == nil {
		return fmt.Errorf("authorization verifier not configured")
	}
	if !s.verifier.IsAdmin(safeID, signer) {
		return fmt.Errorf("%w: signer %s is not an admin of %s", ErrNotAuthorized, signer, safeID)
	}
	digest := instructionDigest(safeID, s.verifier.NextNonce(safeID), parts...)
	if !s.verifier.CheckQuorum(digest, []string{signer}, [][]byte{signature}) {
		return fmt.Errorf("%w: quorum check failed", ErrNotAuthorized)
	}
	// Burn the nonce once the instruction is accepted so the signature
	// cannot authorize a second instruction.
	if consumer, ok := s.verifier.(interface{ ConsumeNonce(string) }); ok {
		consumer.ConsumeNonce(safeID)
	}
	return nil
}

// instructionDigest binds an admin instruction to its account, nonce, and
// parameters so a captured signature cannot be replayed.
func instructionDigest(safeID string, nonce uint64, parts ...string) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d", safeID, nonce)
	for _, part := range parts {
		h.Write([]byte("|"))
		h.Write([]byte(part))
	}
	return h.Sum(nil)
}

// SetMode stages an operating-mode change. The new mode activates only after
// the configured delay, so a compromised signer cannot flip a safe into
// credit mode and draw its line immediately.
func (s *Service) SetMode(ctx context.Context, safeID string, mode safe.Mode, signer string, signature []byte) (safe.Safe, error) {
	if mode != safe.ModeDebit && mode != safe.ModeCredit {
		return safe.Safe{}, fmt.Errorf("%w: unknown mode %q", safe.ErrInvalidInput, mode)
	}
	if err := s.authorize(safeID, signer, signature, "set_mode", string(mode)); err != nil {
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

	now := s.clock()
	rec.CommitMode(now)
	if err := rec.RequestMode(mode, now, s.cfg.ModeDelay); err != nil {
		return safe.Safe{}, err
	}

	updated, err := s.safes.UpdateSafe(ctx, rec)
	if err != nil {
		return safe.Safe{}, fmt.Errorf("persist mode change: %w", err)
	}
	s.log.WithField("safe_id", safeID).
		WithField("mode", string(mode)).
		WithField("activates_at", rec.IncomingModeStartTime.UTC().Format(time.RFC3339)).
		Info("mode change staged")
	return updated, nil
}

// UpdateSpendingLimit stages new daily and monthly limits, effective after
// the configured delay. Until activation, rollovers use the old limits.
func (s *Service) UpdateSpendingLimit(ctx context.Context, safeID string, daily, monthly int64, signer string, signature []byte) (safe.Safe, error) {
	if err := s.authorize(safeID, signer, signature, "update_spending_limit",
		fmt.Sprintf("%d", daily), fmt.Sprintf("%d", monthly)); err != nil {
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

	activateAt := s.clock().Add(s.cfg.LimitUpdateDelay)
	if err := rec.Limit.StageLimits(daily, monthly, activateAt); err != nil {
		return safe.Safe{}, err
	}

	updated, err := s.safes.UpdateSafe(ctx, rec)
	if err != nil {
		return safe.Safe{}, fmt.Errorf("persist limit update: %w", err)
	}
	s.log.WithField("safe_id", safeID).
		WithField("daily", daily).
		WithField("monthly", monthly).
		WithField("activates_at", activateAt.UTC().Format(time.RFC3339)).
		Info("spending limit update staged")
	return updated, nil
}

// SetCashbackSplit sets the basis-point share of cashback routed to the safe
// rather than the spender.
func (s *Service) SetCashbackSplit(ctx context.Context, safeID string, splitBps int64, signer string, signature []byte) (safe.Safe, error) {
	if splitBps < 0 || splitBps > 10_000 {
		return safe.Safe{}, fmt.Errorf("%w: split %d out of basis-point range", safe.ErrInvalidInput, splitBps)
	}
	if err := s.authorize(safeID, signer, signature, "set_cashback_split", fmt.Sprintf("%d", splitBps)); err != nil {
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
	rec.SplitToSafeBps = splitBps
	return s.safes.UpdateSafe(ctx, rec)
}

// Deposit credits a prefunded token balance and journals the entry.
func (s *Service) Deposit(ctx context.Context, safeID, token string, amountUSD int64) (safe.Safe, error) {
	token = strings.TrimSpace(token)
	if token == "" || amountUSD <= 0 {
		return safe.Safe{}, fmt.Errorf("%w: token and positive amount required", safe.ErrInvalidInput)
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
	rec.Balances[token] += amountUSD

	updated, err := s.safes.UpdateSafe(ctx, rec)
	if err != nil {
		return safe.Safe{}, fmt.Errorf("persist deposit: %w", err)
	}

	if _, err := s.journal.AppendTransaction(ctx, safe.Transaction{
		SafeID:   safeID,
		Type:     safe.TxTypeDeposit,
		Tokens:   []string{token},
		Amounts:  []int64{amountUSD},
		TotalUSD: amountUSD,
	}); err != nil {
		s.log.WithError(err).WithField("safe_id", safeID).Warn("journal deposit")
	}
	return updated, nil
}

// GetData returns the full ledger record for a safe.
func (s *Service) GetData(ctx context.Context, safeID string) (safe.Safe, error) {
	return s.safes.GetSafe(ctx, safeID)
}

// GetMode returns the effective operating mode at the current time.
func (s *Service) GetMode(ctx context.Context, safeID string) (safe.Mode, error) {
	rec, err := s.safes.GetSafe(ctx, safeID)
	if err != nil {
		return "", err
	}
	return rec.EffectiveMode(s.clock()), nil
}

// List returns all onboarded safes.
func (s *Service) List(ctx context.Context) ([]safe.Safe, error) {
	return s.safes.ListSafes(ctx)
}
