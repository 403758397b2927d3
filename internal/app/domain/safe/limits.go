package safe

import (
	"fmt"
	"time"
)

// SpendingLimit maintains rolling daily and monthly spend counters with
// timezone-aware renewal boundaries. Limit updates are staged and only take
// effect after a configured delay, so a leaked signing key cannot raise the
// limits and drain the safe in one motion.
type SpendingLimit struct {
	DailyLimit   int64
	MonthlyLimit int64
	DailySpent   int64
	MonthlySpent int64

	DailyRenewalTime   time.Time
	MonthlyRenewalTime time.Time

	// TimezoneOffsetSeconds shifts renewal boundaries so they fall on the
	// safe owner's local midnight and first-of-month.
	TimezoneOffsetSeconds int64

	// Staged replacement limits. LimitActivateTime zero means no pending
	// update.
	PendingDailyLimit   int64
	PendingMonthlyLimit int64
	LimitActivateTime   time.Time

	Initialized bool
}

const (
	minTimezoneOffset = -12 * 60 * 60
	maxTimezoneOffset = 14 * 60 * 60
)

// Initialize seeds the limits and the first renewal boundaries. It fails on a
// record that has already been initialized.
func (l *SpendingLimit) Initialize(daily, monthly, tzOffsetSeconds int64, now time.Time) error {
	if l.Initialized {
		return ErrAlreadyInitialized
	}
	if daily < 0 || monthly < 0 {
		return fmt.Errorf("%w: limits must be non-negative", ErrInvalidInput)
	}
	if tzOffsetSeconds < minTimezoneOffset || tzOffsetSeconds > maxTimezoneOffset {
		return fmt.Errorf("%w: timezone offset out of range", ErrInvalidInput)
	}

	l.DailyLimit = daily
	l.MonthlyLimit = monthly
	l.TimezoneOffsetSeconds = tzOffsetSeconds
	l.DailyRenewalTime = nextDailyRenewal(now, tzOffsetSeconds)
	l.MonthlyRenewalTime = nextMonthlyRenewal(now, tzOffsetSeconds)
	l.Initialized = true
	return nil
}

// Spend rolls the counters over any renewal boundary that has passed, then
// enforces both limits. On success both counters are incremented; on failure
// the record is left exactly as the rollover produced it, counters unchanged
// by the rejected amount.
func (l *SpendingLimit) Spend(amount int64, now time.Time) error {
	if !l.Initialized {
		return ErrNotInitialized
	}
	if amount <= 0 {
		return fmt.Errorf("%w: spend amount must be positive", ErrInvalidInput)
	}

	l.roll(now)

	if l.DailySpent+amount > l.DailyLimit {
		return fmt.Errorf("%w: daily %d + %d over %d", ErrLimitExceeded, l.DailySpent, amount, l.DailyLimit)
	}
	if l.MonthlySpent+amount > l.MonthlyLimit {
		return fmt.Errorf("%w: monthly %d + %d over %d", ErrLimitExceeded, l.MonthlySpent, amount, l.MonthlyLimit)
	}

	l.DailySpent += amount
	l.MonthlySpent += amount
	return nil
}

// StageLimits records a limit update that becomes effective at activateAt.
// A later stage replaces an earlier one that has not activated yet.
func (l *SpendingLimit) StageLimits(daily, monthly int64, activateAt time.Time) error {
	if !l.Initialized {
		return ErrNotInitialized
	}
	if daily < 0 || monthly < 0 {
		return fmt.Errorf("%w: limits must be non-negative", ErrInvalidInput)
	}
	l.PendingDailyLimit = daily
	l.PendingMonthlyLimit = monthly
	l.LimitActivateTime = activateAt
	return nil
}

// roll resets spent counters at renewal boundaries and commits a staged limit
// update once its activation time has passed. A boundary crossed before the
// staged update activates rolls over under the old limits.
func (l *SpendingLimit) roll(now time.Time) {
	if !l.LimitActivateTime.IsZero() && !now.Before(l.LimitActivateTime) {
		l.DailyLimit = l.PendingDailyLimit
		l.MonthlyLimit = l.PendingMonthlyLimit
		l.PendingDailyLimit = 0
		l.PendingMonthlyLimit = 0
		l.LimitActivateTime = time.Time{}
	}
	if !now.Before(l.DailyRenewalTime) {
		l.DailySpent = 0
		l.DailyRenewalTime = nextDailyRenewal(now, l.TimezoneOffsetSeconds)
	}
	if !now.Before(l.MonthlyRenewalTime) {
		l.MonthlySpent = 0
		l.MonthlyRenewalTime = nextMonthlyRenewal(now, l.TimezoneOffsetSeconds)
	}
}

// EffectiveDailyLimit reports the daily limit that applies at the given time,
// accounting for a staged update that has reached activation.
func (l *SpendingLimit) EffectiveDailyLimit(now time.Time) int64 {
	if !l.LimitActivateTime.IsZero() && !now.Before(l.LimitActivateTime) {
		return l.PendingDailyLimit
	}
	return l.DailyLimit
}

// EffectiveMonthlyLimit reports the monthly limit that applies at the given
// time.
func (l *SpendingLimit) EffectiveMonthlyLimit(now time.Time) int64 {
	if !l.LimitActivateTime.IsZero() && !now.Before(l.LimitActivateTime) {
		return l.PendingMonthlyLimit
	}
	return l.MonthlyLimit
}

// nextDailyRenewal returns the next local midnight, expressed in UTC.
func nextDailyRenewal(now time.Time, offsetSeconds int64) time.Time {
	offset := time.Duration(offsetSeconds) * time.Second
	local := now.UTC().Add(offset)
	y, m, d := local.Date()
	nextLocal := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return nextLocal.Add(-offset)
}

// nextMonthlyRenewal returns local midnight on the first day of the next
// local month, expressed in UTC. time.Date normalises month overflow.
func nextMonthlyRenewal(now time.Time, offsetSeconds int64) time.Time {
	offset := time.Duration(offsetSeconds) * time.Second
	local := now.UTC().Add(offset)
	y, m, _ := local.Date()
	nextLocal := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	return nextLocal.Add(-offset)
}
