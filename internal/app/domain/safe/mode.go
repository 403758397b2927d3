package safe

import "time"

// EffectiveMode resolves the operating mode at the given time: the staged
// incoming mode once its activation timestamp has been reached, otherwise the
// committed mode. Eligibility is purely a timestamp comparison; nothing runs
// in the background.
func (s *Safe) EffectiveMode(now time.Time) Mode {
	if !s.IncomingModeStartTime.IsZero() && !now.Before(s.IncomingModeStartTime) {
		return s.IncomingMode
	}
	return s.Mode
}

// RequestMode stages a mode change that activates after delay. The delay
// keeps a compromised signer from flipping a safe into credit mode and
// drawing the line down in the same breath.
func (s *Safe) RequestMode(newMode Mode, now time.Time, delay time.Duration) error {
	if newMode == s.EffectiveMode(now) {
		return ErrModeAlreadySet
	}
	s.IncomingMode = newMode
	s.IncomingModeStartTime = now.Add(delay)
	return nil
}

// CommitMode folds an activated incoming mode into the committed mode so a
// later RequestMode compares against settled state. Safe to call on every
// mutation path.
func (s *Safe) CommitMode(now time.Time) {
	if !s.IncomingModeStartTime.IsZero() && !now.Before(s.IncomingModeStartTime) {
		s.Mode = s.IncomingMode
		s.IncomingMode = ""
		s.IncomingModeStartTime = time.Time{}
	}
}
