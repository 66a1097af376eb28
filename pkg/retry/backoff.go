package retry

import "time"

// Backoff tracks exponential backoff state across an open-ended attempt
// loop, for callers that own their own retry cycle (the reconnect
// supervisor) rather than wrapping one operation with Do.
//
// The delay sequence is non-decreasing until it reaches MaxDelay, then
// constant. Reset returns the sequence to InitialDelay. Backoff is not safe
// for concurrent use; each loop owns its own instance.
type Backoff struct {
	cfg      Config
	delay    time.Duration
	attempts int
}

// NewBackoff creates backoff state from cfg. Zero-value fields in cfg are
// filled with the same defaults Do applies.
func NewBackoff(cfg Config) *Backoff {
	_ = cfg.normalize()
	return &Backoff{cfg: cfg, delay: cfg.InitialDelay}
}

// Next returns the delay to wait before the next attempt and advances the
// backoff state.
func (b *Backoff) Next() time.Duration {
	d := b.delay
	b.delay = nextDelay(b.delay, b.cfg.Multiplier, b.cfg.MaxDelay)
	b.attempts++
	if b.cfg.AddJitter {
		return addJitter(d)
	}
	return d
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Exhausted reports whether the attempt budget is spent. A MaxAttempts of
// zero in the original config means unlimited and never exhausts.
func (b *Backoff) Exhausted(maxAttempts int) bool {
	return maxAttempts > 0 && b.attempts >= maxAttempts
}

// Reset returns the delay sequence to its initial value, after a reconnect
// that survived its grace period.
func (b *Backoff) Reset() {
	b.delay = b.cfg.InitialDelay
	b.attempts = 0
}
