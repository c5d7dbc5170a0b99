// Package backoff provides capped exponential delays for retry loops.
package backoff

import "time"

// Backoff hands out a doubling sequence of delays, capped at max. It is not
// safe for concurrent use; give each loop its own instance.
type Backoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration // next delay to hand out; zero restarts the sequence
}

// New returns a Backoff starting at base and never exceeding max. A
// non-positive base falls back to one second; a max below base is raised to
// base.
func New(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// Next returns how long to wait before the next attempt. Each call doubles
// the delay until it reaches the cap, where it stays.
func (b *Backoff) Next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.base
	}
	d := b.cur
	if d >= b.max {
		return b.max
	}
	b.cur *= 2
	return d
}

// Reset puts the sequence back at the base delay. Call it once the guarded
// operation succeeds.
func (b *Backoff) Reset() {
	b.cur = 0
}
