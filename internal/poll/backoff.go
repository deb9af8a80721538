package poll

import (
	"math/rand/v2"
	"time"
)

// jitterSpread bounds the applied delay to [0.9, 1.1] of the nominal value.
const jitterSpread = 0.1

// Next returns the nominal interval that follows previous:
// min(previous*2, maximum).
func Next(previous, maximum time.Duration) time.Duration {
	next := previous * 2
	if next > maximum || next < previous {
		return maximum
	}
	return next
}

// Jitter scales d by a factor in [0.9, 1.1) chosen by u, a uniform sample in
// [0, 1). Samples outside that range are clamped.
func Jitter(d time.Duration, u float64) time.Duration {
	switch {
	case u < 0:
		u = 0
	case u > 1:
		u = 1
	}
	factor := 1 - jitterSpread + 2*jitterSpread*u
	return time.Duration(float64(d) * factor)
}

// Backoff produces the wait schedule of one epoch. The first wait is the
// initial interval; each later one doubles the previous nominal value up to
// the maximum. It is not safe for concurrent use; each loop owns one.
type Backoff struct {
	initial time.Duration
	maximum time.Duration
	current time.Duration
	sample  func() float64
}

// NewBackoff builds a schedule. A nil sample uses math/rand/v2.
func NewBackoff(initial, maximum time.Duration, sample func() float64) *Backoff {
	if sample == nil {
		sample = rand.Float64
	}
	if initial > maximum {
		initial = maximum
	}
	return &Backoff{initial: initial, maximum: maximum, sample: sample}
}

// Advance moves to the next round and returns its nominal interval and the
// jittered delay to actually wait.
func (b *Backoff) Advance() (nominal, applied time.Duration) {
	if b.current == 0 {
		b.current = b.initial
	} else {
		b.current = Next(b.current, b.maximum)
	}
	return b.current, Jitter(b.current, b.sample())
}
