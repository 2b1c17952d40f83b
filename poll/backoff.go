package poll

import (
	"math/rand"
	"time"
)

type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	cur    time.Duration
}

// Purpose: Construct an exponential backoff timer for in-cycle retries.
// Key aspects: Normalizes base/max, clamps the jitter fraction to [0,1],
// starts at the base delay.
// Upstream: Device poll cycles and discovery bootstrap.
// Downstream: backoff.Next/Reset.
func newBackoff(base, max time.Duration, jitter float64) *backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &backoff{base: base, max: max, jitter: jitter, cur: base}
}

// Purpose: Return the next retry delay and advance the window.
// Key aspects: Doubles up to the max cap, then spreads the result by the
// jitter fraction so a fleet of devices does not retry in lockstep after a
// shared outage.
// Upstream: Poll retry loops.
// Downstream: None.
func (b *backoff) Next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	if b.jitter > 0 {
		span := int64(float64(d) * b.jitter)
		if span > 0 {
			d += time.Duration(rand.Int63n(2*span+1) - span)
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}
