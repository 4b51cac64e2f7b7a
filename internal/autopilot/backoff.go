package autopilot

import (
	"math/rand"
	"time"
)

// Backoff produces exponentially growing reconnect delays with jitter.
// Next doubles the delay up to Cap; Reset returns to Base after a successful
// connection.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	attempt int
}

// Next returns the delay before the next attempt. Half of the delay is fixed,
// half is uniformly random, so a fleet of vehicles does not reconnect in
// lockstep.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d <= 0 || d > b.Cap {
		d = b.Cap
	} else {
		b.attempt++
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Reset restarts the progression from Base.
func (b *Backoff) Reset() {
	b.attempt = 0
}
