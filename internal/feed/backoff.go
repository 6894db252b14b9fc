package feed

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays that grow geometrically up to Max with
// proportional jitter.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff returns the reconnect schedule used by the feed client
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: 0.2,
	}
}

// Next returns the delay before reconnect attempt n (1-based)
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	lo, hi, factor := b.Min, b.Max, b.Factor
	if lo <= 0 {
		lo = 100 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	if factor <= 1 {
		factor = 2
	}

	wait := lo
	for i := 1; i < attempt && wait < hi; i++ {
		wait = time.Duration(float64(wait) * factor)
	}
	if wait > hi {
		wait = hi
	}

	jitter := b.Jitter
	if jitter <= 0 {
		return wait
	}
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}
