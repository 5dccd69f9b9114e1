// Package retry computes capped, jittered exponential delays.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff doubles Base per attempt, scales by up to (1+Jitter) and caps at
// Max. With Jitter in [0, 1] the resulting delays never decrease from one
// attempt to the next.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}

	d := float64(b.Base) * math.Pow(2, float64(attempt-1))

	if j := math.Min(math.Max(b.Jitter, 0), 1); j > 0 {
		r := b.random()
		d *= 1 + j*r
	}

	if b.Max > 0 && (d >= float64(b.Max) || math.IsInf(d, 0)) {
		return b.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (b Backoff) random() float64 {
	if b.Rand != nil {
		r := b.Rand()
		if r < 0 {
			return 0
		}
		if r >= 1 {
			return math.Nextafter(1, 0)
		}
		return r
	}
	return rand.Float64()
}
