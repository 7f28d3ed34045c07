package sync

import (
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy computes the delay before a retry attempt. attempt is
// 1-based: the delay scheduled after the first failure uses attempt 1.
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay per attempt, caps it, and spreads
// retries with random jitter so a fleet of devices recovering from the same
// outage does not hammer the server in lockstep.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64

	// rand returns a value in [0, 1); overridable in tests.
	rand func() float64
}

// NewExponentialBackoff builds the default strategy.
func NewExponentialBackoff(initial, max time.Duration, jitter float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial: initial,
		Max:     max,
		Jitter:  jitter,
		rand:    rand.Float64,
	}
}

// NextDelay returns initial * 2^(attempt-1), capped at Max, with up to
// +/- Jitter proportional noise.
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Initial) * math.Pow(2, float64(attempt-1))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		// r() in [0,1) maps to a factor in [1-Jitter, 1+Jitter).
		delay *= 1 + b.Jitter*(2*r()-1)
	}

	if delay < float64(b.Initial) {
		delay = float64(b.Initial)
	}
	return time.Duration(delay)
}
