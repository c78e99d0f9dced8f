package reliability

import (
	"math"
	"time"
)

// ExponentialBackoff grows a delay geometrically: the n-th delay is
// InitialInterval * Multiplier^(n-1). A zero MaxInterval leaves it uncapped.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// NewExponentialBackoff creates an uncapped exponential backoff
func NewExponentialBackoff(initial time.Duration, multiplier float64) ExponentialBackoff {
	return ExponentialBackoff{
		InitialInterval: initial,
		Multiplier:      multiplier,
	}
}

// Delay returns the delay before the n-th wait, counting from 1
func (e ExponentialBackoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(n-1))

	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		return e.MaxInterval
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
