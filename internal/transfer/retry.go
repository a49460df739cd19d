package transfer

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds and spaces unit attempts. MaxAttempts counts every
// attempt including the first.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFactor   float64 // 0..1, fraction of the delay added or removed at random
}

// DefaultRetryPolicy mirrors the scheduler defaults the tool replaces:
// three attempts, starting five seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2,
		JitterFactor:   0.2,
	}
}

// Delay returns the wait after the given (1-based) failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := p.backOff()
	var delay time.Duration
	for i := 0; i < max(attempt, 1); i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// backOff builds the exponential schedule. Attempts are bounded by
// MaxAttempts, not by elapsed time.
func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.RandomizationFactor = p.JitterFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Exhausted reports whether another attempt is allowed after attempts.
func (p RetryPolicy) Exhausted(attempts int) bool {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	return attempts >= max
}
