package client

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy returns how long to wait before retry number attempt
// (0-based).
type BackoffStrategy interface {
	Next(attempt int) time.Duration
}

// ConstantBackoff waits the same duration before every retry.
type ConstantBackoff time.Duration

func (c ConstantBackoff) Next(int) time.Duration {
	return time.Duration(c)
}

// ExponentialBackoff grows the wait by Factor per attempt up to Max and
// spreads it by +/- Jitter (0.0 to 1.0).
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff is 100ms doubling up to 5s with 20% jitter.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:   100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	attempt = max(attempt, 0)
	delay := math.Min(float64(b.Base)*math.Pow(b.Factor, float64(attempt)), float64(b.Max))
	if b.Jitter > 0 {
		delay *= 1 + b.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(math.Max(delay, 0))
}
