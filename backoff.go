package offlinekit

import (
	"math/rand"
	"time"
)

// BackoffStrategy defines how long to wait before retrying an entry.
type BackoffStrategy interface {
	// NextDelay returns the delay before the next attempt.
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with optional jitter.
// Jitter spreads retries from many queued entries so a recovering backend
// is not hammered by a burst of simultaneous replays.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Jitter is the maximum relative deviation, 0..1. A value of 0.2
	// spreads each delay by up to +/-20%.
	Jitter float64
}

// DefaultBackoff returns the backoff used by the synchronizer when none
// is configured.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.Multiplier
	}

	result := time.Duration(delay)
	if result > eb.MaxDelay {
		result = eb.MaxDelay
	}

	if eb.Jitter > 0 {
		spread := 1 + eb.Jitter*(rand.Float64()*2-1)
		result = time.Duration(float64(result) * spread)
	}

	return result
}
