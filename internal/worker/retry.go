package worker

import (
	"math"
	"math/rand/v2"
	"time"

	"fieldsync/internal/models"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64

	rand func() float64
}

// DefaultRetryPolicy doubles from one second up to five minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:  models.DefaultBaseDelay,
		MaxDelay:      models.DefaultMaxDelay,
		BackoffFactor: 2,
	}
}

// NextDelay returns delay for a given failure count (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = models.DefaultBaseDelay
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.Jitter > 0 {
		rnd := r.rand
		if rnd == nil {
			rnd = rand.Float64
		}
		delay *= 1 + r.Jitter*(2*rnd()-1)
		if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
			delay = float64(r.MaxDelay)
		}
	}

	d := time.Duration(delay)
	if d <= 0 {
		d = r.InitialDelay
	}
	return d
}
