package governor

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket gating outbound frames or dial attempts.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter returns an unlimited limiter when rps <= 0.
func NewLimiter(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}
