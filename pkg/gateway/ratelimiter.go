package gateway

import (
	"golang.org/x/time/rate"
)

// FrameLimiter caps the inbound frame rate of a single connection with a
// token bucket. A nil *FrameLimiter allows everything.
type FrameLimiter struct {
	limiter *rate.Limiter
}

// NewFrameLimiter returns a limiter allowing perSecond frames with the given
// burst, or nil when perSecond is not positive.
func NewFrameLimiter(perSecond float64, burst int) *FrameLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &FrameLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether one more frame may be processed now.
func (l *FrameLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}
