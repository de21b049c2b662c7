package provider

import "golang.org/x/time/rate"

// NewRateLimiter returns the token bucket placed in front of the LLM
// provider: burst calls at once, refilled at ratePerMinute.
func NewRateLimiter(burst int, ratePerMinute float64) *rate.Limiter {
	if burst <= 0 {
		burst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	return rate.NewLimiter(rate.Limit(ratePerMinute/60.0), burst)
}
