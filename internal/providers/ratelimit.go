package providers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces requests to a provider. It wraps a token bucket and
// pauses all callers after the provider answers 429 with a Retry-After.
type RateLimiter struct {
	limiter *rate.Limiter

	mu            sync.Mutex
	pausedUntil   time.Time
	totalConsumed int64
	totalWaited   time.Duration
	last429Time   time.Time
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	TokensAvailable   float64       `json:"tokens_available"`
	TotalConsumed     int64         `json:"total_consumed"`
	TotalWaited       time.Duration `json:"total_waited"`
	PausedUntil       time.Time     `json:"paused_until,omitempty"`
	Last429Time       time.Time     `json:"last_429_time,omitempty"`
}

// NewRateLimiter creates a limiter allowing rps requests per second.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 8
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may be sent or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()

	r.mu.Lock()
	pause := time.Until(r.pausedUntil)
	r.mu.Unlock()

	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.totalConsumed++
	r.totalWaited += time.Since(start)
	r.mu.Unlock()
	return nil
}

// Record429 pauses the limiter for retryAfter.
func (r *RateLimiter) Record429(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.last429Time = now
	if retryAfter > 0 && now.Add(retryAfter).After(r.pausedUntil) {
		r.pausedUntil = now.Add(retryAfter)
	}
}

// Status returns current limiter state.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RateLimiterStatus{
		RequestsPerSecond: float64(r.limiter.Limit()),
		Burst:             r.limiter.Burst(),
		TokensAvailable:   r.limiter.Tokens(),
		TotalConsumed:     r.totalConsumed,
		TotalWaited:       r.totalWaited,
		Last429Time:       r.last429Time,
	}
	if time.Now().Before(r.pausedUntil) {
		st.PausedUntil = r.pausedUntil
	}
	return st
}
