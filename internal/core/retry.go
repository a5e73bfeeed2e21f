package core

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy defines how failed dispatches are retried by the driver.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy never retries; deploy.retries opts in.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    0,
		InitialDelay:  2 * time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
	}
}

// Delay calculates exponential backoff delay with jitter
func (p RetryPolicy) Delay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))

	// Apply jitter (+/-25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Do calls fn until it reports success, retries are exhausted or ctx is
// done. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) bool) int {
	attempts := 0
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		attempts++
		if fn(attempt) {
			return attempts
		}
		if attempt == p.MaxRetries {
			break
		}
		delay := p.Delay(attempt)
		log.Warn().
			Int("attempt", attempt+1).
			Int("max_retries", p.MaxRetries).
			Dur("delay", delay).
			Msg("deployment failed, retrying")
		select {
		case <-ctx.Done():
			return attempts
		case <-time.After(delay):
		}
	}
	return attempts
}
