package crawler

import (
	"context"
	"errors"
	"math"
	"time"
)

// Fetch retry defaults: three additional attempts after 1s, 2s and 4s.
const (
	DefaultMaxRetries   = 3
	DefaultBaseBackoff  = time.Second
	DefaultMaxBackoff   = 8 * time.Second
	DefaultCourtesyWait = 2 * time.Second
)

// ExponentialRetryPolicy retries transient fetch failures with doubling delays.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy; non-positive arguments fall back
// to the package defaults (maxRetries may be zero to disable retries).
func NewExponentialRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseBackoff
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	return &ExponentialRetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// MaxRetries returns the number of additional attempts allowed.
func (p *ExponentialRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry decides whether err warrants another attempt after `retries`
// retries have already been made.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, retries int) bool {
	if err == nil {
		return false
	}
	if retries >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rateLimited *RateLimitedError
	if errors.As(err, &rateLimited) {
		return false
	}
	return errors.Is(err, ErrTransientFetch)
}

// Backoff returns the wait before retry number retries+1.
func (p *ExponentialRetryPolicy) Backoff(retries int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(retries))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay)
}
