package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned when a job or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrJobNotClaimable is returned when a job is missing or already held by a live lease.
	ErrJobNotClaimable = errors.New("job not claimable")
	// ErrJobExhausted marks a job that failed MaxAttempts times.
	ErrJobExhausted = errors.New("job exhausted")
	// ErrTransientFetch matches fetch failures that were retried and may succeed later.
	ErrTransientFetch = errors.New("transient fetch failure")
	// ErrFatalFetch matches fetch failures that retrying will not fix.
	ErrFatalFetch = errors.New("fatal fetch failure")
)

// FetchError describes a failed fetch after local retries.
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s fetch %s: status %d after %d attempt(s)", kind, e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("%s fetch %s after %d attempt(s): %v", kind, e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the transient/fatal sentinels.
func (e *FetchError) Is(target error) bool {
	if target == ErrTransientFetch {
		return e.Transient
	}
	if target == ErrFatalFetch {
		return !e.Transient
	}
	return false
}

// RateLimitedError is returned when the origin answers 429. It is never
// retried by the fetcher.
type RateLimitedError struct {
	URL string
	// RetryAfter is zero when the origin sent no usable hint.
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited fetching %s (retry after %s)", e.URL, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited fetching %s", e.URL)
}

// ParseRetryAfter interprets a Retry-After header as delta seconds or an
// HTTP date relative to now. Unparseable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}
