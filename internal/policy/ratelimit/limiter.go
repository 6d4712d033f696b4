// Package ratelimit serializes outbound fetches and spaces them by a courtesy delay.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/metrics"
)

// Gate admits one holder at a time. After a holder releases, the next
// Acquire is delayed until the courtesy delay has elapsed since the release.
type Gate struct {
	sem   chan struct{}
	delay time.Duration

	mu      sync.Mutex
	limiter *rate.Limiter
	now     func() time.Time
}

// NewGate creates a Gate with the given end-to-start delay. The first
// Acquire is never delayed.
func NewGate(delay time.Duration) *Gate {
	if delay < 0 {
		delay = 0
	}
	metrics.Init()
	return &Gate{
		sem:     make(chan struct{}, 1),
		delay:   delay,
		limiter: rate.NewLimiter(rate.Inf, 1),
		now:     time.Now,
	}
}

// Delay returns the configured courtesy delay.
func (g *Gate) Delay() time.Duration {
	return g.delay
}

// Acquire blocks until the gate is free and the courtesy delay since the last
// release has passed, or ctx ends.
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire fetch gate: %w", ctx.Err())
	}

	g.mu.Lock()
	limiter := g.limiter
	g.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		<-g.sem
		return fmt.Errorf("courtesy wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveCourtesyWait(waited)
	}
	return nil
}

// Release frees the gate and arms the configured delay.
func (g *Gate) Release() {
	g.ReleaseAfter(g.delay)
}

// ReleaseAfter frees the gate so that the next Acquire proceeds no sooner
// than max(d, configured delay) from now.
func (g *Gate) ReleaseAfter(d time.Duration) {
	if d < g.delay {
		d = g.delay
	}
	g.mu.Lock()
	if d <= 0 {
		g.limiter = rate.NewLimiter(rate.Inf, 1)
	} else {
		// Drain the single token at the release instant so the next one
		// becomes available exactly d later.
		l := rate.NewLimiter(rate.Every(d), 1)
		l.AllowN(g.now(), 1)
		g.limiter = l
	}
	g.mu.Unlock()
	<-g.sem
}
