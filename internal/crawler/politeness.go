package crawler

import (
	"context"
	"fmt"
	"time"
)

// PauseController abstracts how callers wait between attempts.
type PauseController interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// TimerPauseController sleeps on a timer, returning early when ctx ends.
type TimerPauseController struct{}

// Pause blocks for delay or until ctx is done.
func (TimerPauseController) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
