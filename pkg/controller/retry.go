package controller

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/nstogner/ideacheck/pkg/transport"
)

func randomJitter() float64 { return rand.Float64() }

// backoff returns the delay before retry number attempt (1-based): the base
// doubled per attempt, capped at BackoffMax, then jittered into [d/2, d).
func (c *Controller) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	d := c.cfg.BackoffBase * time.Duration(1<<shift)
	if d > c.cfg.BackoffMax || d <= 0 {
		d = c.cfg.BackoffMax
	}
	half := d / 2
	return half + time.Duration(c.jitter()*float64(d-half))
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryable classifies an attempt failure. An idle timeout is retried once;
// the second one is fatal.
func (s *session) retryable(err error) bool {
	if errors.Is(err, ErrIdleTimeout) {
		s.idleTimeouts++
		return s.idleTimeouts < 2
	}
	return transport.IsRetryable(err)
}
