package pipeline

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy shapes the backoff between attempts on the same candidate.
// Only transient upstream errors are retried; everything else either falls
// back or surfaces immediately.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry. Default: 500ms.
	BaseDelay time.Duration

	// Multiplier grows the delay per retry. Default: 2.0.
	Multiplier float64

	// MaxDelay caps the computed delay. Default: 30s.
	MaxDelay time.Duration

	// Jitter is the symmetric random factor applied to the delay, as a
	// fraction (0.2 → ±20%). Default: 0.2.
	Jitter float64

	// MaxAttempts bounds tries per candidate, the first attempt included.
	// Default: 3.
	MaxAttempts int
}

// DefaultRetryPolicy returns the standard policy: 500ms base, doubling, 30s
// cap, ±20% jitter, three attempts per candidate.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 3,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Jitter <= 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

/// Delay computes the jittered backoff before retry number attempt (1-based:
// attempt 1 is the delay after the first failure).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// sleepCtx blocks for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
