package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/common"
	goretry "github.com/sethvargo/go-retry"
)

// Policy configures the pull-merge-push retry loop.
type Policy struct {
	MaxAttempts   int
	FirstRetryMin time.Duration
	FirstRetryMax time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration

	// randN returns a value in [0, n). Tests replace it.
	randN func(n int64) int64
}

// DefaultPolicy returns three attempts with the standard delay schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		FirstRetryMin: 50 * time.Millisecond,
		FirstRetryMax: 500 * time.Millisecond,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
	}
}

// RetryNotifier is told about every retry before the wait starts.
type RetryNotifier func(failedAttempt int, delay time.Duration, err error)

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(failedAttempt int) time.Duration {
	if failedAttempt <= 1 {
		lo, hi := p.FirstRetryMin, p.FirstRetryMax
		if hi <= lo {
			return lo
		}
		return lo + time.Duration(p.rand(int64(hi-lo)+1))
	}

	d := p.BaseDelay * time.Duration(failedAttempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) rand(n int64) int64 {
	if p.randN != nil {
		return p.randN(n)
	}
	return rand.Int64N(n)
}

// Run calls fn with attempt numbers 1, 2, ... until it succeeds, returns a
// non-contention error, or MaxAttempts is used up. The last error is returned.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context, attempt int) error, notify RetryNotifier) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	var lastErr error

	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= attempts {
			return 0, true
		}
		d := p.Delay(attempt)
		if notify != nil {
			notify(attempt, d, lastErr)
		}
		return d, false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		lastErr = fn(ctx, attempt)
		if lastErr != nil && common.IsRetryable(lastErr) {
			return goretry.RetryableError(lastErr)
		}
		return lastErr
	})
	if err != nil && lastErr != nil && ctx.Err() == nil {
		return lastErr
	}
	return err
}
