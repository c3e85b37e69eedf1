package retry

import (
	"context"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	goretry "github.com/sethvargo/go-retry"
)

// Transient repeats single remote calls that failed with a network error.
type Transient struct {
	Retries uint64
	Base    time.Duration
	Cap     time.Duration
	Logger  logging.Logger
}

// DefaultTransient retries three times starting at 100ms, capped at 2s.
func DefaultTransient(l logging.Logger) Transient {
	return Transient{Retries: 3, Base: 100 * time.Millisecond, Cap: 2 * time.Second, Logger: l}
}

func (t Transient) backoff() goretry.Backoff {
	base := t.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	b := goretry.NewExponential(base)
	b = goretry.WithJitterPercent(10, b)
	if t.Cap > 0 {
		b = goretry.WithCappedDuration(t.Cap, b)
	}
	return goretry.WithMaxRetries(t.Retries, b)
}

// Once returns t without retries, for calls the remote may have applied
// even though the answer was lost.
func (t Transient) Once() Transient {
	t.Retries = 0
	return t
}

// Do runs fn and repeats it while it fails with common.ErrUnavailable.
func (t Transient) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, t, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute is Do for calls that produce a value.
func Execute[T any](ctx context.Context, t Transient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result  T
		lastErr error
		tries   int
	)

	err := goretry.Do(ctx, t.backoff(), func(ctx context.Context) error {
		tries++
		if tries > 1 && t.Logger != nil {
			t.Logger.Warn(ctx, "retrying remote call", "op", op, "try", tries, "error", lastErr)
		}
		v, err := fn(ctx)
		lastErr = err
		if err == nil {
			result = v
			return nil
		}
		if common.IsTransient(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if lastErr != nil && ctx.Err() == nil {
			return result, lastErr
		}
		return result, err
	}
	return result, nil
}
