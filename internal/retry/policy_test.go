package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()

	p.randN = func(n int64) int64 { return 0 }
	assert.Equal(t, 50*time.Millisecond, p.Delay(1))

	p.randN = func(n int64) int64 { return n - 1 }
	assert.Equal(t, 500*time.Millisecond, p.Delay(1))

	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 3*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(50), "capped at MaxDelay")
}

func TestPolicy_Delay_FirstRetryWithinWindow(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:   attempts,
		FirstRetryMin: time.Millisecond,
		FirstRetryMax: 2 * time.Millisecond,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	}
}

func TestPolicy_Run_SucceedsAfterContention(t *testing.T) {
	p := fastPolicy(3)

	var seen []int
	var retries []int
	err := p.Run(context.Background(), func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return fmt.Errorf("push: %w", common.ErrAnotherUserPushing)
		}
		return nil
	}, func(failed int, d time.Duration, err error) {
		retries = append(retries, failed)
		assert.ErrorIs(t, err, common.ErrAnotherUserPushing)
		assert.Positive(t, d)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestPolicy_Run_ExhaustsAttempts(t *testing.T) {
	p := fastPolicy(2)

	calls := 0
	err := p.Run(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return common.ErrPullIsRequired
	}, nil)

	require.ErrorIs(t, err, common.ErrPullIsRequired)
	assert.Equal(t, 2, calls)
}

func TestPolicy_Run_StopsOnNonRetryable(t *testing.T) {
	cases := []error{
		common.ErrBriefcaseIsReadOnly,
		common.ErrLockOwnedByAnotherBriefcase,
		common.ErrUnauthorized,
		errors.New("boom"),
	}
	for _, want := range cases {
		t.Run(want.Error(), func(t *testing.T) {
			calls := 0
			err := fastPolicy(5).Run(context.Background(), func(ctx context.Context, attempt int) error {
				calls++
				return want
			}, nil)
			require.ErrorIs(t, err, want)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestPolicy_Run_ContextCancelled(t *testing.T) {
	p := fastPolicy(5)
	p.FirstRetryMin = time.Second
	p.FirstRetryMax = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Run(ctx, func(ctx context.Context, attempt int) error {
		cancel()
		return common.ErrDatabaseTemporarilyLocked
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
}
