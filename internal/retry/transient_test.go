package retry

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastTransient() Transient {
	return Transient{Retries: 2, Base: time.Millisecond, Cap: 2 * time.Millisecond, Logger: logging.Discard()}
}

func TestTransient_RetriesUnavailable(t *testing.T) {
	calls := 0
	v, err := Execute(context.Background(), fastTransient(), "query", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, common.ErrUnavailable
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestTransient_GivesUp(t *testing.T) {
	calls := 0
	err := fastTransient().Do(context.Background(), "query", func(ctx context.Context) error {
		calls++
		return common.ErrUnavailable
	})
	require.ErrorIs(t, err, common.ErrUnavailable)
	assert.Equal(t, 3, calls)
}

func TestTransient_DoesNotRetryContention(t *testing.T) {
	calls := 0
	err := fastTransient().Do(context.Background(), "push", func(ctx context.Context) error {
		calls++
		return common.ErrPullIsRequired
	})
	require.ErrorIs(t, err, common.ErrPullIsRequired)
	assert.Equal(t, 1, calls)
}

func TestTransient_Once(t *testing.T) {
	calls := 0
	err := fastTransient().Once().Do(context.Background(), "create", func(ctx context.Context) error {
		calls++
		return common.ErrUnavailable
	})
	require.ErrorIs(t, err, common.ErrUnavailable)
	assert.Equal(t, 1, calls)
}
