package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/book-expert/stream-worker/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retry.Do(context.Background(), retry.Policy{Attempts: 3, Base: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}

		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retry.Do(context.Background(), retry.Policy{Attempts: 3, Base: time.Millisecond}, func(context.Context) error {
		calls++

		return errFlaky
	})

	require.ErrorIs(t, err, retry.ErrTransient)
	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retry.Do(context.Background(), retry.Default(), func(context.Context) error {
		calls++

		return retry.Permanent(errFlaky)
	})

	require.ErrorIs(t, err, errFlaky)
	require.NotErrorIs(t, err, retry.ErrTransient)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retry.Do(ctx, retry.Policy{Attempts: 3, Base: time.Hour}, func(context.Context) error {
		return errFlaky
	})

	require.ErrorIs(t, err, context.Canceled)
}
