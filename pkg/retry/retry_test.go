package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	sentinel := errors.New("store down")
	calls := 0

	err := Do(context.Background(), PollConfig(time.Second), func(ctx context.Context) error {
		calls++
		return Permanent(sentinel)
	})

	assert.Same(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestDo_PollsUntilTotalTimeout(t *testing.T) {
	start := time.Now()
	err := Do(context.Background(), PollConfig(50*time.Millisecond), func(ctx context.Context) error {
		return errors.New("busy")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_MaxAttemptsExceeded(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffFactor: 1}
	calls := 0

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	})

	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, calls)
}
