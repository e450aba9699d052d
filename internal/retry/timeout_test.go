package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/picklr-io/ec2-cli/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func always(error) bool { return true }
func never(error) bool  { return false }

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 0)
	defer cancel()
	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.True(t, deadline.After(time.Now()))

	ctx2, cancel2 := WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	deadline2, ok := ctx2.Deadline()
	assert.True(t, ok)
	assert.True(t, deadline2.Before(time.Now().Add(10*time.Second)))
}

func TestRetryWithBackoff_Success(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Clock:      clock.NewAutoFake(epoch),
	}, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("throttled")
		}
		return nil
	}, always)

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_NonRetryable(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), &RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Clock:      clock.NewAutoFake(epoch),
	}, func() error {
		attempts++
		return fmt.Errorf("permanent error")
	}, never)

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_MaxRetriesExceeded(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), &RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Second,
		Clock:      clock.NewAutoFake(epoch),
	}, func() error {
		attempts++
		return fmt.Errorf("throttled")
	}, always)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (2) exceeded")
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_DeadlineNeverExtended(t *testing.T) {
	fake := clock.NewAutoFake(epoch)
	attempts := 0
	err := RetryWithBackoff(context.Background(), &RetryPolicy{
		MaxRetries: 100,
		BaseDelay:  10 * time.Second,
		MaxDelay:   10 * time.Second,
		Deadline:   35 * time.Second,
		Clock:      fake,
	}, func() error {
		attempts++
		return fmt.Errorf("service unavailable")
	}, always)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeadlineExceeded))
	assert.Equal(t, 4, attempts)
	assert.LessOrEqual(t, fake.Now().Sub(epoch), 35*time.Second)
}

func TestRetryWithBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWithBackoff(ctx, &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Hour,
		MaxDelay:   time.Hour,
		Clock:      clock.NewFake(epoch),
	}, func() error {
		return fmt.Errorf("throttled")
	}, always)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPoll_Done(t *testing.T) {
	polls := 0
	err := Poll(context.Background(), &RetryPolicy{
		BaseDelay: 5 * time.Second,
		MaxDelay:  30 * time.Second,
		Deadline:  time.Minute,
		Clock:     clock.NewAutoFake(epoch),
	}, func(context.Context) (bool, error) {
		polls++
		return polls == 3, nil
	}, never)

	assert.NoError(t, err)
	assert.Equal(t, 3, polls)
}

func TestPoll_DeadlineBoundsTransientErrors(t *testing.T) {
	fake := clock.NewAutoFake(epoch)
	err := Poll(context.Background(), &RetryPolicy{
		BaseDelay: 5 * time.Second,
		MaxDelay:  5 * time.Second,
		Deadline:  22 * time.Second,
		Clock:     fake,
	}, func(context.Context) (bool, error) {
		return false, fmt.Errorf("throttled")
	}, always)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeadlineExceeded))
	assert.Contains(t, err.Error(), "throttled")
	assert.Equal(t, 22*time.Second, fake.Now().Sub(epoch))
}

func TestPoll_PermanentErrorStops(t *testing.T) {
	polls := 0
	boom := errors.New("access denied")
	err := Poll(context.Background(), &RetryPolicy{
		BaseDelay: time.Second,
		MaxDelay:  time.Second,
		Deadline:  time.Minute,
		Clock:     clock.NewAutoFake(epoch),
	}, func(context.Context) (bool, error) {
		polls++
		return false, boom
	}, never)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, polls)
}

func TestPoll_DeadlineBoundsInFlightCheck(t *testing.T) {
	start := time.Now()
	err := Poll(context.Background(), &RetryPolicy{
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
		Deadline:  200 * time.Millisecond,
	}, func(ctx context.Context) (bool, error) {
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("describe: %w", ctx.Err())
		case <-time.After(5 * time.Second):
			return true, nil
		}
	}, never)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPoll_ParentCancelIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Poll(ctx, &RetryPolicy{
		BaseDelay: time.Second,
		MaxDelay:  time.Second,
		Deadline:  time.Minute,
		Clock:     clock.NewAutoFake(epoch),
	}, func(ctx context.Context) (bool, error) {
		cancel()
		return false, ctx.Err()
	}, never)

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDeadlineExceeded))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPoll_RequiresDeadline(t *testing.T) {
	err := Poll(context.Background(), &RetryPolicy{}, func(context.Context) (bool, error) { return true, nil }, never)
	assert.Error(t, err)
}

func TestCalculateBackoff(t *testing.T) {
	for attempt := 0; attempt < 8; attempt++ {
		d := calculateBackoff(attempt, time.Second, 8*time.Second, 0)
		expected := time.Second << attempt
		if expected > 8*time.Second {
			expected = 8 * time.Second
		}
		assert.Equal(t, expected, d)
	}

	for i := 0; i < 50; i++ {
		d := calculateBackoff(2, time.Second, time.Minute, 1)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}
