package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/picklr-io/ec2-cli/internal/clock"
)

// DefaultCallTimeout bounds a single gateway or broker call.
const DefaultCallTimeout = 30 * time.Second

// DefaultRetryMax is the default maximum number of retries for transient errors.
const DefaultRetryMax = 4

// ErrDeadlineExceeded is returned when a policy's overall budget runs out.
var ErrDeadlineExceeded = errors.New("deadline exceeded")

// RetryPolicy defines retry and polling behavior: how many attempts,
// how the delay grows, and the overall budget that retries never extend.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Deadline is the overall budget measured from the first attempt.
	// Zero means the budget is bounded by MaxRetries alone.
	Deadline time.Duration
	// Jitter is the randomised fraction of each delay, between 0 and 1.
	Jitter float64
	Clock  clock.Clock
}

// DefaultRetryPolicy returns the policy used for cloud API calls.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Deadline:   2 * time.Minute,
		Jitter:     1,
	}
}

// PollPolicy returns a policy for readiness and termination polling with
// the given overall budget.
func PollPolicy(deadline time.Duration) *RetryPolicy {
	return &RetryPolicy{
		BaseDelay: 5 * time.Second,
		MaxDelay:  30 * time.Second,
		Deadline:  deadline,
		Jitter:    0.2,
	}
}

func (p *RetryPolicy) clock() clock.Clock {
	if p.Clock == nil {
		return clock.Real()
	}
	return p.Clock
}

// WithTimeout wraps a context with a per-call timeout.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// RetryWithBackoff executes fn with exponential backoff and jitter.
// It retries only if shouldRetry returns true for the error, and never
// sleeps past the policy deadline.
func RetryWithBackoff(ctx context.Context, policy *RetryPolicy, fn func() error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	clk := policy.clock()
	start := clk.Now()

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxRetries {
			break
		}

		delay := calculateBackoff(attempt, policy.BaseDelay, policy.MaxDelay, policy.Jitter)
		if policy.Deadline > 0 && clk.Now().Add(delay).Sub(start) > policy.Deadline {
			return fmt.Errorf("retry budget of %s spent: %w: %w", policy.Deadline, ErrDeadlineExceeded, lastErr)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-clk.After(delay):
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr)
}

// Poll calls check until it reports done, the policy deadline passes,
// or check returns an error shouldRetry rejects. Retryable errors are
// treated as an unsuccessful poll and count against the same deadline.
// Each check runs under a context that expires with the remaining budget,
// so a slow call in flight cannot carry the poll past its deadline.
func Poll(ctx context.Context, policy *RetryPolicy, check func(ctx context.Context) (bool, error), shouldRetry func(error) bool) error {
	if policy == nil || policy.Deadline <= 0 {
		return errors.New("poll requires a policy with a positive deadline")
	}
	clk := policy.clock()
	deadline := clk.Now().Add(policy.Deadline)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("poll cancelled: %w", err)
		}
		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			break
		}
		checkCtx, cancel := context.WithTimeout(ctx, remaining)
		done, err := check(checkCtx)
		expired := checkCtx.Err() != nil && ctx.Err() == nil
		cancel()
		switch {
		case err == nil && done:
			return nil
		case err != nil && expired:
			return fmt.Errorf("gave up after %s: %w (in-flight call: %v)", policy.Deadline, ErrDeadlineExceeded, err)
		case err != nil && !shouldRetry(err):
			return err
		case err != nil:
			lastErr = err
		}

		remaining = deadline.Sub(clk.Now())
		if remaining <= 0 {
			break
		}
		delay := calculateBackoff(attempt, policy.BaseDelay, policy.MaxDelay, policy.Jitter)
		if delay > remaining {
			delay = remaining
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("poll cancelled: %w", ctx.Err())
		case <-clk.After(delay):
		}
	}

	if lastErr != nil {
		return fmt.Errorf("gave up after %s: %w (last error: %v)", policy.Deadline, ErrDeadlineExceeded, lastErr)
	}
	return fmt.Errorf("gave up after %s: %w", policy.Deadline, ErrDeadlineExceeded)
}

// calculateBackoff returns an exponential delay where the jitter fraction
// of it is randomised.
func calculateBackoff(attempt int, base, max time.Duration, jitter float64) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	fixed := backoff * (1 - jitter)
	return time.Duration(fixed + rand.Float64()*backoff*jitter)
}
