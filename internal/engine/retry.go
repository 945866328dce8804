package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/rendis/genchain/pkg/schema"
)

// Backoff strategies.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy bounds retries of a transient operation.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Backoff     string        `mapstructure:"backoff"`
	// Jitter adds up to this fraction of the delay at random (0 disables).
	Jitter float64 `mapstructure:"jitter"`
}

// DefaultRetryPolicy is used for provider dispatch.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Backoff:     BackoffExponential,
		Jitter:      0.2,
	}
}

// IsRetryableError classifies whether an error should be retried.
// Retryable: timeouts, network errors, GenchainErrors with a retryable code.
// Not retryable: cancellation and every other GenchainError.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ge *schema.GenchainError
	if errors.As(err, &ge) {
		return ge.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}
	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = policy.Delay << min(attempt, 20)
	case BackoffLinear:
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if policy.Jitter > 0 {
		delay += time.Duration(rand.Float64() * policy.Jitter * float64(delay))
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(policy.MaxAttempts, 1)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil || !IsRetryableError(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if werr := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); werr != nil {
			return err
		}
	}
	return err
}
