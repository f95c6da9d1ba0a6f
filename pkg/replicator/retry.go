package replicator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = 5 * time.Second
)

// RetryPolicy is a fixed-delay retry policy.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	// Delay is slept between two consecutive attempts.
	Delay time.Duration
}

// DefaultRetryPolicy returns 5 attempts with 5 seconds between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: DefaultRetryAttempts, Delay: DefaultRetryDelay}
}

// retry runs op until it succeeds, the attempts are exhausted or ctx is done.
// notify is called after each failed attempt that will be retried.
func retry(ctx context.Context, p RetryPolicy, op func(attempt int) error, notify func(attempt int, err error, next time.Duration)) error {
	attempts := max(p.Attempts, 1)

	attempt := 0
	operation := func() error {
		attempt++
		return op(attempt)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1)),
		ctx,
	)

	return backoff.RetryNotify(operation, b, func(err error, next time.Duration) {
		if notify != nil {
			notify(attempt, err, next)
		}
	})
}
