package detectors

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions contains configuration for retry behavior.
type RetryOptions struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// VisionRetryOptions returns retry options for the vision endpoint.
// The scan is on the submit path, so retries are off unless configured.
func VisionRetryOptions(maxRetries uint64, initial time.Duration) RetryOptions {
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	return RetryOptions{
		MaxElapsedTime:  10 * time.Second,
		InitialInterval: initial,
		MaxInterval:     2 * time.Second,
		MaxRetries:      maxRetries,
	}
}

// withRetry executes the given operation with exponential backoff using provided options.
// Wrap an error in backoff.Permanent to stop retrying.
func withRetry[T any](ctx context.Context, operation func() (T, error), opts RetryOptions) (T, error) {
	var result T

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(opts.MaxElapsedTime),
		backoff.WithInitialInterval(opts.InitialInterval),
		backoff.WithMaxInterval(opts.MaxInterval),
	), opts.MaxRetries)

	err := backoff.Retry(func() error {
		var err error
		result, err = operation()
		return err
	}, backoff.WithContext(b, ctx))
	return result, err
}
