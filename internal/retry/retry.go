// Package retry runs fallible operations with bounded retries and fixed or
// exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"turnover/internal/config"
)

type Backoff string

const (
	Fixed       Backoff = "fixed"
	Exponential Backoff = "exponential"
)

// Options configure one retried operation. MaxRetries counts retries, so an
// operation runs at most MaxRetries+1 times.
type Options struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Backoff      Backoff

	// ShouldRetry stops the loop early when it returns false for an error.
	ShouldRetry func(error) bool
	// OnRetry is called before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// FromConfig maps a YAML retry block onto Options.
func FromConfig(c config.RetryConfig) Options {
	return Options{
		MaxRetries:   c.MaxRetries,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Backoff:      Backoff(c.Backoff),
	}
}

// Delay returns the wait between attempt n and n+1 (n is 1-based).
func (o Options) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := o.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}

	d := initial
	if o.Backoff == Exponential {
		d = time.Duration(float64(initial) * math.Pow(2, float64(attempt-1)))
		if d <= 0 {
			d = math.MaxInt64
		}
	}
	if o.MaxDelay > 0 && d > o.MaxDelay {
		d = o.MaxDelay
	}
	return d
}

// ExhaustedError is returned once every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// wait blocks for d or until ctx is done. Tests swap it out.
var wait = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds, the retry budget is spent, ShouldRetry
// rejects the error, or ctx is canceled. A non-retryable error is returned
// unwrapped; an exhausted budget yields *ExhaustedError.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return zero, err
		}
		if attempt > maxRetries {
			break
		}

		delay := opts.Delay(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}
		if werr := wait(ctx, delay); werr != nil {
			return zero, fmt.Errorf("%w (last error: %v)", werr, lastErr)
		}
	}

	return zero, &ExhaustedError{Attempts: maxRetries + 1, Err: lastErr}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	_, err := Do(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
