// Package retry provides bounded-attempt execution with a configurable
// delay between attempts. It deliberately does not classify errors;
// callers decide which failures are worth another pass.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCancelled is returned when the context is cancelled between attempts.
var ErrCancelled = errors.New("retry: cancelled")

// Options controls how many times an operation runs and how long the
// helper waits between attempts.
type Options struct {
	// MaxRetries is the number of additional attempts after the first.
	// Zero means run exactly once.
	MaxRetries int

	// Delay is the wait between attempts. In exponential mode it is the
	// base for the first wait.
	Delay time.Duration

	// Exponential doubles the delay after every failed attempt, capped
	// at MaxDelay when set.
	Exponential bool
	MaxDelay    time.Duration
}

// DefaultOptions matches the configured defaults: five retries, five
// seconds apart, constant delay.
func DefaultOptions() Options {
	return Options{MaxRetries: 5, Delay: 5 * time.Second}
}

func (o Options) delayFor(attempt int) time.Duration {
	if !o.Exponential {
		return o.Delay
	}
	d := o.Delay
	for i := 0; i < attempt; i++ {
		d *= 2
		if o.MaxDelay > 0 && d >= o.MaxDelay {
			return o.MaxDelay
		}
	}
	return d
}

// Do invokes op up to MaxRetries+1 times, waiting between attempts.
// Before each attempt it checks the context and short-circuits with
// ErrCancelled. The last error is returned once attempts are exhausted.
func Do[T any](ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == opts.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-time.After(opts.delayFor(attempt)):
		}
	}

	return zero, fmt.Errorf("retry: %d attempts failed: %w", opts.MaxRetries+1, lastErr)
}
