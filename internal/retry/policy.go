// Package retry provides the retry policy shared by every store operation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	retrygo "github.com/avast/retry-go/v4"
)

// ErrExhausted wraps the last error once all attempts have failed.
var ErrExhausted = errors.New("retry attempts exhausted")

const (
	DefaultAttempts = 3
	DefaultDelay    = 500 * time.Millisecond
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Policy describes how an operation is retried.
type Policy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
	Backoff  Backoff

	// RetryIf reports whether err is worth another attempt. Nil retries
	// everything except errors marked with Permanent.
	RetryIf func(error) bool

	Logger *slog.Logger
}

// Default returns a fixed-delay policy with three attempts 500ms apart.
func Default() Policy {
	return Policy{
		Attempts: DefaultAttempts,
		Delay:    DefaultDelay,
		Backoff:  BackoffFixed,
	}
}

// WithRetryIf returns a copy of p using fn to classify errors.
func (p Policy) WithRetryIf(fn func(error) bool) Policy {
	p.RetryIf = fn
	return p
}

// Do runs fn until it succeeds, returns a permanent error, the context is
// done, or the attempts run out.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = DefaultAttempts
	}

	var zero T
	result, err := retrygo.DoWithData(
		func() (T, error) {
			return fn(ctx)
		},
		p.options(ctx, op, attempts)...,
	)
	if err == nil {
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return zero, fmt.Errorf("%s: %w", op, perm.err)
	}
	if p.RetryIf != nil && !p.RetryIf(err) {
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	return zero, fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, op, attempts, err)
}

func (p Policy) options(ctx context.Context, op string, attempts uint) []retrygo.Option {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}

	opts := []retrygo.Option{
		retrygo.Context(ctx),
		retrygo.Attempts(attempts),
		retrygo.Delay(delay),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(p.shouldRetry),
	}

	switch p.Backoff {
	case BackoffExponential:
		opts = append(opts, retrygo.DelayType(retrygo.BackOffDelay))
		if p.MaxDelay > 0 {
			opts = append(opts, retrygo.MaxDelay(p.MaxDelay))
		}
	default:
		opts = append(opts, retrygo.DelayType(retrygo.FixedDelay))
	}

	if p.Logger != nil {
		logger := p.Logger
		opts = append(opts, retrygo.OnRetry(func(n uint, err error) {
			logger.Warn("operation failed, retrying",
				"op", op,
				"attempt", n+1,
				"max_attempts", attempts,
				"error", err,
			)
		}))
	}
	return opts
}

func (p Policy) shouldRetry(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if p.RetryIf != nil {
		return p.RetryIf(err)
	}
	return true
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that no further attempts are made.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
