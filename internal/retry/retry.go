// Package retry runs upstream calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`

	// Transient decides whether an error is worth another attempt.
	// nil retries every error not marked Permanent.
	Transient func(error) bool `yaml:"-"`
	// OnRetry is called before sleeping ahead of attempt n+1.
	OnRetry func(attempt int, err error, wait time.Duration) `yaml:"-"`
}

// DefaultPolicy matches the upstream behaviour of three attempts with
// 500ms, 1s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable regardless of the classifier.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Backoff returns the wait before attempt n+1 (n starting at 1).
func (p Policy) Backoff(attempt int) time.Duration {
	wait := p.InitialBackoff
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * mult)
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		return p.MaxBackoff
	}
	return wait
}

// Do runs fn until it succeeds, fails permanently, the context ends, or
// MaxAttempts is reached.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if perm, ok := err.(permanentError); ok {
			return perm.err
		}
		if IsPermanent(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}
		if p.Transient != nil && !p.Transient(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
