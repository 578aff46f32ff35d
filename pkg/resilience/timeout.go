package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAbandoned reports that a call was still running when its context ended
// and its result will not be waited for.
var ErrAbandoned = errors.New("call abandoned")

type outcome[T any] struct {
	value T
	err   error
}

// Race runs fn in its own goroutine and returns as soon as fn finishes or
// ctx is done, whichever comes first. fn keeps running after an abandon; its
// eventual result is handed to late when late is non-nil. The returned
// error wraps both ErrAbandoned and ctx.Err() in that case.
func Race[T any](ctx context.Context, name string, fn func(ctx context.Context) (T, error), late func(T, error)) (T, error) {
	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome[T]{v, err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
	}

	// Prefer a result that raced the deadline over discarding it.
	select {
	case o := <-done:
		return o.value, o.err
	default:
	}
	if late != nil {
		go func() {
			o := <-done
			late(o.value, o.err)
		}()
	}
	var zero T
	return zero, fmt.Errorf("%s: %w: %w", name, ErrAbandoned, ctx.Err())
}

// WithTimeout runs fn under a derived context cancelled after timeout and
// stops waiting for it once that context ends.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := Race(timeoutCtx, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	if err == nil || timeoutCtx.Err() == nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
	}
	return fmt.Errorf("%s: %w (limit: %v)", name, context.DeadlineExceeded, timeout)
}
