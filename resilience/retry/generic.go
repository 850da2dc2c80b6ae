package retry

import (
	"context"

	"go.uber.org/zap"
)

// DoTyped is a type-safe generic wrapper around Retryer.DoWithResult.
//
// Usage:
//
//	val, err := retry.DoTyped[int](r, ctx, func(ctx context.Context) (int, error) {
//	    return 42, nil
//	})
func DoTyped[T any](r Retryer, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := r.DoWithResult(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if result == nil {
		var zero T
		return zero, nil
	}
	return result.(T), nil
}

// WithRetry runs fn under policy with a no-op logger.
func WithRetry[T any](ctx context.Context, policy *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	return DoTyped[T](NewRetryer(policy, zap.NewNop()), ctx, fn)
}
