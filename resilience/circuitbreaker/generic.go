package circuitbreaker

import "context"

// CallTyped is a type-safe generic wrapper around Breaker.CallWithResult.
//
// Usage:
//
//	val, err := circuitbreaker.CallTyped[int](cb, ctx, func(ctx context.Context) (int, error) {
//	    return 42, nil
//	})
func CallTyped[T any](cb *Breaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := cb.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil || result == nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
