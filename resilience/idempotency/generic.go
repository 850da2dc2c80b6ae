package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Execute 以幂等键保护 fn：TTL 窗口内重复调用直接返回缓存结果，fn 至多执行一次。
// fn 失败时释放幂等键，以便后续重试重新执行。第二个返回值表示结果是否来自缓存。
func Execute[T any](ctx context.Context, store Store, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T

	check, err := store.CheckAndSet(ctx, key, ttl)
	if err != nil {
		return zero, false, fmt.Errorf("idempotency check: %w", err)
	}
	if check.IsDuplicate {
		if check.Pending {
			return zero, false, fmt.Errorf("%w: %s", ErrInProgress, key)
		}
		var cached T
		if len(check.CachedResult) > 0 {
			if err := json.Unmarshal(check.CachedResult, &cached); err != nil {
				return zero, false, fmt.Errorf("decode cached result: %w", err)
			}
		}
		return cached, true, nil
	}

	result, err := fn(ctx)
	if err != nil {
		_ = store.Delete(context.WithoutCancel(ctx), key)
		return zero, false, err
	}
	if err := store.Complete(ctx, key, result, ttl); err != nil {
		return result, false, fmt.Errorf("store idempotent result: %w", err)
	}
	return result, false, nil
}
