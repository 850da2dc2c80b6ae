package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func(ctx context.Context) error) error

	// DoWithResult 执行函数并返回结果，失败时根据策略重试
	DoWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error)
}

// backoffRetryer 基于退避策略的重试器实现
type backoffRetryer struct {
	policy Policy
	logger *zap.Logger
	jitter func() float64
}

// NewRetryer 创建重试器，policy 为空时使用 DefaultPolicy
func NewRetryer(policy *Policy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &backoffRetryer{
		policy: policy.normalize(),
		logger: logger.With(zap.String("component", "retry")),
		jitter: rand.Float64,
	}
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := r.DoWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// DoWithResult 实现 Retryer.DoWithResult。
// 重试耗尽后原样返回最后一次错误，不做包装。
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, &RetryAbortedError{Attempts: 0, Cause: err}
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Debug("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !r.policy.RetryIf(err) {
			r.logger.Debug("error is not retryable", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		if attempt > r.policy.MaxRetries {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &RetryAbortedError{Attempts: attempt, LastErr: lastErr, Cause: ctxErr}
		}

		delay := r.Delay(attempt)
		r.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", r.policy.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(AttemptInfo{Attempt: attempt, Err: err, Delay: delay})
		}

		if waitErr := wait(ctx, delay); waitErr != nil {
			return nil, &RetryAbortedError{Attempts: attempt, LastErr: lastErr, Cause: waitErr}
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return nil, lastErr
}

// Delay 计算第 attempt 次失败后的等待时间
func (r *backoffRetryer) Delay(attempt int) time.Duration {
	delay := baseDelay(r.policy, attempt)
	if r.policy.Jitter && delay > 0 {
		delay += r.jitter() * delay
	}
	return time.Duration(delay)
}

func baseDelay(p Policy, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay)
	var delay float64
	switch p.Backoff {
	case BackoffLinear:
		delay = base * float64(attempt)
	case BackoffConstant:
		delay = base
	default:
		delay = base * math.Pow(p.Factor, float64(attempt-1))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return delay
}

// wait blocks for d or until ctx is done. The timer is released on every path.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
