package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/flowengine/types"
)

// RetryAbortedError 等待重试期间被取消时返回，区别于操作本身的错误
type RetryAbortedError struct {
	Attempts int   // 已完成的尝试次数
	LastErr  error // 最后一次尝试的错误
	Cause    error // 取消原因（ctx.Err()）
}

func (e *RetryAbortedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("retry aborted after %d attempts: %v (last error: %v)", e.Attempts, e.Cause, e.LastErr)
	}
	return fmt.Sprintf("retry aborted after %d attempts: %v", e.Attempts, e.Cause)
}

// Unwrap exposes both the cancellation cause and the last operation error.
func (e *RetryAbortedError) Unwrap() []error {
	errs := []error{types.NewError(types.ErrRetryAborted, "retry aborted")}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.LastErr != nil {
		errs = append(errs, e.LastErr)
	}
	return errs
}

// IsAborted 检查错误链中是否存在 RetryAbortedError
func IsAborted(err error) bool {
	var aborted *RetryAbortedError
	return errors.As(err, &aborted)
}

// RetryableError 强制标记为可重试的错误
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// WrapRetryable 将错误包装为可重试错误
func WrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryableError 检查错误是否被 WrapRetryable 包装。
// 与 types.IsRetryable 不同，后者检查 *types.Error 的 Retryable 字段。
func IsRetryableError(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// PermanentError 标记不可重试的错误
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent 将错误包装为不可重试错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent 检查错误是否被 Permanent 包装
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// DefaultRetryIf 默认的可重试判断：
// 取消和 Permanent 错误不重试，WrapRetryable 错误总是重试，
// *types.Error 以其 Retryable 字段为准，其余错误均重试。
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || IsPermanent(err) {
		return false
	}
	if IsRetryableError(err) {
		return true
	}
	if e, ok := types.AsError(err); ok {
		return e.Retryable
	}
	return true
}
