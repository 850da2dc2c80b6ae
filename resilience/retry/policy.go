package retry

import (
	"fmt"
	"strings"
	"time"
)

// Backoff 退避策略
type Backoff int

const (
	// BackoffExponential delay = base * factor^(n-1)
	BackoffExponential Backoff = iota
	// BackoffLinear delay = base * n
	BackoffLinear
	// BackoffConstant delay = base
	BackoffConstant
)

func (b Backoff) String() string {
	switch b {
	case BackoffExponential:
		return "exponential"
	case BackoffLinear:
		return "linear"
	case BackoffConstant:
		return "constant"
	default:
		return "unknown"
	}
}

// ParseBackoff 从配置字符串解析退避策略，空字符串视为 exponential
func ParseBackoff(s string) (Backoff, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exponential", "exp":
		return BackoffExponential, nil
	case "linear":
		return BackoffLinear, nil
	case "constant", "fixed":
		return BackoffConstant, nil
	default:
		return BackoffExponential, fmt.Errorf("unknown backoff policy %q", s)
	}
}

// AttemptInfo 描述一次失败的尝试以及下一次重试前的等待时间
type AttemptInfo struct {
	Attempt int           // 已失败的尝试序号，从 1 开始
	Err     error         // 本次尝试返回的错误
	Delay   time.Duration // 下一次尝试前的等待时间
}

// Policy 定义重试策略配置
type Policy struct {
	MaxRetries int           // 最大重试次数（0 表示不重试）
	BaseDelay  time.Duration // 基础延迟
	MaxDelay   time.Duration // 延迟上限（0 表示不限制）
	Backoff    Backoff       // 退避策略
	Factor     float64       // 指数退避倍增因子
	Jitter     bool          // 是否在 [0, delay) 区间内添加随机抖动

	// RetryIf 判断错误是否可重试，为空时使用 DefaultRetryIf
	RetryIf func(err error) bool
	// OnRetry 在每次等待之前同步调用
	OnRetry func(info AttemptInfo)
}

// DefaultPolicy 返回默认的重试策略
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Backoff:    BackoffExponential,
		Factor:     2.0,
		Jitter:     true,
	}
}

// normalize 返回参数校验后的副本
func (p Policy) normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay < 0 {
		p.MaxDelay = 0
	}
	if p.Factor < 1.0 {
		p.Factor = 2.0
	}
	if p.RetryIf == nil {
		p.RetryIf = DefaultRetryIf
	}
	return p
}
