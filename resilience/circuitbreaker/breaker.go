package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（允许一次试探调用）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration

	// IsFailure 判断错误是否计入失败，为空时除 context.Canceled 外均计入
	IsFailure func(err error) bool

	// OnStateChange 状态变更回调，在锁外同步调用
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Stats 熔断器快照
type Stats struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	NextRetryTime       time.Time `json:"next_retry_time,omitempty"`
}

// ErrCircuitOpen 可用 errors.Is 匹配任意 *CircuitOpenError
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError 熔断期间快速失败，被包装的操作不会被调用
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Name, e.RetryAfter)
}

// Is 使 errors.Is(err, ErrCircuitOpen) 成立
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Unwrap 暴露统一错误码
func (e *CircuitOpenError) Unwrap() error {
	return types.NewError(types.ErrCircuitOpen, "circuit open")
}

// IsOpenError 检查错误链中是否存在 CircuitOpenError
func IsOpenError(err error) bool {
	var openErr *CircuitOpenError
	return errors.As(err, &openErr)
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

type transition struct {
	from, to State
}

// Breaker 以标识符命名的熔断器，可在多个并发调用间共享
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	openedAt            time.Time
	trialInFlight       bool
}

// New 创建熔断器
func New(name string, config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := *config
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}

	return &Breaker{
		name:   name,
		config: cfg,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("breaker", name)),
		now:    time.Now,
		state:  StateClosed,
	}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name 返回熔断器标识
func (b *Breaker) Name() string {
	return b.name
}

// Call 执行调用，熔断打开时返回 *CircuitOpenError
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// CallWithResult 执行调用并返回结果
func (b *Breaker) CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	trial, err := b.beforeCall()
	if err != nil {
		return nil, err
	}

	// fn panic 按失败计入并释放半开试探名额，然后继续向上传播
	completed := false
	defer func() {
		if !completed {
			b.afterCall(trial, outcomeFailure)
		}
	}()

	result, callErr := fn(ctx)
	completed = true

	switch {
	case callErr == nil:
		b.afterCall(trial, outcomeSuccess)
	case b.config.IsFailure(callErr):
		b.afterCall(trial, outcomeFailure)
	default:
		b.afterCall(trial, outcomeIgnored)
	}
	return result, callErr
}

// beforeCall 调用前检查，返回本次调用是否为半开试探
func (b *Breaker) beforeCall() (bool, error) {
	b.mu.Lock()
	var changed *transition
	trial := false
	var err error

	switch b.state {
	case StateClosed:
	case StateOpen:
		retryAt := b.openedAt.Add(b.config.ResetTimeout)
		if now := b.now(); now.Before(retryAt) {
			err = &CircuitOpenError{Name: b.name, RetryAfter: retryAt.Sub(now)}
			break
		}
		changed = b.setState(StateHalfOpen)
		b.trialInFlight = true
		trial = true
	case StateHalfOpen:
		if b.trialInFlight {
			err = &CircuitOpenError{Name: b.name}
			break
		}
		b.trialInFlight = true
		trial = true
	}
	b.mu.Unlock()

	b.notify(changed)
	return trial, err
}

// afterCall 调用后处理
func (b *Breaker) afterCall(trial bool, result outcome) {
	b.mu.Lock()
	var changed *transition

	if trial {
		b.trialInFlight = false
	}

	switch result {
	case outcomeSuccess:
		b.consecutiveFailures = 0
		if b.state == StateHalfOpen && trial {
			b.logger.Info("circuit closed after successful trial")
			changed = b.setState(StateClosed)
		}
	case outcomeFailure:
		b.consecutiveFailures++
		b.lastFailureTime = b.now()
		switch {
		case b.state == StateHalfOpen && trial:
			b.logger.Warn("trial call failed, reopening circuit")
			b.openedAt = b.lastFailureTime
			changed = b.setState(StateOpen)
		case b.state == StateClosed && b.consecutiveFailures >= b.config.FailureThreshold:
			b.logger.Warn("circuit opened",
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.openedAt = b.lastFailureTime
			changed = b.setState(StateOpen)
		}
	}
	b.mu.Unlock()

	b.notify(changed)
}

// setState must be called with b.mu held.
func (b *Breaker) setState(newState State) *transition {
	if b.state == newState {
		return nil
	}
	t := &transition{from: b.state, to: newState}
	b.state = newState
	return t
}

func (b *Breaker) notify(t *transition) {
	if t == nil || b.config.OnStateChange == nil {
		return
	}
	b.config.OnStateChange(b.name, t.from, t.to)
}

// State 获取当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats 获取当前快照
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureTime:     b.lastFailureTime,
	}
	if b.state == StateOpen {
		s.NextRetryTime = b.openedAt.Add(b.config.ResetTimeout)
	}
	return s
}

// Reset 手动恢复到关闭状态
func (b *Breaker) Reset() {
	b.mu.Lock()
	changed := b.setState(StateClosed)
	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.mu.Unlock()

	b.logger.Info("circuit breaker reset")
	b.notify(changed)
}
