package compensation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/resilience/retry"
)

// UndoFunc 补偿函数，接收正向步骤的结果
type UndoFunc func(ctx context.Context, forwardResult any) error

// Step 已成功完成且声明了补偿函数的步骤
type Step struct {
	Name          string
	ForwardResult any
	Undo          UndoFunc
	CompletedAt   time.Time
}

// Failure 单个补偿失败
type Failure struct {
	Step string
	Err  error
}

// Report 补偿结果汇总。部分失败是可观测的，不会被隐藏。
type Report struct {
	Succeeded []string
	Failed    []Failure
	Duration  time.Duration
}

// OK 所有补偿均成功
func (r *Report) OK() bool {
	return len(r.Failed) == 0
}

// Err 汇总所有失败，全部成功时返回 nil
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("compensate %s: %w", f.Step, f.Err))
	}
	return errors.Join(errs...)
}

// Options 补偿执行选项
type Options struct {
	// Retry 单个补偿函数的重试策略，为空则只执行一次
	Retry *retry.Policy
	// DeadLetters 仍然失败的补偿写入死信队列
	DeadLetters dlq.Queue
	// Source 写入死信时的来源信息
	Source dlq.Source
	Logger *zap.Logger
}

// Compensate 按完成顺序的逆序执行补偿；单个失败被收集而不中断后续补偿。
func Compensate(ctx context.Context, steps []Step, opts Options) *Report {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "compensation"))

	var retryer retry.Retryer
	if opts.Retry != nil {
		retryer = retry.NewRetryer(opts.Retry, logger)
	}

	start := time.Now()
	report := &Report{}
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Undo == nil {
			continue
		}

		attempts, err := runUndo(ctx, retryer, step)
		if err == nil {
			logger.Debug("step compensated", zap.String("step", step.Name))
			report.Succeeded = append(report.Succeeded, step.Name)
			continue
		}

		logger.Warn("compensation failed", zap.String("step", step.Name), zap.Error(err))
		report.Failed = append(report.Failed, Failure{Step: step.Name, Err: err})
		deadLetter(ctx, opts, step, err, attempts, logger)
	}
	report.Duration = time.Since(start)

	logger.Info("compensation finished",
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("duration", report.Duration),
	)
	return report
}

func runUndo(ctx context.Context, retryer retry.Retryer, step Step) (int, error) {
	attempts := 0
	call := func(ctx context.Context) (err error) {
		attempts++
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("undo panicked: %v", r)
			}
		}()
		return step.Undo(ctx, step.ForwardResult)
	}
	if retryer == nil {
		err := call(ctx)
		return attempts, err
	}
	err := retryer.Do(ctx, call)
	return attempts, err
}

func deadLetter(ctx context.Context, opts Options, step Step, cause error, attempts int, logger *zap.Logger) {
	if opts.DeadLetters == nil {
		return
	}
	source := opts.Source
	source.Node = step.Name

	entry, err := dlq.NewEntry(source, step.ForwardResult, cause, attempts)
	if err != nil {
		entry = &dlq.Entry{Source: source, Error: cause.Error(), Attempts: attempts}
	}
	entry.Metadata = map[string]string{"kind": "compensation"}

	if err := opts.DeadLetters.Enqueue(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("failed to dead-letter compensation", zap.String("step", step.Name), zap.Error(err))
	}
}

// Manager 记录成功步骤，供失败时显式触发补偿
type Manager struct {
	mu    sync.Mutex
	steps []Step
	opts  Options
	now   func() time.Time
}

// NewManager 创建补偿管理器
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts, now: time.Now}
}

// Record 记录一个已完成的步骤；undo 为空时忽略
func (m *Manager) Record(name string, forwardResult any, undo UndoFunc) {
	if undo == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, Step{
		Name:          name,
		ForwardResult: forwardResult,
		Undo:          undo,
		CompletedAt:   m.now(),
	})
}

// Steps 返回已记录步骤的副本（完成顺序）
func (m *Manager) Steps() []Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Step(nil), m.steps...)
}

// Len 已记录步骤数
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.steps)
}

// Compensate 补偿所有已记录步骤并清空记录，同一步骤不会被补偿两次
func (m *Manager) Compensate(ctx context.Context) *Report {
	m.mu.Lock()
	steps := m.steps
	m.steps = nil
	m.mu.Unlock()

	return Compensate(ctx, steps, m.opts)
}
