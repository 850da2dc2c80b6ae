// =============================================================================
// 🧩 步骤模拟 - 记录调用的步骤函数与补偿函数
// =============================================================================
// 用于测试执行器调度顺序、重试与补偿
//
// 使用方法:
//
//	rec := mocks.NewStepRecorder()
//	b.AddNode("charge", rec.Step("charge", workflow.State{"charged": true}))
//	assert.Equal(t, []string{"reserve", "charge"}, rec.Calls())
//
// =============================================================================
package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/BaSui01/flowengine/workflow"
)

// =============================================================================
// 🎯 StepRecorder
// =============================================================================

// StepRecorder 按调用顺序记录节点名
type StepRecorder struct {
	mu    sync.Mutex
	calls []string
}

// NewStepRecorder 创建 StepRecorder
func NewStepRecorder() *StepRecorder {
	return &StepRecorder{}
}

// Step 返回一个记录调用并写入 patch 的步骤函数，节点输出为 patch
func (r *StepRecorder) Step(name string, patch workflow.State) workflow.StepFunc {
	return func(ctx context.Context, nc *workflow.NodeContext) (*workflow.NodeResult, error) {
		r.record(name)
		return &workflow.NodeResult{StatePatch: patch.Clone(), Output: patch.Clone()}, nil
	}
}

// Failing 返回一个记录调用后总是失败的步骤函数
func (r *StepRecorder) Failing(name string, err error) workflow.StepFunc {
	return func(ctx context.Context, nc *workflow.NodeContext) (*workflow.NodeResult, error) {
		r.record(name)
		return nil, err
	}
}

// Calls 返回调用记录副本
func (r *StepRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count 返回某节点被调用的次数
func (r *StepRecorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (r *StepRecorder) record(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

// =============================================================================
// 🔁 FlakyStep
// =============================================================================

// ErrTransient FlakyStep 默认返回的错误
var ErrTransient = errors.New("transient failure")

// FlakyStep 前 failures 次调用失败，之后成功
type FlakyStep struct {
	mu       sync.Mutex
	failures int
	attempts int
	err      error
	patch    workflow.State
}

// NewFlakyStep 创建 FlakyStep
func NewFlakyStep(failures int, patch workflow.State) *FlakyStep {
	return &FlakyStep{failures: failures, err: ErrTransient, patch: patch}
}

// WithError 设置失败时返回的错误
func (f *FlakyStep) WithError(err error) *FlakyStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	return f
}

// Run 实现 workflow.StepFunc
func (f *FlakyStep) Run(ctx context.Context, nc *workflow.NodeContext) (*workflow.NodeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return nil, f.err
	}
	return workflow.Patch(f.patch.Clone()), nil
}

// Attempts 返回已调用次数
func (f *FlakyStep) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// =============================================================================
// ↩️ UndoRecorder
// =============================================================================

// UndoRecorder 记录补偿函数的执行顺序与收到的正向结果
type UndoRecorder struct {
	mu      sync.Mutex
	order   []string
	results map[string]any
	errs    map[string]error
}

// NewUndoRecorder 创建 UndoRecorder
func NewUndoRecorder() *UndoRecorder {
	return &UndoRecorder{results: make(map[string]any), errs: make(map[string]error)}
}

// FailFor 让某节点的补偿返回 err
func (u *UndoRecorder) FailFor(name string, err error) *UndoRecorder {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errs[name] = err
	return u
}

// Undo 返回节点 name 的补偿函数
func (u *UndoRecorder) Undo(name string) workflow.UndoFunc {
	return func(ctx context.Context, forwardResult any) error {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.order = append(u.order, name)
		u.results[name] = forwardResult
		return u.errs[name]
	}
}

// Order 返回补偿执行顺序
func (u *UndoRecorder) Order() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.order...)
}

// Result 返回节点补偿时收到的正向结果
func (u *UndoRecorder) Result(name string) (any, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.results[name]
	return v, ok
}
