// =============================================================================
// 💾 存储模拟 - 支持错误注入的检查点存储与死信队列
// =============================================================================
// 包装内存实现，记录调用次数并按需注入错误
//
// 使用方法:
//
//	store := mocks.NewCheckpointStore().FailSaveAfter(2, errors.New("disk full"))
//	exec := workflow.NewExecutor(store, logger)
//
// =============================================================================
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/workflow"
)

// =============================================================================
// 📌 CheckpointStore
// =============================================================================

// CheckpointStore 包装 workflow.MemoryCheckpointStore
type CheckpointStore struct {
	*workflow.MemoryCheckpointStore

	mu sync.Mutex

	// 错误注入：第 failAfter 次之后的 Save 返回 saveErr
	saveErr   error
	failAfter int
	loadErr   error

	saveCalls int
	saved     []string
}

var _ workflow.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore 创建 CheckpointStore
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{MemoryCheckpointStore: workflow.NewMemoryCheckpointStore()}
}

// FailSaveAfter 前 n 次 Save 成功，之后返回 err
func (s *CheckpointStore) FailSaveAfter(n int, err error) *CheckpointStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
	s.saveErr = err
	return s
}

// WithLoadError 设置 Load 返回的错误
func (s *CheckpointStore) WithLoadError(err error) *CheckpointStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
	return s
}

// ClearErrors 取消所有错误注入
func (s *CheckpointStore) ClearErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = nil
	s.loadErr = nil
}

// Save 记录调用并按需注入错误
func (s *CheckpointStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	s.mu.Lock()
	s.saveCalls++
	if s.saveErr != nil && s.saveCalls > s.failAfter {
		err := s.saveErr
		s.mu.Unlock()
		return err
	}
	if cp != nil {
		s.saved = append(s.saved, cp.ID)
	}
	s.mu.Unlock()
	return s.MemoryCheckpointStore.Save(ctx, cp)
}

// Load 按需注入错误
func (s *CheckpointStore) Load(ctx context.Context, id string) (*workflow.Checkpoint, error) {
	s.mu.Lock()
	err := s.loadErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryCheckpointStore.Load(ctx, id)
}

// SaveCalls 返回 Save 调用次数（含失败）
func (s *CheckpointStore) SaveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCalls
}

// Saved 返回成功写入的检查点 ID（按写入顺序，可重复）
func (s *CheckpointStore) Saved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

// =============================================================================
// 📮 DeadLetterQueue
// =============================================================================

// DeadLetterQueue 包装 dlq.MemoryQueue
type DeadLetterQueue struct {
	*dlq.MemoryQueue

	mu         sync.Mutex
	enqueueErr error
	enqueued   int
}

var _ dlq.Queue = (*DeadLetterQueue)(nil)

// NewDeadLetterQueue 创建 DeadLetterQueue
func NewDeadLetterQueue() *DeadLetterQueue {
	return &DeadLetterQueue{MemoryQueue: dlq.NewMemoryQueue()}
}

// WithEnqueueError 设置 Enqueue 返回的错误
func (q *DeadLetterQueue) WithEnqueueError(err error) *DeadLetterQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueErr = err
	return q
}

// Enqueue 记录调用并按需注入错误
func (q *DeadLetterQueue) Enqueue(ctx context.Context, entry *dlq.Entry) error {
	q.mu.Lock()
	q.enqueued++
	err := q.enqueueErr
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.MemoryQueue.Enqueue(ctx, entry)
}

// EnqueueCalls 返回 Enqueue 调用次数（含失败）
func (q *DeadLetterQueue) EnqueueCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued
}

// Entries 返回全部条目
func (q *DeadLetterQueue) Entries(ctx context.Context) []*dlq.Entry {
	entries, _ := q.List(ctx, dlq.Filter{})
	return entries
}
