package dlq

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue 内存死信队列，适用于测试和单进程部署
type MemoryQueue struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryQueue 创建内存死信队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Enqueue 实现 Queue.Enqueue
func (q *MemoryQueue) Enqueue(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("enqueue dead letter: entry is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e := Prepare(q.entries[entry.ID], entry, q.now())
	q.entries[e.ID] = e
	entry.ID = e.ID
	return nil
}

// Get 实现 Queue.Get
func (q *MemoryQueue) Get(_ context.Context, id string) (*Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	e, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.Clone(), nil
}

// List 实现 Queue.List
func (q *MemoryQueue) List(_ context.Context, filter Filter) ([]*Entry, error) {
	q.mu.RLock()
	all := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		all = append(all, e.Clone())
	}
	q.mu.RUnlock()

	return Apply(all, filter), nil
}

// Remove 实现 Queue.Remove
func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(q.entries, id)
	return nil
}

// Len 实现 Queue.Len
func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries), nil
}
