package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore 基于内存的幂等存储
type MemoryStore struct {
	records         map[string]*Record
	mu              sync.Mutex
	logger          *zap.Logger
	now             func() time.Time
	stopCh          chan struct{}
	closeOnce       sync.Once
	cleanupInterval time.Duration
}

// NewMemoryStore 创建内存幂等存储，后台每隔 cleanupInterval 清理过期记录
func NewMemoryStore(logger *zap.Logger, cleanupInterval time.Duration) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	s := &MemoryStore{
		records:         make(map[string]*Record),
		logger:          logger.With(zap.String("component", "idempotency")),
		now:             time.Now,
		stopCh:          make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
	go s.cleanupLoop()
	return s
}

// cleanupLoop 定期清理过期条目
func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expired := 0
	for key, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, key)
			expired++
		}
	}
	if expired > 0 {
		s.logger.Debug("cleaned up expired idempotency records",
			zap.Int("expired", expired),
			zap.Int("remaining", len(s.records)))
	}
}

// Close 停止清理 goroutine
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCh) })
	return nil
}

// lookup must be called with s.mu held.
func (s *MemoryStore) lookup(key string) *Record {
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if !s.now().Before(rec.ExpiresAt) {
		delete(s.records, key)
		return nil
	}
	return rec
}

// CheckAndSet 实现 Store.CheckAndSet
func (s *MemoryStore) CheckAndSet(_ context.Context, key string, ttl time.Duration) (*CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec := s.lookup(key); rec != nil {
		return CheckResultFor(rec), nil
	}
	s.records[key] = &Record{
		Key:       key,
		Pending:   true,
		ExpiresAt: s.now().Add(normalizeTTL(ttl)),
	}
	return &CheckResult{}, nil
}

// Complete 实现 Store.Complete
func (s *MemoryStore) Complete(_ context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotent result: %w", err)
	}

	s.mu.Lock()
	s.records[key] = &Record{
		Key:       key,
		Result:    data,
		ExpiresAt: s.now().Add(normalizeTTL(ttl)),
	}
	s.mu.Unlock()
	return nil
}

// Delete 实现 Store.Delete
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}
