package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore 基于 Redis 的幂等存储，使用 SET NX 保证 CheckAndSet 的原子性
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 幂等存储
func NewRedisStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "idempotency:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

// CheckAndSet 实现 Store.CheckAndSet
func (s *RedisStore) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (*CheckResult, error) {
	ttl = normalizeTTL(ttl)
	pending, err := json.Marshal(&Record{Key: key, Pending: true, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return nil, fmt.Errorf("marshal pending record: %w", err)
	}

	claimed, err := s.client.SetNX(ctx, s.prefix+key, pending, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx: %w", err)
	}
	if claimed {
		return &CheckResult{}, nil
	}

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// 键在 SETNX 与 GET 之间过期，按正在执行处理，由调用方重试
			return &CheckResult{IsDuplicate: true, Pending: true}, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	s.logger.Debug("idempotency key hit", zap.String("key", key), zap.Bool("pending", rec.Pending))
	return CheckResultFor(&rec), nil
}

// Complete 实现 Store.Complete
func (s *RedisStore) Complete(ctx context.Context, key string, result any, ttl time.Duration) error {
	ttl = normalizeTTL(ttl)
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotent result: %w", err)
	}
	data, err := json.Marshal(&Record{Key: key, Result: raw, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete 实现 Store.Delete
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
