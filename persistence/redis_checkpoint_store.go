package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/workflow"
)

// RedisCheckpointStore is a Redis-based implementation of workflow.CheckpointStore.
// Checkpoints are stored as JSON strings; sorted sets keyed by timestamp index
// them per workflow and globally.
type RedisCheckpointStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisCheckpointStore creates a Redis checkpoint store
func NewRedisCheckpointStore(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisCheckpointStore {
	if keyPrefix == "" {
		keyPrefix = "flowengine:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCheckpointStore{
		client:    client,
		keyPrefix: keyPrefix + "checkpoint:",
		logger:    logger.With(zap.String("component", "redis_checkpoint_store")),
	}
}

// dataKey returns the Redis key for a checkpoint
func (s *RedisCheckpointStore) dataKey(id string) string {
	return s.keyPrefix + "data:" + id
}

// workflowKey returns the Redis key for a workflow's checkpoint index
func (s *RedisCheckpointStore) workflowKey(name string) string {
	return s.keyPrefix + "workflow:" + name
}

// allKey returns the Redis key for the global checkpoint index
func (s *RedisCheckpointStore) allKey() string {
	return s.keyPrefix + "all"
}

// Save implements workflow.CheckpointStore
func (s *RedisCheckpointStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("%w: checkpoint id is required", ErrInvalidInput)
	}
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}

	score := float64(cp.Timestamp.UnixNano())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.dataKey(cp.ID), data, 0)
		pipe.ZAdd(ctx, s.workflowKey(cp.WorkflowName), redis.Z{Score: score, Member: cp.ID})
		pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: cp.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements workflow.CheckpointStore
func (s *RedisCheckpointStore) Load(ctx context.Context, id string) (*workflow.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrCheckpointNotFound, id)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return decodeCheckpoint(data)
}

// List implements workflow.CheckpointStore
func (s *RedisCheckpointStore) List(ctx context.Context, workflowName string) ([]*workflow.Checkpoint, error) {
	index := s.allKey()
	if workflowName != "" {
		index = s.workflowKey(workflowName)
	}
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return []*workflow.Checkpoint{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.dataKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	out := make([]*workflow.Checkpoint, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// 索引残留：数据已被删除
			s.logger.Debug("stale checkpoint index entry", zap.String("checkpoint_id", ids[i]))
			continue
		}
		cp, err := decodeCheckpoint([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	workflow.SortCheckpoints(out)
	return out, nil
}

// Delete implements workflow.CheckpointStore
func (s *RedisCheckpointStore) Delete(ctx context.Context, id string) error {
	cp, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.dataKey(id))
		pipe.ZRem(ctx, s.workflowKey(cp.WorkflowName), id)
		pipe.ZRem(ctx, s.allKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// Ping checks if the store is healthy
func (s *RedisCheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
