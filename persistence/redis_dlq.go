package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/resilience/dlq"
)

// maxWatchRetries 乐观锁冲突时的最大重试次数
const maxWatchRetries = 8

// RedisQueue is a Redis-based dead letter queue. Entries are JSON strings
// indexed by a sorted set scored with FirstFailedAt.
type RedisQueue struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
	now       func() time.Time
}

// NewRedisQueue creates a Redis dead letter queue
func NewRedisQueue(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisQueue {
	if keyPrefix == "" {
		keyPrefix = "flowengine:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{
		client:    client,
		keyPrefix: keyPrefix + "dlq:",
		logger:    logger.With(zap.String("component", "redis_dlq")),
		now:       time.Now,
	}
}

func (q *RedisQueue) dataKey(id string) string {
	return q.keyPrefix + "data:" + id
}

func (q *RedisQueue) indexKey() string {
	return q.keyPrefix + "index"
}

// Enqueue implements dlq.Queue. Merging with an existing entry runs under
// WATCH so concurrent failures of the same id are not lost.
func (q *RedisQueue) Enqueue(ctx context.Context, entry *dlq.Entry) error {
	if entry == nil {
		return fmt.Errorf("enqueue dead letter: %w: entry is nil", ErrInvalidInput)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	key := q.dataKey(entry.ID)

	txf := func(tx *redis.Tx) error {
		var existing *dlq.Entry
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if existing, err = decodeEntry(data); err != nil {
				return err
			}
		}

		e := dlq.Prepare(existing, entry, q.now())
		enc, err := encodeEntry(e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, enc, 0)
			pipe.ZAdd(ctx, q.indexKey(), redis.Z{Score: float64(e.FirstFailedAt.UnixNano()), Member: e.ID})
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := q.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("enqueue dead letter %s: %w", entry.ID, err)
	}
	return fmt.Errorf("enqueue dead letter %s: too many concurrent updates", entry.ID)
}

// Get implements dlq.Queue
func (q *RedisQueue) Get(ctx context.Context, id string) (*dlq.Entry, error) {
	data, err := q.client.Get(ctx, q.dataKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", dlq.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return decodeEntry(data)
}

// List implements dlq.Queue
func (q *RedisQueue) List(ctx context.Context, filter dlq.Filter) ([]*dlq.Entry, error) {
	ids, err := q.client.ZRange(ctx, q.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return []*dlq.Entry{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.dataKey(id)
	}
	values, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	all := make([]*dlq.Entry, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decodeEntry([]byte(raw))
		if err != nil {
			return nil, err
		}
		all = append(all, e)
	}
	return dlq.Apply(all, filter), nil
}

// Remove implements dlq.Queue
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, q.dataKey(id))
		pipe.ZRem(ctx, q.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove dead letter %s: %w", id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", dlq.ErrNotFound, id)
	}
	return nil
}

// Len implements dlq.Queue
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return int(n), nil
}

// Ping checks if the store is healthy
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
