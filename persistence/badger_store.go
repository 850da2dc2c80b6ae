package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/resilience/idempotency"
	"github.com/BaSui01/flowengine/workflow"
)

// Badger 键空间
const (
	badgerCheckpointPrefix  = "checkpoint/"
	badgerDeadLetterPrefix  = "dlq/"
	badgerIdempotencyPrefix = "idempotency/"
)

// badgerLogger 将 badger 日志转接到 zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}

// OpenBadger 按配置打开 badger 数据库
func OpenBadger(cfg config.BadgerConfig, logger *zap.Logger) (*badger.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := cfg.Dir
	if cfg.InMemory {
		dir = ""
	}
	opts := badger.DefaultOptions(dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{logger.With(zap.String("component", "badger")).Sugar()}).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return db, nil
}

// startBadgerGC 定期回收 value log，返回停止函数
func startBadgerGC(db *badger.DB, interval time.Duration, logger *zap.Logger) func() error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// 一次 GC 可能只回收一个文件，直到无可回收为止
				for db.RunValueLogGC(0.5) == nil {
				}
				logger.Debug("badger value log gc finished")
			}
		}
	}()
	return func() error {
		close(stop)
		<-done
		return nil
	}
}

// =============================================================================
// Checkpoints
// =============================================================================

// BadgerCheckpointStore is an embedded workflow.CheckpointStore
type BadgerCheckpointStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerCheckpointStore creates a checkpoint store on an open badger database
func NewBadgerCheckpointStore(db *badger.DB, logger *zap.Logger) *BadgerCheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerCheckpointStore{
		db:     db,
		logger: logger.With(zap.String("component", "badger_checkpoint_store")),
	}
}

// Save implements workflow.CheckpointStore
func (s *BadgerCheckpointStore) Save(_ context.Context, cp *workflow.Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("%w: checkpoint id is required", ErrInvalidInput)
	}
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerCheckpointPrefix+cp.ID), data)
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements workflow.CheckpointStore
func (s *BadgerCheckpointStore) Load(_ context.Context, id string) (*workflow.Checkpoint, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerCheckpointPrefix + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrCheckpointNotFound, id)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return decodeCheckpoint(data)
}

// List implements workflow.CheckpointStore
func (s *BadgerCheckpointStore) List(_ context.Context, workflowName string) ([]*workflow.Checkpoint, error) {
	out := make([]*workflow.Checkpoint, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerCheckpointPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			cp, err := decodeCheckpoint(data)
			if err != nil {
				return err
			}
			if workflowName == "" || cp.WorkflowName == workflowName {
				out = append(out, cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	workflow.SortCheckpoints(out)
	return out, nil
}

// Delete implements workflow.CheckpointStore
func (s *BadgerCheckpointStore) Delete(_ context.Context, id string) error {
	key := []byte(badgerCheckpointPrefix + id)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", workflow.ErrCheckpointNotFound, id)
		}
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// Dead letters
// =============================================================================

// BadgerQueue 基于 badger 的死信队列
type BadgerQueue struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewBadgerQueue 创建 badger 死信队列
func NewBadgerQueue(db *badger.DB, logger *zap.Logger) *BadgerQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerQueue{
		db:     db,
		logger: logger.With(zap.String("component", "badger_dlq")),
		now:    time.Now,
	}
}

// Enqueue 实现 dlq.Queue.Enqueue。冲突事务由 badger 检测，重试合并。
func (q *BadgerQueue) Enqueue(_ context.Context, entry *dlq.Entry) error {
	if entry == nil {
		return fmt.Errorf("enqueue dead letter: %w: entry is nil", ErrInvalidInput)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	key := []byte(badgerDeadLetterPrefix + entry.ID)

	update := func(txn *badger.Txn) error {
		var existing *dlq.Entry
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if existing, err = decodeEntry(data); err != nil {
				return err
			}
		}
		enc, err := encodeEntry(dlq.Prepare(existing, entry, q.now()))
		if err != nil {
			return err
		}
		return txn.Set(key, enc)
	}

	for range maxWatchRetries {
		err := q.db.Update(update)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return fmt.Errorf("enqueue dead letter %s: %w", entry.ID, err)
	}
	return fmt.Errorf("enqueue dead letter %s: too many concurrent updates", entry.ID)
}

// Get 实现 dlq.Queue.Get
func (q *BadgerQueue) Get(_ context.Context, id string) (*dlq.Entry, error) {
	var data []byte
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerDeadLetterPrefix + id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", dlq.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return decodeEntry(data)
}

// List 实现 dlq.Queue.List
func (q *BadgerQueue) List(_ context.Context, filter dlq.Filter) ([]*dlq.Entry, error) {
	var all []*dlq.Entry
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerDeadLetterPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := decodeEntry(data)
			if err != nil {
				return err
			}
			all = append(all, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return dlq.Apply(all, filter), nil
}

// Remove 实现 dlq.Queue.Remove
func (q *BadgerQueue) Remove(_ context.Context, id string) error {
	key := []byte(badgerDeadLetterPrefix + id)
	err := q.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", dlq.ErrNotFound, id)
		}
		return fmt.Errorf("remove dead letter %s: %w", id, err)
	}
	return nil
}

// Len 实现 dlq.Queue.Len
func (q *BadgerQueue) Len(_ context.Context) (int, error) {
	var n int
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerDeadLetterPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// =============================================================================
// Idempotency
// =============================================================================

// BadgerIdempotencyStore 基于 badger 的幂等存储，记录使用原生 TTL 过期
type BadgerIdempotencyStore struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewBadgerIdempotencyStore 创建 badger 幂等存储
func NewBadgerIdempotencyStore(db *badger.DB, logger *zap.Logger) *BadgerIdempotencyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerIdempotencyStore{
		db:     db,
		logger: logger.With(zap.String("component", "badger_idempotency")),
		now:    time.Now,
	}
}

func (s *BadgerIdempotencyStore) put(txn *badger.Txn, rec *idempotency.Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	return txn.SetEntry(badger.NewEntry([]byte(badgerIdempotencyPrefix+rec.Key), data).WithTTL(ttl))
}

// CheckAndSet 实现 idempotency.Store
func (s *BadgerIdempotencyStore) CheckAndSet(_ context.Context, key string, ttl time.Duration) (*idempotency.CheckResult, error) {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	now := s.now()

	var result *idempotency.CheckResult
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerIdempotencyPrefix + key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec idempotency.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode idempotency record: %w", err)
			}
			// badger TTL 精度为秒，按记录中的过期时间再判断一次
			if now.Before(rec.ExpiresAt) {
				result = idempotency.CheckResultFor(&rec)
				return nil
			}
		}

		result = &idempotency.CheckResult{}
		return s.put(txn, &idempotency.Record{Key: key, Pending: true, ExpiresAt: now.Add(ttl)}, ttl)
	})
	if errors.Is(err, badger.ErrConflict) {
		// 另一个事务同时占用了该键
		return &idempotency.CheckResult{IsDuplicate: true, Pending: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check idempotency key %s: %w", key, err)
	}
	return result, nil
}

// Complete 实现 idempotency.Store
func (s *BadgerIdempotencyStore) Complete(_ context.Context, key string, result any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotent result: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return s.put(txn, &idempotency.Record{Key: key, Result: raw, ExpiresAt: s.now().Add(ttl)}, ttl)
	})
	if err != nil {
		return fmt.Errorf("complete idempotency key %s: %w", key, err)
	}
	return nil
}

// Delete 实现 idempotency.Store
func (s *BadgerIdempotencyStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerIdempotencyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("delete idempotency key %s: %w", key, err)
	}
	return nil
}
