package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/flowengine/resilience/idempotency"
)

// SQLIdempotencyStore 基于 gorm 的幂等存储。
// 主键冲突保证同一幂等键只能被占用一次，过期记录在占用前和后台定期清理。
type SQLIdempotencyStore struct {
	db              *gorm.DB
	logger          *zap.Logger
	now             func() time.Time
	cleanupInterval time.Duration
	stopCh          chan struct{}
	closeOnce       sync.Once
}

// NewSQLIdempotencyStore 创建 SQL 幂等存储；cleanupInterval <= 0 时不启动后台清理
func NewSQLIdempotencyStore(db *gorm.DB, logger *zap.Logger, cleanupInterval time.Duration) *SQLIdempotencyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLIdempotencyStore{
		db:              db,
		logger:          logger.With(zap.String("component", "sql_idempotency")),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

func (s *SQLIdempotencyStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := s.Purge(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("idempotency cleanup failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Debug("expired idempotency keys removed", zap.Int64("count", n))
			}
		case <-s.stopCh:
			return
		}
	}
}

// Purge 删除所有过期记录，返回删除数量
func (s *SQLIdempotencyStore) Purge(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", s.now().UTC()).Delete(&IdempotencyModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close 停止后台清理
func (s *SQLIdempotencyStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCh) })
	return nil
}

// CheckAndSet 实现 idempotency.Store
func (s *SQLIdempotencyStore) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (*idempotency.CheckResult, error) {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	now := s.now().UTC()

	var result *idempotency.CheckResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("idem_key = ? AND expires_at <= ?", key, now).Delete(&IdempotencyModel{}).Error; err != nil {
			return err
		}

		claim := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&IdempotencyModel{
			Key:       key,
			Pending:   true,
			ExpiresAt: now.Add(ttl),
		})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 1 {
			result = &idempotency.CheckResult{}
			return nil
		}

		var m IdempotencyModel
		err := tx.Where("idem_key = ?", key).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 并发删除，按正在执行处理
			result = &idempotency.CheckResult{IsDuplicate: true, Pending: true}
			return nil
		}
		if err != nil {
			return err
		}
		result = idempotency.CheckResultFor(recordFromModel(&m))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check idempotency key %s: %w", key, err)
	}
	if result.IsDuplicate {
		s.logger.Debug("idempotency key hit", zap.String("key", key), zap.Bool("pending", result.Pending))
	}
	return result, nil
}

// Complete 实现 idempotency.Store
func (s *SQLIdempotencyStore) Complete(ctx context.Context, key string, result any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotent result: %w", err)
	}
	m := &IdempotencyModel{
		Key:       key,
		Result:    string(raw),
		Pending:   false,
		ExpiresAt: s.now().UTC().Add(ttl),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idem_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"result", "pending", "expires_at"}),
	}).Create(m).Error
	if err != nil {
		return fmt.Errorf("complete idempotency key %s: %w", key, err)
	}
	return nil
}

// Delete 实现 idempotency.Store
func (s *SQLIdempotencyStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("idem_key = ?", key).Delete(&IdempotencyModel{}).Error; err != nil {
		return fmt.Errorf("delete idempotency key %s: %w", key, err)
	}
	return nil
}

func recordFromModel(m *IdempotencyModel) *idempotency.Record {
	rec := &idempotency.Record{
		Key:       m.Key,
		Pending:   m.Pending,
		ExpiresAt: m.ExpiresAt,
	}
	if m.Result != "" {
		rec.Result = []byte(m.Result)
	}
	return rec
}
