package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/flowengine/resilience/dlq"
)

// SQLQueue 基于 gorm 的死信队列
type SQLQueue struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLQueue 创建 SQL 死信队列
func NewSQLQueue(db *gorm.DB, logger *zap.Logger) *SQLQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLQueue{
		db:     db,
		logger: logger.With(zap.String("component", "sql_dlq")),
		now:    time.Now,
	}
}

// Enqueue 实现 dlq.Queue.Enqueue，合并在事务内完成
func (q *SQLQueue) Enqueue(ctx context.Context, entry *dlq.Entry) error {
	if entry == nil {
		return fmt.Errorf("enqueue dead letter: %w: entry is nil", ErrInvalidInput)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing *dlq.Entry

		query := tx
		// SQLite 不支持行级锁
		if tx.Dialector.Name() != "sqlite" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var m DeadLetterModel
		err := query.Where("id = ?", entry.ID).First(&m).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if existing, err = deadLetterFromModel(&m); err != nil {
				return err
			}
		}

		merged, err := deadLetterToModel(dlq.Prepare(existing, entry, q.now()))
		if err != nil {
			return err
		}
		return tx.Save(merged).Error
	})
	if err != nil {
		return fmt.Errorf("enqueue dead letter %s: %w", entry.ID, err)
	}
	return nil
}

// Get 实现 dlq.Queue.Get
func (q *SQLQueue) Get(ctx context.Context, id string) (*dlq.Entry, error) {
	var m DeadLetterModel
	err := q.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", dlq.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return deadLetterFromModel(&m)
}

// List 实现 dlq.Queue.List，过滤与分页在数据库中完成
func (q *SQLQueue) List(ctx context.Context, filter dlq.Filter) ([]*dlq.Entry, error) {
	query := q.db.WithContext(ctx).Model(&DeadLetterModel{})
	if filter.Workflow != "" {
		query = query.Where("workflow = ?", filter.Workflow)
	}
	if filter.Node != "" {
		query = query.Where("node = ?", filter.Node)
	}
	if !filter.Since.IsZero() {
		query = query.Where("last_failed_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query = query.Where("last_failed_at < ?", filter.Until.UTC())
	}
	query = query.Order("first_failed_at ASC").Order("id ASC")
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var models []DeadLetterModel
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		e, err := deadLetterFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Remove 实现 dlq.Queue.Remove
func (q *SQLQueue) Remove(ctx context.Context, id string) error {
	res := q.db.WithContext(ctx).Where("id = ?", id).Delete(&DeadLetterModel{})
	if res.Error != nil {
		return fmt.Errorf("remove dead letter %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", dlq.ErrNotFound, id)
	}
	return nil
}

// Len 实现 dlq.Queue.Len
func (q *SQLQueue) Len(ctx context.Context) (int, error) {
	var n int64
	if err := q.db.WithContext(ctx).Model(&DeadLetterModel{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return int(n), nil
}
