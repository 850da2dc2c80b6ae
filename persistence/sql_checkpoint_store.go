package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/flowengine/workflow"
)

// SQLCheckpointStore stores checkpoints in a relational database through gorm.
// Indexed columns are duplicated from the JSON document for listing.
type SQLCheckpointStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLCheckpointStore creates a SQL checkpoint store
func NewSQLCheckpointStore(db *gorm.DB, logger *zap.Logger) *SQLCheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLCheckpointStore{
		db:     db,
		logger: logger.With(zap.String("component", "sql_checkpoint_store")),
	}
}

// Save implements workflow.CheckpointStore. Saving an existing id overwrites it.
func (s *SQLCheckpointStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("%w: checkpoint id is required", ErrInvalidInput)
	}
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}

	m := &CheckpointModel{
		ID:           cp.ID,
		WorkflowName: cp.WorkflowName,
		WorkflowID:   cp.WorkflowID,
		Version:      cp.Version,
		Step:         cp.Step,
		Data:         string(data),
		Timestamp:    cp.Timestamp.UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"workflow_name", "workflow_id", "version", "step", "data", "saved_at", "updated_at"}),
	}).Create(m).Error
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements workflow.CheckpointStore
func (s *SQLCheckpointStore) Load(ctx context.Context, id string) (*workflow.Checkpoint, error) {
	var m CheckpointModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrCheckpointNotFound, id)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return decodeCheckpoint([]byte(m.Data))
}

// List implements workflow.CheckpointStore
func (s *SQLCheckpointStore) List(ctx context.Context, workflowName string) ([]*workflow.Checkpoint, error) {
	query := s.db.WithContext(ctx).Model(&CheckpointModel{})
	if workflowName != "" {
		query = query.Where("workflow_name = ?", workflowName)
	}

	var models []CheckpointModel
	if err := query.Order("saved_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	out := make([]*workflow.Checkpoint, 0, len(models))
	for i := range models {
		cp, err := decodeCheckpoint([]byte(models[i].Data))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	// 数据库精度可能截断时间戳，按文档中的时间再排序一次
	workflow.SortCheckpoints(out)
	return out, nil
}

// Delete implements workflow.CheckpointStore
func (s *SQLCheckpointStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&CheckpointModel{})
	if res.Error != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", workflow.ErrCheckpointNotFound, id)
	}
	return nil
}

// Ping checks if the store is healthy
func (s *SQLCheckpointStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
