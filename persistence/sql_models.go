package persistence

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/BaSui01/flowengine/resilience/dlq"
)

// CheckpointModel 检查点表
type CheckpointModel struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	WorkflowName string    `gorm:"size:255;not null;index:idx_flow_checkpoints_workflow" json:"workflow_name"`
	WorkflowID   string    `gorm:"size:255;index:idx_flow_checkpoints_run" json:"workflow_id"`
	Version      int       `gorm:"not null;default:0" json:"version"`
	Step         int       `gorm:"not null;default:0" json:"step"`
	Data         string    `gorm:"type:text;not null" json:"data"` // JSON 编码的完整检查点
	Timestamp    time.Time `gorm:"column:saved_at;not null;index:idx_flow_checkpoints_saved_at" json:"saved_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (CheckpointModel) TableName() string {
	return "flow_checkpoints"
}

// DeadLetterModel 死信表
type DeadLetterModel struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	Workflow      string    `gorm:"size:255;index:idx_flow_dead_letters_source" json:"workflow"`
	WorkflowID    string    `gorm:"size:255" json:"workflow_id"`
	Node          string    `gorm:"size:255;index:idx_flow_dead_letters_source" json:"node"`
	Payload       string    `gorm:"type:text" json:"payload"`
	Error         string    `gorm:"column:last_error;type:text" json:"last_error"`
	Attempts      int       `gorm:"not null;default:1" json:"attempts"`
	FirstFailedAt time.Time `gorm:"not null;index:idx_flow_dead_letters_first_failed" json:"first_failed_at"`
	LastFailedAt  time.Time `gorm:"not null;index:idx_flow_dead_letters_last_failed" json:"last_failed_at"`
	Metadata      string    `gorm:"type:text" json:"metadata"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (DeadLetterModel) TableName() string {
	return "flow_dead_letters"
}

// IdempotencyModel 幂等键表。key 在 MySQL 中是保留字，列名使用 idem_key。
type IdempotencyModel struct {
	Key       string    `gorm:"column:idem_key;primaryKey;size:255" json:"key"`
	Result    string    `gorm:"type:text" json:"result"`
	Pending   bool      `gorm:"not null;default:false" json:"pending"`
	ExpiresAt time.Time `gorm:"not null;index:idx_flow_idempotency_expires" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (IdempotencyModel) TableName() string {
	return "flow_idempotency_keys"
}

// Models 返回所有需要迁移的模型
func Models() []any {
	return []any{&CheckpointModel{}, &DeadLetterModel{}, &IdempotencyModel{}}
}

func deadLetterToModel(e *dlq.Entry) (*DeadLetterModel, error) {
	m := &DeadLetterModel{
		ID:            e.ID,
		Workflow:      e.Source.Workflow,
		WorkflowID:    e.Source.WorkflowID,
		Node:          e.Source.Node,
		Payload:       string(e.Payload),
		Error:         e.Error,
		Attempts:      e.Attempts,
		FirstFailedAt: e.FirstFailedAt.UTC(),
		LastFailedAt:  e.LastFailedAt.UTC(),
	}
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal dead letter metadata: %w", err)
		}
		m.Metadata = string(data)
	}
	return m, nil
}

func deadLetterFromModel(m *DeadLetterModel) (*dlq.Entry, error) {
	e := &dlq.Entry{
		ID: m.ID,
		Source: dlq.Source{
			Workflow:   m.Workflow,
			WorkflowID: m.WorkflowID,
			Node:       m.Node,
		},
		Error:         m.Error,
		Attempts:      m.Attempts,
		FirstFailedAt: m.FirstFailedAt,
		LastFailedAt:  m.LastFailedAt,
	}
	if m.Payload != "" {
		e.Payload = []byte(m.Payload)
	}
	if m.Metadata != "" {
		if err := json.Unmarshal([]byte(m.Metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter metadata %s: %w", m.ID, err)
		}
	}
	return e, nil
}
