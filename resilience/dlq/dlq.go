package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound 条目不存在
var ErrNotFound = errors.New("dead letter entry not found")

// Source 标识失败负载的来源
type Source struct {
	Workflow   string `json:"workflow,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Node       string `json:"node,omitempty"`
}

// Entry 死信条目：重试耗尽后的原始负载与失败信息
type Entry struct {
	ID            string            `json:"id"`
	Source        Source            `json:"source"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Error         string            `json:"error"`
	Attempts      int               `json:"attempts"`
	FirstFailedAt time.Time         `json:"first_failed_at"`
	LastFailedAt  time.Time         `json:"last_failed_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEntry 序列化 payload 并创建条目
func NewEntry(source Source, payload any, cause error, attempts int) (*Entry, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal dead letter payload: %w", err)
		}
		raw = data
	}
	e := &Entry{
		ID:       uuid.NewString(),
		Source:   source,
		Payload:  raw,
		Attempts: attempts,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e, nil
}

// Clone 返回深拷贝
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Filter 列表过滤条件，零值字段不参与过滤
type Filter struct {
	Workflow string
	Node     string
	Since    time.Time // LastFailedAt >= Since
	Until    time.Time // LastFailedAt < Until
	Offset   int
	Limit    int
}

// Match 判断条目是否满足过滤条件（不含分页）
func (f Filter) Match(e *Entry) bool {
	if f.Workflow != "" && e.Source.Workflow != f.Workflow {
		return false
	}
	if f.Node != "" && e.Source.Node != f.Node {
		return false
	}
	if !f.Since.IsZero() && e.LastFailedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.LastFailedAt.Before(f.Until) {
		return false
	}
	return true
}

// Queue 死信队列接口。引擎只写入，从不自动重放。
type Queue interface {
	// Enqueue 写入条目；ID 已存在时合并失败记录
	Enqueue(ctx context.Context, entry *Entry) error
	// Get 按 ID 读取条目
	Get(ctx context.Context, id string) (*Entry, error)
	// List 按过滤条件列出条目，按 FirstFailedAt 升序
	List(ctx context.Context, filter Filter) ([]*Entry, error)
	// Remove 删除条目（人工处理或重放后）
	Remove(ctx context.Context, id string) error
	// Len 返回条目数量
	Len(ctx context.Context) (int, error)
}

// Prepare 补全新条目的默认字段；existing 非空时合并：
// 保留 FirstFailedAt，更新 LastFailedAt 与错误信息，累加 Attempts，
// 新条目未给出的 Source 字段与 Payload 沿用已有值。
// 供各存储后端共享。
func Prepare(existing, incoming *Entry, now time.Time) *Entry {
	e := incoming.Clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Attempts < 1 {
		e.Attempts = 1
	}
	if e.LastFailedAt.IsZero() {
		e.LastFailedAt = now
	}
	if e.FirstFailedAt.IsZero() {
		e.FirstFailedAt = e.LastFailedAt
	}
	if existing == nil {
		return e
	}

	e.FirstFailedAt = existing.FirstFailedAt
	e.Attempts += existing.Attempts
	if e.Source.Workflow == "" {
		e.Source.Workflow = existing.Source.Workflow
	}
	if e.Source.WorkflowID == "" {
		e.Source.WorkflowID = existing.Source.WorkflowID
	}
	if e.Source.Node == "" {
		e.Source.Node = existing.Source.Node
	}
	if e.Payload == nil {
		e.Payload = existing.Payload
	}
	if len(existing.Metadata) > 0 {
		merged := make(map[string]string, len(existing.Metadata)+len(e.Metadata))
		for k, v := range existing.Metadata {
			merged[k] = v
		}
		for k, v := range e.Metadata {
			merged[k] = v
		}
		e.Metadata = merged
	}
	return e
}

// Apply 对条目集合执行过滤、排序与分页
func Apply(entries []*Entry, f Filter) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FirstFailedAt.Equal(out[j].FirstFailedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstFailedAt.Before(out[j].FirstFailedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Entry{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}
