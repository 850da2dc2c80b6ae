// =============================================================================
// 📦 测试数据工厂 - 检查点与死信条目
// =============================================================================
// 提供存储后端契约测试和管理端测试共用的样例数据
// =============================================================================
package fixtures

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/workflow"
)

// BaseTime 样例数据的基准时间
var BaseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// 📌 检查点
// =============================================================================

// SampleCheckpoint 返回一个覆盖全部字段的检查点，时间戳为 BaseTime+offset。
// 状态中的数值使用 int / float64，与 JSON 往返后的归一化结果一致。
func SampleCheckpoint(id, workflowName string, offset time.Duration) *workflow.Checkpoint {
	return &workflow.Checkpoint{
		ID:           id,
		Version:      1,
		WorkflowID:   "run-" + id,
		WorkflowName: workflowName,
		State: workflow.State{
			"count":  3,
			"ratio":  0.25,
			"name":   "order-42",
			"tags":   []any{"a", 1},
			"nested": map[string]any{"n": 7},
		},
		CompletedNodes: []string{"fetch"},
		Activated:      [][]string{{"charge", "ship"}},
		Inputs:         map[string]map[string]any{"charge": {"amount": 10}},
		NodeResults: map[string]workflow.NodeOutcome{
			"fetch": {Output: map[string]any{"items": 2}, Duration: time.Second, Visits: 1},
		},
		LoopCounters: map[string]int{"fetch->fetch": 1},
		Step:         2,
		Timestamp:    BaseTime.Add(offset),
	}
}

// =============================================================================
// 📮 死信条目
// =============================================================================

// SampleDeadLetters 返回三条死信：
//
//	e1 orders/charge  BaseTime     attempts=3 带 payload
//	e2 orders/ship    BaseTime+1m
//	e3 billing/charge BaseTime+2m  带 metadata
func SampleDeadLetters() []*dlq.Entry {
	return []*dlq.Entry{
		{
			ID:           "e1",
			Source:       dlq.Source{Workflow: "orders", Node: "charge"},
			Payload:      json.RawMessage(`{"amount":10}`),
			Error:        "declined",
			Attempts:     3,
			LastFailedAt: BaseTime,
		},
		{
			ID:           "e2",
			Source:       dlq.Source{Workflow: "orders", Node: "ship"},
			Error:        "timeout",
			LastFailedAt: BaseTime.Add(time.Minute),
		},
		{
			ID:           "e3",
			Source:       dlq.Source{Workflow: "billing", Node: "charge"},
			Error:        "boom",
			LastFailedAt: BaseTime.Add(2 * time.Minute),
			Metadata:     map[string]string{"region": "eu"},
		},
	}
}
