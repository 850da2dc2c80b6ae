package persistence

import (
	"bytes"
	"fmt"
	"math"

	json "github.com/goccy/go-json"

	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/workflow"
)

// 持久化记录统一使用 JSON 编码。
// 任意类型的值（状态、输入、节点输出）解码时数字先按 Number 读取，
// 能表示为 int 的还原为 int，其余为 float64，与内存存储中的常见取值保持一致。

func encodeCheckpoint(cp *workflow.Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}
	return data, nil
}

func decodeCheckpoint(data []byte) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	if err := decodeNumbers(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	for k, v := range cp.State {
		cp.State[k] = normalize(v)
	}
	for _, in := range cp.Inputs {
		for k, v := range in {
			in[k] = normalize(v)
		}
	}
	for name, outcome := range cp.NodeResults {
		outcome.Output = normalize(outcome.Output)
		cp.NodeResults[name] = outcome
	}
	return &cp, nil
}

func encodeEntry(e *dlq.Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter %s: %w", e.ID, err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*dlq.Entry, error) {
	var e dlq.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return &e, nil
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

// normalize 递归还原 Number
func normalize(v any) any {
	switch x := v.(type) {
	case number:
		if i, err := x.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
			return int(i)
		}
		f, err := x.Float64()
		if err != nil {
			return v
		}
		return f
	case map[string]any:
		for k, item := range x {
			x[k] = normalize(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = normalize(item)
		}
		return x
	default:
		return v
	}
}
