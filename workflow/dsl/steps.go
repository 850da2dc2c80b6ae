package dsl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/flowengine/resilience/retry"
	"github.com/BaSui01/flowengine/workflow"
)

// StepFactory 根据步骤配置创建 StepFunc
type StepFactory func(config map[string]any) (workflow.StepFunc, error)

// registerBuiltinSteps 注册内置步骤
func (p *Parser) registerBuiltinSteps() {
	p.RegisterStep("passthrough", func(map[string]any) (workflow.StepFunc, error) {
		return passthroughStep, nil
	})
	p.RegisterStep("assign", p.assignStep)
	p.RegisterStep("sleep", sleepStep)
	p.RegisterStep("fail", failStep)
}

// passthroughStep 把输入原样作为输出
func passthroughStep(_ context.Context, nc *workflow.NodeContext) (*workflow.NodeResult, error) {
	return &workflow.NodeResult{Output: nc.Input}, nil
}

// assignStep 配置中的字符串值按表达式求值后写入状态，其他值原样写入。
// 所有表达式都针对同一份快照求值。
func (p *Parser) assignStep(config map[string]any) (workflow.StepFunc, error) {
	if len(config) == 0 {
		return nil, fmt.Errorf("assign step requires at least one key")
	}
	keys := make([]string, 0, len(config))
	for k, v := range config {
		if src, ok := v.(string); ok {
			if _, err := p.eval.Compile(src); err != nil {
				return nil, fmt.Errorf("assign %q: %w", k, err)
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return func(_ context.Context, nc *workflow.NodeContext) (*workflow.NodeResult, error) {
		env := nodeEnv(nc)
		patch := make(workflow.State, len(keys))
		for _, k := range keys {
			src, ok := config[k].(string)
			if !ok {
				patch[k] = config[k]
				continue
			}
			v, err := p.eval.Eval(src, env)
			if err != nil {
				return nil, retry.Permanent(fmt.Errorf("assign %q: %w", k, err))
			}
			patch[k] = v
		}
		return &workflow.NodeResult{StatePatch: patch, Output: map[string]any(patch)}, nil
	}, nil
}

// sleepStep 等待 duration 后完成，期间响应取消
func sleepStep(config map[string]any) (workflow.StepFunc, error) {
	d, err := durationOf(config["duration"])
	if err != nil {
		return nil, fmt.Errorf("sleep step: %w", err)
	}
	return func(ctx context.Context, nc *workflow.NodeContext) (*workflow.NodeResult, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		nc.ReportProgress(1)
		return &workflow.NodeResult{Output: nc.Input}, nil
	}, nil
}

// failStep 总是失败，permanent 为 true 时不重试
func failStep(config map[string]any) (workflow.StepFunc, error) {
	msg, _ := config["message"].(string)
	if msg == "" {
		msg = "step failed"
	}
	permanent, _ := config["permanent"].(bool)
	return func(context.Context, *workflow.NodeContext) (*workflow.NodeResult, error) {
		err := errors.New(msg)
		if permanent {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}, nil
}

func durationOf(v any) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, fmt.Errorf("duration is required")
	case time.Duration:
		return d, nil
	case string:
		return time.ParseDuration(d)
	case int:
		return time.Duration(d) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("duration must be a string like \"250ms\", got %T", v)
	}
}
