package dsl

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/BaSui01/flowengine/workflow"
)

// Evaluator 编译并缓存 expr 表达式。
// 表达式以状态键为变量，另外可通过 state、input、iteration 访问完整上下文；
// 未定义的变量求值为 nil。
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator 创建表达式求值器
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Compile 编译表达式，结果按源码缓存
func (e *Evaluator) Compile(src string) (*vm.Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}

	e.mu.RLock()
	program, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[src]; ok {
		return program, nil
	}
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", src, err)
	}
	e.cache[src] = program
	return program, nil
}

// Eval 对环境求值
func (e *Evaluator) Eval(src string, env map[string]any) (any, error) {
	program, err := e.Compile(src)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", src, err)
	}
	return out, nil
}

// EvalBool 求值并要求结果为布尔值
func (e *Evaluator) EvalBool(src string, env map[string]any) (bool, error) {
	out, err := e.Eval(src, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", src, out)
	}
	return b, nil
}

// EvalTargets 求值路由表达式：字符串为单个目标，列表为多个目标，nil 或空串表示不路由
func (e *Evaluator) EvalTargets(src string, env map[string]any) ([]string, error) {
	out, err := e.Eval(src, env)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		targets := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("route %q produced non-string target %T", src, item)
			}
			targets = append(targets, s)
		}
		return targets, nil
	default:
		return nil, fmt.Errorf("route %q must evaluate to a name or list of names, got %T", src, out)
	}
}

// Len 缓存中的程序数
func (e *Evaluator) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// stateEnv 由状态构造求值环境
func stateEnv(state workflow.State) map[string]any {
	env := make(map[string]any, len(state)+1)
	for k, v := range state {
		env[k] = v
	}
	env["state"] = map[string]any(state)
	return env
}

// nodeEnv 在状态环境上附加节点上下文
func nodeEnv(nc *workflow.NodeContext) map[string]any {
	env := stateEnv(nc.State)
	env["input"] = nc.Input
	env["iteration"] = nc.Iteration
	env["attempt"] = nc.Attempt
	env["node"] = nc.NodeID
	return env
}
