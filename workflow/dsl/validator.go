package dsl

import (
	"fmt"

	"github.com/BaSui01/flowengine/resilience/retry"
)

// Validator DSL 验证器，收集所有问题而不是在第一个错误处停止
type Validator struct {
	eval      *Evaluator
	stepTypes func(string) bool
}

// NewValidator 创建验证器
func NewValidator() *Validator {
	return &Validator{eval: NewEvaluator()}
}

// WithStepTypes 设置已知步骤类型判定，未设置时不检查步骤类型
func (v *Validator) WithStepTypes(known func(string) bool) *Validator {
	v.stepTypes = known
	return v
}

// Validate 验证 DSL 定义
func (v *Validator) Validate(dsl *WorkflowDSL) []error {
	var errs []error

	// 基础字段验证
	if dsl.Version == "" {
		errs = append(errs, fmt.Errorf("version is required"))
	}
	if dsl.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if dsl.Workflow.Entry == "" {
		errs = append(errs, fmt.Errorf("workflow.entry is required"))
	}
	if len(dsl.Workflow.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("workflow.nodes must have at least one node"))
	}
	errs = append(errs, v.validatePolicy("defaults", dsl.Defaults)...)

	for name, step := range dsl.Steps {
		errs = append(errs, v.validateStep("step "+name, &step)...)
	}

	// 收集所有节点 ID
	nodeIDs := make(map[string]bool)
	for _, node := range dsl.Workflow.Nodes {
		if node.ID == "" {
			errs = append(errs, fmt.Errorf("node ID is required"))
			continue
		}
		if nodeIDs[node.ID] {
			errs = append(errs, fmt.Errorf("duplicate node ID: %s", node.ID))
		}
		nodeIDs[node.ID] = true
	}

	// 验证 entry 节点存在
	if dsl.Workflow.Entry != "" && !nodeIDs[dsl.Workflow.Entry] {
		errs = append(errs, fmt.Errorf("entry node %q does not exist", dsl.Workflow.Entry))
	}

	for i := range dsl.Workflow.Nodes {
		errs = append(errs, v.validateNode(&dsl.Workflow.Nodes[i], dsl, nodeIDs)...)
	}
	return errs
}

// validateNode 验证单个节点
func (v *Validator) validateNode(node *NodeDef, dsl *WorkflowDSL, nodeIDs map[string]bool) []error {
	var errs []error
	errf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("node %s: "+format, append([]any{node.ID}, args...)...))
	}
	ref := func(role, id string) {
		if id == "" {
			errf("%s is required", role)
			return
		}
		if !nodeIDs[id] {
			errf("%s node %q does not exist", role, id)
		}
	}

	switch {
	case node.Step == "" && node.StepDef == nil:
		errf("requires step or step_def")
	case node.Step != "" && node.StepDef != nil:
		errf("step and step_def are mutually exclusive")
	case node.Step != "":
		if _, ok := dsl.Steps[node.Step]; !ok {
			errf("step %q not found in steps", node.Step)
		}
	default:
		errs = append(errs, v.validateStep("node "+node.ID, node.StepDef)...)
	}
	if node.Undo != nil {
		errs = append(errs, v.validateStep("node "+node.ID+" undo", node.Undo)...)
	}

	for _, id := range node.Next {
		ref("next", id)
	}
	if len(node.Parallel) == 1 {
		errf("parallel requires at least 2 branches, use next for a single successor")
	}
	for _, id := range node.Parallel {
		ref("parallel", id)
	}

	switch {
	case node.Route != "" && len(node.Targets) == 0:
		errf("route requires targets")
	case node.Route == "" && len(node.Targets) > 0:
		errf("targets require a route expression")
	}
	if node.Route != "" {
		if _, err := v.eval.Compile(node.Route); err != nil {
			errf("route: %v", err)
		}
	}
	for _, id := range node.Targets {
		ref("route target", id)
	}

	if l := node.Loop; l != nil {
		if l.Condition == "" {
			errf("loop requires condition")
		} else if _, err := v.eval.Compile(l.Condition); err != nil {
			errf("loop condition: %v", err)
		}
		ref("loop back", l.Back)
		ref("loop exit", l.Exit)
		if l.MaxIterations < 0 {
			errf("loop max_iterations must not be negative")
		}
	}

	if node.IdempotencyKey != "" {
		if _, err := v.eval.Compile(node.IdempotencyKey); err != nil {
			errf("idempotency_key: %v", err)
		}
	}
	errs = append(errs, v.validatePolicy("node "+node.ID, node.NodePolicy)...)
	return errs
}

func (v *Validator) validateStep(owner string, step *StepDef) []error {
	if step.Type == "" {
		return []error{fmt.Errorf("%s: step type is required", owner)}
	}
	if v.stepTypes != nil && !v.stepTypes(step.Type) {
		return []error{fmt.Errorf("%s: unknown step type %q", owner, step.Type)}
	}
	return nil
}

func (v *Validator) validatePolicy(owner string, p NodePolicy) []error {
	var errs []error
	if p.Retries < 0 {
		errs = append(errs, fmt.Errorf("%s: retries must not be negative", owner))
	}
	if p.RetryDelay < 0 || p.Timeout < 0 || p.IdempotencyTTL < 0 {
		errs = append(errs, fmt.Errorf("%s: durations must not be negative", owner))
	}
	if p.Backoff != "" {
		if _, err := retry.ParseBackoff(p.Backoff); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", owner, err))
		}
	}
	return errs
}
