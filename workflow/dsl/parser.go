package dsl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"dario.cat/mergo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/flowengine/resilience/retry"
	"github.com/BaSui01/flowengine/workflow"
)

// Parser DSL 解析器
type Parser struct {
	// steps 步骤注册表（step type -> StepFunc 工厂）
	steps  map[string]StepFactory
	eval   *Evaluator
	logger *zap.Logger
}

// NewParser 创建 DSL 解析器
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Parser{
		steps:  make(map[string]StepFactory),
		eval:   NewEvaluator(),
		logger: logger.With(zap.String("component", "workflow_dsl")),
	}
	p.registerBuiltinSteps()
	return p
}

// RegisterStep 注册自定义步骤工厂，同名覆盖
func (p *Parser) RegisterStep(stepType string, factory StepFactory) {
	p.steps[stepType] = factory
}

// StepTypes 返回已注册的步骤类型
func (p *Parser) StepTypes() []string {
	out := make([]string, 0, len(p.steps))
	for t := range p.steps {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ParseFile 从文件解析 DSL
func (p *Parser) ParseFile(filename string) (*workflow.Workflow, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read DSL file: %w", err)
	}
	return p.Parse(data)
}

// Parse 从 YAML（或 JSON）字节解析 DSL 并编译为工作流
func (p *Parser) Parse(data []byte) (*workflow.Workflow, error) {
	def, err := p.Load(data)
	if err != nil {
		return nil, err
	}
	return p.Compile(def)
}

// Load 解码并验证 DSL，不构建工作流
func (p *Parser) Load(data []byte) (*WorkflowDSL, error) {
	var def WorkflowDSL
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if err := p.validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// validate 把所有问题汇总为 GraphValidationError
func (p *Parser) validate(def *WorkflowDSL) error {
	v := &Validator{eval: p.eval}
	v.WithStepTypes(func(t string) bool {
		_, ok := p.steps[t]
		return ok
	})
	errs := v.Validate(def)
	if len(errs) == 0 {
		return nil
	}
	problems := make([]string, len(errs))
	for i, e := range errs {
		problems[i] = e.Error()
	}
	return &workflow.GraphValidationError{Workflow: def.Name, Problems: problems}
}

// Compile 把已验证的 DSL 编译为工作流。
// 图结构问题（环、回边不可达）由 workflow.Builder 报告。
func (p *Parser) Compile(def *WorkflowDSL) (*workflow.Workflow, error) {
	b := workflow.NewBuilder(def.Name).
		WithDescription(def.Description).
		WithLogger(p.logger).
		WithInitialState(workflow.State(def.State)).
		SetEntry(def.Workflow.Entry)

	var errs []error
	for i := range def.Workflow.Nodes {
		nd := def.Workflow.Nodes[i]
		node, err := p.buildNode(&nd, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("build node %s: %w", nd.ID, err))
			continue
		}
		b.Add(node)
		for _, e := range p.buildEdges(&nd) {
			b.AddEdge(e)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	wf, err := b.Build()
	if err != nil {
		return nil, err
	}
	p.logger.Debug("workflow compiled",
		zap.String("workflow", def.Name),
		zap.String("version", def.Version),
		zap.Int("nodes", len(def.Workflow.Nodes)),
	)
	return wf, nil
}

// buildNode 构建单个节点，未设置的策略字段取自 Defaults
func (p *Parser) buildNode(def *NodeDef, dsl *WorkflowDSL) (workflow.Node, error) {
	policy := def.NodePolicy
	if err := mergo.Merge(&policy, dsl.Defaults); err != nil {
		return workflow.Node{}, fmt.Errorf("merge defaults: %w", err)
	}
	backoff, err := retry.ParseBackoff(policy.Backoff)
	if err != nil {
		return workflow.Node{}, err
	}

	stepDef, err := p.stepDefFor(def, dsl)
	if err != nil {
		return workflow.Node{}, err
	}
	step, err := p.resolveStep(stepDef)
	if err != nil {
		return workflow.Node{}, err
	}

	node := workflow.Node{
		Name:        def.ID,
		Description: def.Description,
		Step:        step,
		Config: workflow.NodeConfig{
			Timeout:        policy.Timeout,
			Retries:        policy.Retries,
			RetryDelay:     policy.RetryDelay,
			Backoff:        backoff,
			Jitter:         policy.Jitter,
			BreakerKey:     def.Breaker,
			IdempotencyTTL: policy.IdempotencyTTL,
		},
	}
	if def.IdempotencyKey != "" {
		node.Config.IdempotencyKey = p.idempotencyKey(def.ID, def.IdempotencyKey)
	}
	if def.Undo != nil {
		undo, err := p.resolveStep(def.Undo)
		if err != nil {
			return workflow.Node{}, fmt.Errorf("undo: %w", err)
		}
		node.Undo = undoFrom(def.ID, undo)
	}
	return node, nil
}

// buildEdges 节点声明的出边：next、parallel、route、loop
func (p *Parser) buildEdges(def *NodeDef) []workflow.Edge {
	var edges []workflow.Edge
	for _, next := range def.Next {
		edges = append(edges, workflow.Sequential(def.ID, next))
	}
	if len(def.Parallel) > 0 {
		edges = append(edges, workflow.Parallel(def.ID, def.Parallel...))
	}
	if def.Route != "" {
		src := def.Route
		route := func(_ context.Context, state workflow.State) ([]string, error) {
			return p.eval.EvalTargets(src, stateEnv(state))
		}
		edges = append(edges, workflow.Conditional(def.ID, route, def.Targets...))
	}
	if l := def.Loop; l != nil {
		cond := l.Condition
		pred := func(_ context.Context, state workflow.State) (bool, error) {
			return p.eval.EvalBool(cond, stateEnv(state))
		}
		edges = append(edges, workflow.Loop(def.ID, pred, l.Back, l.Exit).WithMaxIterations(l.MaxIterations))
	}
	return edges
}

// stepDefFor 解析步骤（引用或内联）
func (p *Parser) stepDefFor(def *NodeDef, dsl *WorkflowDSL) (*StepDef, error) {
	if def.StepDef != nil {
		return def.StepDef, nil
	}
	sd, ok := dsl.Steps[def.Step]
	if !ok {
		return nil, fmt.Errorf("step %q not found in steps definitions", def.Step)
	}
	return &sd, nil
}

// resolveStep 查找步骤工厂并创建 StepFunc
func (p *Parser) resolveStep(def *StepDef) (workflow.StepFunc, error) {
	factory, ok := p.steps[def.Type]
	if !ok {
		return nil, fmt.Errorf("unknown step type: %s", def.Type)
	}
	step, err := factory(def.Config)
	if err != nil {
		return nil, fmt.Errorf("%s step: %w", def.Type, err)
	}
	return step, nil
}

// idempotencyKey 表达式求值失败时退回运行 ID，避免不同输入共用同一个键
func (p *Parser) idempotencyKey(node, src string) func(*workflow.NodeContext) string {
	return func(nc *workflow.NodeContext) string {
		v, err := p.eval.Eval(src, nodeEnv(nc))
		if err != nil || v == nil {
			p.logger.Warn("idempotency key expression failed, falling back to workflow id",
				zap.String("node", node),
				zap.Error(err),
			)
			return nc.WorkflowID
		}
		return fmt.Sprint(v)
	}
}

// undoFrom 把步骤包装为补偿函数，正向结果作为 input 传入
func undoFrom(node string, step workflow.StepFunc) workflow.UndoFunc {
	return func(ctx context.Context, forwardResult any) error {
		_, err := step(ctx, &workflow.NodeContext{
			State:  workflow.State{},
			Input:  forwardResult,
			NodeID: node,
		})
		return err
	}
}
