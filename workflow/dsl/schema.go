package dsl

import "time"

// WorkflowDSL 工作流 DSL 顶层结构
type WorkflowDSL struct {
	// Version DSL 版本
	Version string `yaml:"version" json:"version"`
	// Name 工作流名称
	Name string `yaml:"name" json:"name"`
	// Description 工作流描述
	Description string `yaml:"description" json:"description"`

	// State 初始状态
	State map[string]any `yaml:"state,omitempty" json:"state,omitempty"`

	// Defaults 合并进每个节点的默认执行策略
	Defaults NodePolicy `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Steps 步骤定义（可复用）
	Steps map[string]StepDef `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Workflow 工作流节点定义
	Workflow WorkflowNodesDef `yaml:"workflow" json:"workflow"`
}

// StepDef 步骤定义
type StepDef struct {
	Type   string         `yaml:"type" json:"type"` // passthrough, assign, sleep, fail 或 RegisterStep 注册的类型
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// WorkflowNodesDef 工作流节点定义
type WorkflowNodesDef struct {
	Entry string    `yaml:"entry" json:"entry"`
	Nodes []NodeDef `yaml:"nodes" json:"nodes"`
}

// NodePolicy 节点执行策略。节点未设置的字段由 Defaults 补齐。
type NodePolicy struct {
	Retries        int           `yaml:"retries,omitempty" json:"retries,omitempty"`
	RetryDelay     time.Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	Backoff        string        `yaml:"backoff,omitempty" json:"backoff,omitempty"` // exponential, linear, constant
	Jitter         bool          `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl,omitempty" json:"idempotency_ttl,omitempty"`
}

// NodeDef 节点定义
type NodeDef struct {
	ID          string   `yaml:"id" json:"id"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Step        string   `yaml:"step,omitempty" json:"step,omitempty"`         // 引用 steps 中的步骤
	StepDef     *StepDef `yaml:"step_def,omitempty" json:"step_def,omitempty"` // 内联步骤定义

	Next     []string `yaml:"next,omitempty" json:"next,omitempty"`
	Parallel []string `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Route    string   `yaml:"route,omitempty" json:"route,omitempty"` // 表达式，求值为目标节点名或名称列表
	Targets  []string `yaml:"targets,omitempty" json:"targets,omitempty"`
	Loop     *LoopDef `yaml:"loop,omitempty" json:"loop,omitempty"`

	NodePolicy `yaml:",inline" json:",inline"`

	Breaker        string   `yaml:"breaker,omitempty" json:"breaker,omitempty"`
	IdempotencyKey string   `yaml:"idempotency_key,omitempty" json:"idempotency_key,omitempty"` // 表达式，求值为幂等键
	Undo           *StepDef `yaml:"undo,omitempty" json:"undo,omitempty"`
}

// LoopDef 循环回边定义
type LoopDef struct {
	Condition     string `yaml:"condition" json:"condition"` // 为 true 时回到 back
	Back          string `yaml:"back" json:"back"`
	Exit          string `yaml:"exit" json:"exit"`
	MaxIterations int    `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}
