package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/internal/metrics"
	"github.com/BaSui01/flowengine/internal/telemetry"
	"github.com/BaSui01/flowengine/persistence"
	"github.com/BaSui01/flowengine/resilience/circuitbreaker"
	"github.com/BaSui01/flowengine/resilience/compensation"
	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/resilience/retry"
	"github.com/BaSui01/flowengine/workflow"
	"github.com/BaSui01/flowengine/workflow/dsl"
)

// =============================================================================
// 🧩 组件装配
// =============================================================================

// app 持有一次命令执行所需的全部组件
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry   *telemetry.Providers
	stores      *persistence.Stores
	registry    *prometheus.Registry
	collector   *metrics.Collector
	deadLetters dlq.Queue
	breakers    *circuitbreaker.Registry
	executor    *workflow.Executor
	parser      *dsl.Parser
}

// newApp 按配置装配存储、指标、熔断器与执行器。
// 遥测先于执行器初始化，执行器在创建时获取全局 tracer 与 meter。
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{cfg: cfg, logger: logger}

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	a.telemetry = providers

	stores, err := persistence.Open(ctx, cfg, logger)
	if err != nil {
		_ = a.telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("open stores: %w", err)
	}
	a.stores = stores

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector = metrics.NewCollector(cfg.Metrics.Namespace, a.registry, logger)
	a.deadLetters = a.collector.InstrumentQueue(stores.DeadLetters)

	a.breakers = circuitbreaker.NewRegistry(&circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		OnStateChange:    a.collector.BreakerStateHook(),
	}, logger)

	opts := []workflow.ExecutorOption{
		workflow.WithBreakers(a.breakers),
		workflow.WithDeadLetterQueue(a.deadLetters),
	}
	if stores.Idempotency != nil {
		opts = append(opts, workflow.WithIdempotencyStore(stores.Idempotency))
	}
	a.executor = workflow.NewExecutor(stores.Checkpoints, logger, opts...)
	a.parser = dsl.NewParser(logger)
	return a, nil
}

// close 释放存储并刷新遥测数据
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.stores != nil {
		errs = append(errs, a.stores.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// compensationPolicy 补偿函数的重试策略
func (a *app) compensationPolicy() *retry.Policy {
	rc := a.cfg.Retry
	policy := retry.DefaultPolicy()
	policy.MaxRetries = rc.MaxRetries
	if rc.BaseDelay > 0 {
		policy.BaseDelay = rc.BaseDelay
	}
	if rc.MaxDelay > 0 {
		policy.MaxDelay = rc.MaxDelay
	}
	if rc.Factor > 0 {
		policy.Factor = rc.Factor
	}
	if b, err := retry.ParseBackoff(rc.Backoff); err == nil {
		policy.Backoff = b
	}
	policy.Jitter = rc.Jitter
	return policy
}

// runResult 一次运行及其补偿的结果
type runResult struct {
	*workflow.WorkflowResult
	Compensation *compensation.Report
}

// execute 运行或恢复工作流；失败时按完成顺序的逆序执行补偿。
// checkpointID 非空时从该检查点恢复。
func (a *app) execute(ctx context.Context, wf *workflow.Workflow, input any, checkpointID, workflowID string, checkpoint bool) (*runResult, error) {
	engine := a.cfg.Engine
	if engine.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, engine.RunTimeout)
		defer cancel()
	}
	switch {
	case checkpointID != "":
		// 恢复沿用检查点中的运行 ID
		cp, err := a.stores.Checkpoints.Load(ctx, checkpointID)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		workflowID = cp.WorkflowID
	case workflowID == "":
		workflowID = "wf_" + uuid.NewString()
	}

	source := dlq.Source{Workflow: wf.Name(), WorkflowID: workflowID}
	mgr := compensation.NewManager(compensation.Options{
		Retry:       a.compensationPolicy(),
		DeadLetters: a.deadLetters,
		Source:      source,
		Logger:      a.logger,
	})
	opts := &workflow.ExecuteOptions{
		MaxConcurrency: engine.MaxConcurrency,
		MaxIterations:  engine.MaxIterations,
		Checkpoint:     checkpoint || engine.Checkpoint,
		Observer:       a.collector.Observer(wf.Name()),
		Compensation:   mgr,
		WorkflowID:     workflowID,
	}

	var (
		res *workflow.WorkflowResult
		err error
	)
	if checkpointID != "" {
		res, err = a.executor.Resume(ctx, wf, checkpointID, opts)
	} else {
		res, err = a.executor.Execute(ctx, wf, input, opts)
	}
	if res == nil {
		return nil, err
	}
	a.collector.RecordRun(res)

	out := &runResult{WorkflowResult: res}
	if res.Error != nil && mgr.Len() > 0 {
		// 运行上下文可能已超时，补偿使用独立的截止时间
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		out.Compensation = mgr.Compensate(cctx)
		a.collector.RecordCompensation(wf.Name(), out.Compensation)
		if !out.Compensation.OK() {
			a.logger.Error("compensation incomplete",
				zap.String("workflow", wf.Name()),
				zap.String("workflow_id", res.WorkflowID),
				zap.Error(out.Compensation.Err()))
		}
	}
	return out, err
}
