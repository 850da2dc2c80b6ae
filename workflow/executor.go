package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/resilience/circuitbreaker"
	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/resilience/idempotency"
	"github.com/BaSui01/flowengine/resilience/retry"
)

// NodeOutcome records how a completed node ran.
type NodeOutcome struct {
	Output      any           `json:"output,omitempty"`
	Duration    time.Duration `json:"duration"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	// Visits counts completions; only loop bodies exceed 1.
	Visits int `json:"visits"`
}

// WorkflowResult is always well formed, even when the run failed.
type WorkflowResult struct {
	WorkflowID    string
	WorkflowName  string
	FinalState    State
	NodeResults   map[string]NodeOutcome
	TotalDuration time.Duration
	CheckpointID  string
	Error         error
}

// Succeeded reports whether the run completed without error.
func (r *WorkflowResult) Succeeded() bool {
	return r != nil && r.Error == nil
}

// Executor runs workflows. It holds no per-run state, so one Executor may
// serve concurrent runs.
type Executor struct {
	store       CheckpointStore
	logger      *zap.Logger
	breakers    *circuitbreaker.Registry
	idempotency idempotency.Store
	deadLetters dlq.Queue
	retryIf     func(error) bool
	now         func() time.Time
	inst        *instruments
}

// NewExecutor creates an executor. store may be nil when checkpointing is not used.
func NewExecutor(store CheckpointStore, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		store:  store,
		logger: logger.With(zap.String("component", "workflow_executor")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breakers == nil {
		e.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), logger)
	}
	if e.retryIf == nil {
		e.retryIf = retry.DefaultRetryIf
	}
	inst, err := globalInstruments()
	if err != nil {
		e.logger.Warn("otel instruments unavailable, falling back to noop", zap.Error(err))
	}
	e.inst = inst
	return e
}

// Breakers exposes the shared circuit breaker registry.
func (e *Executor) Breakers() *circuitbreaker.Registry {
	return e.breakers
}

// Execute runs wf from its entry node.
func (e *Executor) Execute(ctx context.Context, wf *Workflow, input any, opts *ExecuteOptions) (*WorkflowResult, error) {
	if !wf.built() {
		return nil, ErrWorkflowNotBuilt
	}
	o := opts.normalized()
	if o.checkpointing() && e.store == nil {
		return nil, fmt.Errorf("checkpointing requested but executor has no checkpoint store")
	}

	id := o.WorkflowID
	if id == "" {
		id = "wf_" + uuid.NewString()
	}

	r := e.newRun(wf, o, id)
	r.state = wf.InitialState()
	switch in := input.(type) {
	case State:
		r.state.Merge(in)
	case map[string]any:
		r.state.Merge(in)
	}
	r.inputs[wf.entry] = map[string]any{"": input}
	r.pushGroup([]string{wf.entry})
	if o.checkpointing() {
		r.checkpointID = NewCheckpointID()
	}

	return r.execute(ctx, false)
}

// Resume continues a run from a saved checkpoint. wf must be the workflow the
// checkpoint was taken from.
func (e *Executor) Resume(ctx context.Context, wf *Workflow, checkpointID string, opts *ExecuteOptions) (*WorkflowResult, error) {
	if !wf.built() {
		return nil, ErrWorkflowNotBuilt
	}
	if e.store == nil {
		return nil, fmt.Errorf("resume requires a checkpoint store")
	}
	cp, err := e.store.Load(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.WorkflowName != wf.name {
		return nil, &CheckpointMismatchError{CheckpointID: checkpointID, Expected: wf.name, Actual: cp.WorkflowName}
	}

	o := opts.normalized()
	r := e.newRun(wf, o, cp.WorkflowID)
	if err := r.restore(cp); err != nil {
		return nil, err
	}
	// 恢复后继续写入同一个检查点
	r.checkpointID = cp.ID
	r.version = cp.Version

	e.logger.Info("resuming workflow",
		zap.String("workflow", wf.name),
		zap.String("workflow_id", cp.WorkflowID),
		zap.String("checkpoint_id", cp.ID),
		zap.Int("completed", len(cp.CompletedNodes)),
	)
	return r.execute(ctx, true)
}

// retryPredicate never retries errors that retrying cannot fix inside a run.
func (e *Executor) retryPredicate(err error) bool {
	if circuitbreaker.IsOpenError(err) || errors.Is(err, idempotency.ErrInProgress) {
		return false
	}
	var transition *InvalidTransitionError
	if errors.As(err, &transition) {
		return false
	}
	return e.retryIf(err)
}
