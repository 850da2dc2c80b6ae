package workflow

import (
	"time"

	"github.com/BaSui01/flowengine/resilience/circuitbreaker"
	"github.com/BaSui01/flowengine/resilience/compensation"
	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/resilience/idempotency"
)

// DefaultMaxIterations guards loops that set no limit of their own.
const DefaultMaxIterations = 1000

// ExecuteOptions tunes a single run.
type ExecuteOptions struct {
	// MaxConcurrency bounds parallel fan-out branches. Zero or negative means unbounded.
	MaxConcurrency int
	// MaxIterations bounds loop body executions per loop edge. Zero uses DefaultMaxIterations.
	MaxIterations int
	// Checkpoint saves the run after every completed node.
	Checkpoint bool
	// CheckpointAfter saves only after the listed nodes when Checkpoint is false.
	CheckpointAfter []string
	Observer        Observer
	// Compensation receives the undo action of every completed node that declares one.
	Compensation *compensation.Manager
	// WorkflowID fixes the run id. Empty generates one.
	WorkflowID string
}

func (o *ExecuteOptions) normalized() ExecuteOptions {
	var out ExecuteOptions
	if o != nil {
		out = *o
	}
	if out.MaxIterations <= 0 {
		out.MaxIterations = DefaultMaxIterations
	}
	return out
}

func (o *ExecuteOptions) checkpointing() bool {
	return o.Checkpoint || len(o.CheckpointAfter) > 0
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBreakers shares a circuit breaker registry across runs.
func WithBreakers(reg *circuitbreaker.Registry) ExecutorOption {
	return func(e *Executor) { e.breakers = reg }
}

// WithIdempotencyStore enables deduplication for nodes with an idempotency key.
func WithIdempotencyStore(store idempotency.Store) ExecutorOption {
	return func(e *Executor) { e.idempotency = store }
}

// WithDeadLetterQueue captures nodes that fail after exhausting retries.
func WithDeadLetterQueue(q dlq.Queue) ExecutorOption {
	return func(e *Executor) { e.deadLetters = q }
}

// WithRetryPredicate replaces the default retry classification.
func WithRetryPredicate(fn func(error) bool) ExecutorOption {
	return func(e *Executor) { e.retryIf = fn }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}
