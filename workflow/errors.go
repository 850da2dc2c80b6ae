package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/flowengine/types"
)

var (
	// ErrWorkflowNotBuilt is returned when Execute is handed a nil or zero Workflow.
	ErrWorkflowNotBuilt = types.NewError(types.ErrWorkflowNotBuilt, "workflow is nil or was not produced by Builder.Build")

	// ErrCheckpointNotFound is returned by CheckpointStore.Load for unknown ids.
	ErrCheckpointNotFound = types.NewError(types.ErrCheckpointNotFound, "checkpoint not found")
)

// GraphValidationError lists every structural problem found by Build.
type GraphValidationError struct {
	Workflow string
	Problems []string
}

func (e *GraphValidationError) Error() string {
	return fmt.Sprintf("workflow %q is invalid: %s", e.Workflow, strings.Join(e.Problems, "; "))
}

// Unwrap exposes the graph validation error code.
func (e *GraphValidationError) Unwrap() error {
	return types.NewError(types.ErrGraphValidation, "graph validation failed")
}

// Is matches any GraphValidationError.
func (e *GraphValidationError) Is(target error) bool {
	_, ok := target.(*GraphValidationError)
	return ok
}

// InvalidTransitionError reports a routing decision outside the declared graph.
type InvalidTransitionError struct {
	From     string
	Target   string
	Declared []string
	Reason   string
}

func (e *InvalidTransitionError) Error() string {
	if len(e.Declared) > 0 {
		return fmt.Sprintf("invalid transition %s -> %s: %s (declared: %s)",
			e.From, e.Target, e.Reason, strings.Join(e.Declared, ", "))
	}
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.Target, e.Reason)
}

func (e *InvalidTransitionError) Unwrap() error {
	return types.NewError(types.ErrInvalidTransition, e.Reason).WithNode(e.From)
}

// NodeExecutionError wraps the error raised by a node's step function.
type NodeExecutionError struct {
	Node     string
	Attempts int
	Err      error
}

func (e *NodeExecutionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("node %s failed after %d attempts: %v", e.Node, e.Attempts, e.Err)
	}
	return fmt.Sprintf("node %s failed: %v", e.Node, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// LoopIterationLimitExceededError halts a run whose loop keeps re-entering.
type LoopIterationLimitExceededError struct {
	From  string
	Back  string
	Limit int
}

func (e *LoopIterationLimitExceededError) Error() string {
	return fmt.Sprintf("loop %s -> %s exceeded %d iterations", e.From, e.Back, e.Limit)
}

func (e *LoopIterationLimitExceededError) Unwrap() error {
	return types.NewError(types.ErrLoopLimitExceeded, "loop iteration limit exceeded").WithNode(e.From)
}

// CheckpointMismatchError is returned by Resume when a checkpoint belongs to another workflow.
type CheckpointMismatchError struct {
	CheckpointID string
	Expected     string
	Actual       string
}

func (e *CheckpointMismatchError) Error() string {
	return fmt.Sprintf("checkpoint %s belongs to workflow %q, not %q", e.CheckpointID, e.Actual, e.Expected)
}

func (e *CheckpointMismatchError) Unwrap() error {
	return types.NewError(types.ErrCheckpointMismatch, "checkpoint workflow mismatch")
}

// FailedNode returns the node whose step failed, if err carries one.
func FailedNode(err error) (string, bool) {
	var nodeErr *NodeExecutionError
	if errors.As(err, &nodeErr) {
		return nodeErr.Node, true
	}
	return "", false
}
