package workflow

import (
	"context"
	"maps"

	"github.com/BaSui01/flowengine/internal/ctxkeys"
)

// State is the workflow-wide key/value store threaded through a run.
// Nodes never mutate it directly: they receive a snapshot and return a patch.
type State map[string]any

// Clone returns a shallow copy of the state. A nil state clones to an empty one.
func (s State) Clone() State {
	out := make(State, len(s))
	maps.Copy(out, s)
	return out
}

// Merge shallow-merges patch into s; keys in patch win.
func (s State) Merge(patch State) {
	maps.Copy(s, patch)
}

// Get returns the value stored under key.
func (s State) Get(key string) (any, bool) {
	v, ok := s[key]
	return v, ok
}

// StepFunc is the user-supplied unit of work bound to a node.
type StepFunc func(ctx context.Context, nc *NodeContext) (*NodeResult, error)

// NodeContext is what a step function sees when it runs.
type NodeContext struct {
	// State is a snapshot of the workflow state taken when the node was scheduled.
	State State
	// Input is the output of the activating predecessor. When several predecessors
	// activated the node it is a map keyed by predecessor name; the entry node receives
	// the run input.
	Input any

	NodeID       string
	WorkflowID   string
	WorkflowName string
	// Step is a run-wide monotonic invocation counter.
	Step int
	// Iteration counts loop re-entries of the node, 0 on first visit.
	Iteration int
	// Attempt is 1-based and increases on each retry.
	Attempt int

	progress func(fraction float64)
}

// RunID returns the id of the run executing ctx, as seen by step and undo functions.
func RunID(ctx context.Context) (string, bool) {
	return ctxkeys.RunID(ctx)
}

// ReportProgress publishes a completion fraction in [0,1] to the run's observer.
func (nc *NodeContext) ReportProgress(fraction float64) {
	if nc == nil || nc.progress == nil {
		return
	}
	switch {
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	nc.progress(fraction)
}

// NodeResult is returned by a step function.
type NodeResult struct {
	// StatePatch is shallow-merged into the workflow state once the node completes.
	StatePatch State `json:"state_patch,omitempty"`
	// Output is recorded in the run result and handed to successors as Input.
	Output any `json:"output,omitempty"`
	// Next, when non-empty, replaces the node's outgoing edges for this visit.
	Next []string `json:"next,omitempty"`
}

// Patch is shorthand for a result that only updates state.
func Patch(patch State) *NodeResult {
	return &NodeResult{StatePatch: patch}
}
