package workflow

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/BaSui01/flowengine/resilience/compensation"
	"github.com/BaSui01/flowengine/resilience/retry"
)

// UndoFunc reverses a completed node. It receives the node's forward output.
type UndoFunc = compensation.UndoFunc

// NodeConfig carries per-node execution policy.
type NodeConfig struct {
	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first failure.
	Retries    int
	RetryDelay time.Duration
	Backoff    retry.Backoff
	Jitter     bool
	// BreakerKey selects the shared circuit breaker. Empty uses the node name.
	BreakerKey string
	// IdempotencyKey derives a dedup key for an invocation. Nil disables dedup.
	IdempotencyKey func(nc *NodeContext) string
	IdempotencyTTL time.Duration
	RateLimiter    *rate.Limiter
}

// Node is a named unit of work in a workflow graph.
type Node struct {
	Name        string
	Description string
	Step        StepFunc
	Config      NodeConfig
	// Undo, when set, is recorded for saga rollback after the node completes.
	Undo UndoFunc
}

// EdgeKind discriminates the edge variants.
type EdgeKind int

const (
	EdgeSequential EdgeKind = iota
	EdgeConditional
	EdgeParallel
	EdgeLoop
)

// String implements fmt.Stringer.
func (k EdgeKind) String() string {
	switch k {
	case EdgeSequential:
		return "sequential"
	case EdgeConditional:
		return "conditional"
	case EdgeParallel:
		return "parallel"
	case EdgeLoop:
		return "loop"
	default:
		return fmt.Sprintf("edge_kind(%d)", int(k))
	}
}

// RouteFunc picks the targets of a conditional edge from the current state.
type RouteFunc func(ctx context.Context, state State) ([]string, error)

// LoopPredicate decides whether a loop edge re-enters its body.
type LoopPredicate func(ctx context.Context, state State) (bool, error)

// Edge is a directed transition between nodes. Build one with Sequential,
// Conditional, Parallel or Loop.
type Edge struct {
	Kind EdgeKind
	From string

	// To is the target of a sequential edge.
	To string

	// Targets are the declared targets of a conditional or parallel edge.
	Targets []string
	Route   RouteFunc

	Predicate LoopPredicate
	Back      string
	Exit      string
	// MaxIterations overrides the run-level loop guard for this edge when positive.
	MaxIterations int
}

// Sequential activates to once from completes.
func Sequential(from, to string) Edge {
	return Edge{Kind: EdgeSequential, From: from, To: to}
}

// Conditional activates the targets chosen by route. Route must only return
// names listed in targets.
func Conditional(from string, route RouteFunc, targets ...string) Edge {
	return Edge{Kind: EdgeConditional, From: from, Route: route, Targets: slices.Clone(targets)}
}

// Parallel fans out to every target concurrently.
func Parallel(from string, to ...string) Edge {
	return Edge{Kind: EdgeParallel, From: from, Targets: slices.Clone(to)}
}

// Loop re-enters back while predicate holds, then continues at exit.
func Loop(from string, predicate LoopPredicate, back, exit string) Edge {
	return Edge{Kind: EdgeLoop, From: from, Predicate: predicate, Back: back, Exit: exit}
}

// WithMaxIterations returns a copy of a loop edge with its own iteration guard.
func (e Edge) WithMaxIterations(n int) Edge {
	e.MaxIterations = n
	return e
}

// forward returns the targets an edge can activate without re-entering a loop.
func (e Edge) forward() []string {
	switch e.Kind {
	case EdgeSequential:
		return []string{e.To}
	case EdgeConditional, EdgeParallel:
		return e.Targets
	case EdgeLoop:
		return []string{e.Exit}
	default:
		return nil
	}
}

// key identifies a loop edge in checkpoints.
func (e Edge) key() string {
	return e.From + "->" + e.Back
}

// Route adapts a single-target chooser into a RouteFunc. An empty name routes nowhere.
func Route(choose func(State) string) RouteFunc {
	return func(_ context.Context, state State) ([]string, error) {
		target := choose(state)
		if target == "" {
			return nil, nil
		}
		return []string{target}, nil
	}
}

// While adapts a plain state predicate into a LoopPredicate.
func While(cond func(State) bool) LoopPredicate {
	return func(_ context.Context, state State) (bool, error) {
		return cond(state), nil
	}
}

// Workflow is an immutable, validated graph produced by Builder.Build.
type Workflow struct {
	name         string
	description  string
	initialState State
	nodes        map[string]*Node
	order        []string
	edges        []Edge
	entry        string

	outgoing  map[string][]int
	joinPreds map[string][]string
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Description returns the workflow description.
func (w *Workflow) Description() string { return w.description }

// Entry returns the entry node name.
func (w *Workflow) Entry() string { return w.entry }

// InitialState returns a copy of the initial state.
func (w *Workflow) InitialState() State { return w.initialState.Clone() }

// Node returns a copy of the named node.
func (w *Workflow) Node(name string) (Node, bool) {
	n, ok := w.nodes[name]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns node names in declaration order.
func (w *Workflow) Nodes() []string { return slices.Clone(w.order) }

// Edges returns the edges in declaration order.
func (w *Workflow) Edges() []Edge {
	out := make([]Edge, len(w.edges))
	for i, e := range w.edges {
		e.Targets = slices.Clone(e.Targets)
		out[i] = e
	}
	return out
}

func (w *Workflow) built() bool {
	return w != nil && w.entry != "" && w.nodes != nil
}

// index derives adjacency used by the scheduler.
func (w *Workflow) index() {
	w.outgoing = make(map[string][]int, len(w.nodes))
	w.joinPreds = make(map[string][]string, len(w.nodes))
	for i, e := range w.edges {
		w.outgoing[e.From] = append(w.outgoing[e.From], i)
		switch e.Kind {
		case EdgeSequential:
			w.addJoinPred(e.To, e.From)
		case EdgeParallel:
			for _, t := range e.Targets {
				w.addJoinPred(t, e.From)
			}
		}
	}
}

func (w *Workflow) addJoinPred(node, pred string) {
	if !slices.Contains(w.joinPreds[node], pred) {
		w.joinPreds[node] = append(w.joinPreds[node], pred)
	}
}

// reachable walks forward edges from the given roots, roots included.
func (w *Workflow) reachable(roots ...string) map[string]bool {
	seen := make(map[string]bool, len(w.nodes))
	stack := slices.Clone(roots)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		for _, idx := range w.outgoing[n] {
			stack = append(stack, w.edges[idx].forward()...)
		}
	}
	return seen
}

// loopBody returns nodes lying on a forward path from back to from.
func (w *Workflow) loopBody(e Edge) []string {
	fromBack := w.reachable(e.Back)
	var body []string
	for _, name := range w.order {
		if !fromBack[name] {
			continue
		}
		if name == e.From || w.reachable(name)[e.From] {
			body = append(body, name)
		}
	}
	return body
}
