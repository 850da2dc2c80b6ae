package workflow

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/flowengine/resilience/retry"
)

// Builder provides a fluent API for constructing workflows.
type Builder struct {
	name    string
	desc    string
	initial State
	nodes   []*Node
	edges   []Edge
	entry   string
	logger  *zap.Logger
}

// NewBuilder creates a new builder with the given workflow name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		logger: zap.NewNop(),
	}
}

// WithDescription sets the workflow description.
func (b *Builder) WithDescription(desc string) *Builder {
	b.desc = desc
	return b
}

// WithLogger sets a custom logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	b.logger = logger.With(zap.String("component", "workflow_builder"))
	return b
}

// WithInitialState sets the state every run starts from.
func (b *Builder) WithInitialState(state State) *Builder {
	b.initial = state.Clone()
	return b
}

// AddNode adds a node and returns a NodeBuilder for configuration.
func (b *Builder) AddNode(name string, step StepFunc) *NodeBuilder {
	node := &Node{Name: name, Step: step}
	b.nodes = append(b.nodes, node)
	return &NodeBuilder{node: node, parent: b}
}

// Add adds a fully specified node.
func (b *Builder) Add(node Node) *Builder {
	n := node
	b.nodes = append(b.nodes, &n)
	return b
}

// AddEdge adds any edge variant.
func (b *Builder) AddEdge(e Edge) *Builder {
	b.edges = append(b.edges, e)
	return b
}

// Then adds a sequential edge.
func (b *Builder) Then(from, to string) *Builder {
	return b.AddEdge(Sequential(from, to))
}

// Branch adds a conditional edge.
func (b *Builder) Branch(from string, route RouteFunc, targets ...string) *Builder {
	return b.AddEdge(Conditional(from, route, targets...))
}

// Fork adds a parallel edge.
func (b *Builder) Fork(from string, to ...string) *Builder {
	return b.AddEdge(Parallel(from, to...))
}

// LoopBack adds a loop edge.
func (b *Builder) LoopBack(from string, predicate LoopPredicate, back, exit string) *Builder {
	return b.AddEdge(Loop(from, predicate, back, exit))
}

// SetEntry sets the entry node.
func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// Build validates the graph and returns an immutable Workflow.
func (b *Builder) Build() (*Workflow, error) {
	wf := &Workflow{
		name:         b.name,
		description:  b.desc,
		initialState: b.initial.Clone(),
		nodes:        make(map[string]*Node, len(b.nodes)),
		entry:        b.entry,
	}

	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, n := range b.nodes {
		switch {
		case n.Name == "":
			addf("node with empty name")
			continue
		case wf.nodes[n.Name] != nil:
			addf("duplicate node %q", n.Name)
			continue
		case n.Step == nil:
			addf("node %q has no step function", n.Name)
		}
		cp := *n
		wf.nodes[n.Name] = &cp
		wf.order = append(wf.order, n.Name)
	}

	switch {
	case b.entry == "":
		addf("entry node not set")
	case wf.nodes[b.entry] == nil:
		addf("entry node %q does not exist", b.entry)
	}

	known := func(edge Edge, name, role string) {
		if name == "" {
			addf("%s edge from %q has empty %s", edge.Kind, edge.From, role)
			return
		}
		if wf.nodes[name] == nil {
			addf("%s edge from %q references unknown %s %q", edge.Kind, edge.From, role, name)
		}
	}

	loops := make(map[string]bool)
	for _, e := range b.edges {
		e.Targets = slices.Clone(e.Targets)
		known(e, e.From, "source")
		switch e.Kind {
		case EdgeSequential:
			known(e, e.To, "target")
		case EdgeConditional:
			if e.Route == nil {
				addf("conditional edge from %q has no route function", e.From)
			}
			if len(e.Targets) == 0 {
				addf("conditional edge from %q declares no targets", e.From)
			}
			for _, t := range e.Targets {
				known(e, t, "target")
			}
		case EdgeParallel:
			if len(e.Targets) == 0 {
				addf("parallel edge from %q declares no targets", e.From)
			}
			for _, t := range e.Targets {
				known(e, t, "target")
			}
		case EdgeLoop:
			if e.Predicate == nil {
				addf("loop edge from %q has no predicate", e.From)
			}
			known(e, e.Back, "back target")
			known(e, e.Exit, "exit target")
			if loops[e.From] {
				addf("node %q has more than one loop edge", e.From)
			}
			loops[e.From] = true
		default:
			addf("edge from %q has unknown kind %s", e.From, e.Kind)
		}
		wf.edges = append(wf.edges, e)
	}

	wf.index()

	if cycle := wf.findCycle(); cycle != nil {
		addf("cycle detected: %s", strings.Join(cycle, " -> "))
	}
	for _, e := range wf.edges {
		// 悬空引用已单独报告
		if e.Kind != EdgeLoop || wf.nodes[e.Back] == nil || wf.nodes[e.From] == nil {
			continue
		}
		if e.Back != e.From && !wf.reachable(e.Back)[e.From] {
			addf("loop back target %q cannot reach %q", e.Back, e.From)
		}
	}
	if len(problems) > 0 {
		return nil, &GraphValidationError{Workflow: b.name, Problems: problems}
	}

	reachable := wf.reachable(wf.entry)
	for _, name := range wf.order {
		if !reachable[name] {
			b.logger.Warn("node is unreachable from entry",
				zap.String("workflow", b.name),
				zap.String("node", name),
			)
		}
	}

	b.logger.Debug("workflow built",
		zap.String("workflow", b.name),
		zap.Int("nodes", len(wf.nodes)),
		zap.Int("edges", len(wf.edges)),
	)
	return wf, nil
}

const (
	white = iota
	gray
	black
)

// findCycle runs a white/gray/black DFS over forward edges. Loop back-edges are
// excluded, so only unintended cycles are reported.
func (w *Workflow) findCycle() []string {
	color := make(map[string]int, len(w.nodes))
	var path []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		path = append(path, n)
		for _, idx := range w.outgoing[n] {
			for _, next := range w.edges[idx].forward() {
				switch color[next] {
				case gray:
					start := slices.Index(path, next)
					cycle = append(slices.Clone(path[start:]), next)
					return true
				case white:
					if visit(next) {
						return true
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return false
	}

	for _, n := range w.order {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}

// NodeBuilder configures a single node.
type NodeBuilder struct {
	node   *Node
	parent *Builder
}

// WithDescription sets the node description.
func (nb *NodeBuilder) WithDescription(desc string) *NodeBuilder {
	nb.node.Description = desc
	return nb
}

// WithTimeout bounds each attempt.
func (nb *NodeBuilder) WithTimeout(d time.Duration) *NodeBuilder {
	nb.node.Config.Timeout = d
	return nb
}

// WithRetries enables retries with the given base delay.
func (nb *NodeBuilder) WithRetries(n int, delay time.Duration) *NodeBuilder {
	nb.node.Config.Retries = n
	nb.node.Config.RetryDelay = delay
	return nb
}

// WithBackoff selects the retry backoff curve.
func (nb *NodeBuilder) WithBackoff(b retry.Backoff, jitter bool) *NodeBuilder {
	nb.node.Config.Backoff = b
	nb.node.Config.Jitter = jitter
	return nb
}

// WithBreaker routes calls through the named shared circuit breaker.
func (nb *NodeBuilder) WithBreaker(key string) *NodeBuilder {
	nb.node.Config.BreakerKey = key
	return nb
}

// WithIdempotency deduplicates invocations by the derived key.
func (nb *NodeBuilder) WithIdempotency(key func(*NodeContext) string, ttl time.Duration) *NodeBuilder {
	nb.node.Config.IdempotencyKey = key
	nb.node.Config.IdempotencyTTL = ttl
	return nb
}

// WithRateLimit throttles node invocations.
func (nb *NodeBuilder) WithRateLimit(limiter *rate.Limiter) *NodeBuilder {
	nb.node.Config.RateLimiter = limiter
	return nb
}

// WithUndo registers a compensating action.
func (nb *NodeBuilder) WithUndo(undo UndoFunc) *NodeBuilder {
	nb.node.Undo = undo
	return nb
}

// Done returns to the parent builder.
func (nb *NodeBuilder) Done() *Builder {
	return nb.parent
}
