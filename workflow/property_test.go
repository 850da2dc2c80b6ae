package workflow

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

// Property: in an acyclic chain every node completes exactly once, in order.
func TestProperty_ChainVisitsEachNodeOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("chain nodes run once in dependency order", prop.ForAll(
		func(n int) bool {
			tr := &tracker{}
			b := NewBuilder("chain")
			names := make([]string, n)
			for i := range n {
				names[i] = fmt.Sprintf("n%d", i)
				b.AddNode(names[i], tr.step(names[i]))
				if i > 0 {
					b.Then(names[i-1], names[i])
				}
			}
			wf, err := b.SetEntry(names[0]).Build()
			if err != nil {
				t.Logf("build failed: %v", err)
				return false
			}

			res, err := NewExecutor(nil, zap.NewNop()).Execute(context.Background(), wf, nil, nil)
			if err != nil {
				t.Logf("execute failed: %v", err)
				return false
			}
			return slices.Equal(names, tr.visits()) && len(res.NodeResults) == n
		},
		gen.IntRange(1, 15),
	))

	properties.TestingRun(t)
}

// Property: a fan-out runs every branch once, joins once, and merges in declaration order.
func TestProperty_FanOutJoinsOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("fan-out branches and join run exactly once", prop.ForAll(
		func(width, limit int) bool {
			tr := &tracker{}
			b := NewBuilder("fanout").AddNode("start", noop).Done()
			branches := make([]string, width)
			for i := range width {
				branches[i] = fmt.Sprintf("b%d", i)
				b.AddNode(branches[i], tr.step(branches[i]))
				b.Then(branches[i], "join")
			}
			var joins atomic.Int32
			b.AddNode("join", func(context.Context, *NodeContext) (*NodeResult, error) {
				joins.Add(1)
				return nil, nil
			})
			wf, err := b.Fork("start", branches...).SetEntry("start").Build()
			if err != nil {
				t.Logf("build failed: %v", err)
				return false
			}

			res, err := NewExecutor(nil, zap.NewNop()).Execute(context.Background(), wf, nil,
				&ExecuteOptions{MaxConcurrency: limit})
			if err != nil {
				t.Logf("execute failed: %v", err)
				return false
			}

			for _, br := range branches {
				if tr.count(br) != 1 {
					return false
				}
			}
			return joins.Load() == 1 && res.FinalState["last"] == branches[width-1]
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

// Property: a counting loop runs its body exactly k times.
func TestProperty_LoopRunsBoundedTimes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("loop body runs k times", prop.ForAll(
		func(k int) bool {
			var runs atomic.Int32
			wf, err := NewBuilder("loop").
				WithInitialState(State{"i": 0}).
				AddNode("body", func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
					runs.Add(1)
					return Patch(State{"i": nc.State["i"].(int) + 1}), nil
				}).Done().
				AddNode("exit", noop).Done().
				LoopBack("body", While(func(s State) bool { return s["i"].(int) < k }), "body", "exit").
				SetEntry("body").
				Build()
			if err != nil {
				return false
			}
			_, err = NewExecutor(nil, zap.NewNop()).Execute(context.Background(), wf, nil, nil)
			return err == nil && int(runs.Load()) == k
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
