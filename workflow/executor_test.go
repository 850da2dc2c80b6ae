package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/flowengine/resilience/circuitbreaker"
	"github.com/BaSui01/flowengine/resilience/compensation"
	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/resilience/idempotency"
	"github.com/BaSui01/flowengine/resilience/retry"
)

var errBoom = errors.New("boom")

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// tracker records node visits across goroutines.
type tracker struct {
	mu    sync.Mutex
	order []string
}

func (tr *tracker) visit(name string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.order = append(tr.order, name)
}

func (tr *tracker) step(name string) StepFunc {
	return func(_ context.Context, _ *NodeContext) (*NodeResult, error) {
		tr.visit(name)
		return &NodeResult{Output: name, StatePatch: State{"last": name, name: true}}, nil
	}
}

func (tr *tracker) visits() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return slices.Clone(tr.order)
}

func (tr *tracker) count(name string) int {
	n := 0
	for _, v := range tr.visits() {
		if v == name {
			n++
		}
	}
	return n
}

func newTestExecutor(opts ...ExecutorOption) *Executor {
	return NewExecutor(NewMemoryCheckpointStore(), zap.NewNop(), opts...)
}

func mustBuild(t *testing.T, b *Builder) *Workflow {
	t.Helper()
	wf, err := b.Build()
	require.NoError(t, err)
	return wf
}

func failing(err error) StepFunc {
	return func(context.Context, *NodeContext) (*NodeResult, error) { return nil, err }
}

// ---------------------------------------------------------------------------
// basics
// ---------------------------------------------------------------------------

func TestExecutor_NilWorkflow(t *testing.T) {
	exec := newTestExecutor()

	res, err := exec.Execute(context.Background(), nil, nil, nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrWorkflowNotBuilt)

	res, err = exec.Execute(context.Background(), &Workflow{}, nil, nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrWorkflowNotBuilt)
}

func TestExecutor_SequentialOrder(t *testing.T) {
	tr := &tracker{}
	wf := mustBuild(t, NewBuilder("seq").
		AddNode("a", tr.step("a")).Done().
		AddNode("b", tr.step("b")).Done().
		AddNode("c", tr.step("c")).Done().
		Then("a", "b").
		Then("b", "c").
		SetEntry("a"))

	res, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	assert.Equal(t, []string{"a", "b", "c"}, tr.visits())
	assert.Equal(t, "seq", res.WorkflowName)
	assert.NotEmpty(t, res.WorkflowID)
	assert.Equal(t, "c", res.FinalState["last"])
	assert.Equal(t, true, res.FinalState["a"])
	assert.Len(t, res.NodeResults, 3)
	assert.Equal(t, "b", res.NodeResults["b"].Output)
	assert.Equal(t, 1, res.NodeResults["b"].Visits)
	assert.Empty(t, res.CheckpointID)
}

func TestExecutor_InputAndInitialState(t *testing.T) {
	var (
		entryInput any
		entryState State
		nextInput  any
		steps      []int
	)
	wf := mustBuild(t, NewBuilder("input").
		WithInitialState(State{"base": 1, "x": "init"}).
		AddNode("a", func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
			entryInput, entryState = nc.Input, nc.State.Clone()
			steps = append(steps, nc.Step)
			nc.State["base"] = 99 // snapshot only
			return &NodeResult{Output: "from-a"}, nil
		}).Done().
		AddNode("b", func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
			nextInput = nc.Input
			steps = append(steps, nc.Step)
			return nil, nil
		}).Done().
		Then("a", "b").
		SetEntry("a"))

	res, err := newTestExecutor().Execute(context.Background(), wf, map[string]any{"x": "override"}, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"x": "override"}, entryInput)
	assert.Equal(t, 1, entryState["base"])
	assert.Equal(t, "override", entryState["x"])
	assert.Equal(t, "from-a", nextInput)
	assert.Equal(t, []int{1, 2}, steps)
	assert.Equal(t, 1, res.FinalState["base"])
	assert.Equal(t, "init", wf.InitialState()["x"])
}

// ---------------------------------------------------------------------------
// parallel
// ---------------------------------------------------------------------------

func TestExecutor_ParallelFanOutAndJoin(t *testing.T) {
	var (
		mu        sync.Mutex
		starts    []time.Time
		joinCalls atomic.Int32
		joinInput any
	)
	branch := func(name string) StepFunc {
		return func(ctx context.Context, _ *NodeContext) (*NodeResult, error) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &NodeResult{Output: name, StatePatch: State{name: "done"}}, nil
		}
	}

	wf := mustBuild(t, NewBuilder("fanout").
		AddNode("start", noop).Done().
		AddNode("b1", branch("b1")).Done().
		AddNode("b2", branch("b2")).Done().
		AddNode("b3", branch("b3")).Done().
		AddNode("join", func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
			joinCalls.Add(1)
			joinInput = nc.Input
			return nil, nil
		}).Done().
		Fork("start", "b1", "b2", "b3").
		Then("b1", "join").
		Then("b2", "join").
		Then("b3", "join").
		SetEntry("start"))

	res, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)

	require.Len(t, starts, 3)
	earliest, latest := slices.MinFunc(starts, time.Time.Compare), slices.MaxFunc(starts, time.Time.Compare)
	assert.Less(t, latest.Sub(earliest), 50*time.Millisecond, "branches should start together")
	assert.Less(t, res.TotalDuration, 280*time.Millisecond)

	assert.Equal(t, int32(1), joinCalls.Load())
	assert.Equal(t, map[string]any{"b1": "b1", "b2": "b2", "b3": "b3"}, joinInput)
	for _, b := range []string{"b1", "b2", "b3"} {
		assert.Equal(t, "done", res.FinalState[b])
	}
}

func TestExecutor_ParallelRespectsMaxConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	branch := func(context.Context, *NodeContext) (*NodeResult, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}

	b := NewBuilder("bounded").AddNode("start", noop).Done()
	targets := []string{"w1", "w2", "w3", "w4", "w5"}
	for _, name := range targets {
		b.AddNode(name, branch)
	}
	wf := mustBuild(t, b.Fork("start", targets...).SetEntry("start"))

	_, err := newTestExecutor().Execute(context.Background(), wf, nil, &ExecuteOptions{MaxConcurrency: 2})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestExecutor_ParallelMergeOrderAndSnapshot(t *testing.T) {
	wf := mustBuild(t, NewBuilder("merge").
		WithInitialState(State{"winner": "none"}).
		AddNode("start", noop).Done().
		AddNode("first", func(context.Context, *NodeContext) (*NodeResult, error) {
			time.Sleep(30 * time.Millisecond)
			return Patch(State{"winner": "first"}), nil
		}).Done().
		AddNode("second", func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
			return Patch(State{"winner": "second", "seen": nc.State["winner"]}), nil
		}).Done().
		Fork("start", "first", "second").
		SetEntry("start"))

	res, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)

	// 最后声明的分支胜出，与完成先后无关
	assert.Equal(t, "second", res.FinalState["winner"])
	assert.Equal(t, "none", res.FinalState["seen"])
}

func TestExecutor_ParallelFailureCancelsSiblings(t *testing.T) {
	var siblingCanceled atomic.Bool
	tr := &tracker{}
	wf := mustBuild(t, NewBuilder("fanout-fail").
		AddNode("start", noop).Done().
		AddNode("bad", failing(errBoom)).Done().
		AddNode("slow", func(ctx context.Context, _ *NodeContext) (*NodeResult, error) {
			select {
			case <-time.After(2 * time.Second):
				return nil, nil
			case <-ctx.Done():
				siblingCanceled.Store(true)
				return nil, ctx.Err()
			}
		}).Done().
		AddNode("join", tr.step("join")).Done().
		Fork("start", "bad", "slow").
		Then("bad", "join").
		Then("slow", "join").
		SetEntry("start"))

	started := time.Now()
	res, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	require.Error(t, err)

	assert.Less(t, time.Since(started), time.Second)
	assert.True(t, siblingCanceled.Load())
	assert.ErrorIs(t, err, errBoom)
	require.NotNil(t, res)
	assert.Equal(t, err, res.Error)
	assert.Zero(t, tr.count("join"))
}

// ---------------------------------------------------------------------------
// conditional
// ---------------------------------------------------------------------------

func TestExecutor_ConditionalRouting(t *testing.T) {
	tr := &tracker{}
	route := Route(func(s State) string {
		if s["value"].(int) > 50 {
			return "high"
		}
		return "low"
	})
	wf := mustBuild(t, NewBuilder("route").
		AddNode("check", tr.step("check")).Done().
		AddNode("high", tr.step("high")).Done().
		AddNode("low", tr.step("low")).Done().
		AddNode("end", tr.step("end")).Done().
		Branch("check", route, "high", "low").
		Then("high", "end").
		Then("low", "end").
		SetEntry("check"))

	res, err := newTestExecutor().Execute(context.Background(), wf, State{"value": 75}, nil)
	require.NoError(t, err)

	// 未选中的分支不阻塞汇合节点
	assert.Equal(t, []string{"check", "high", "end"}, tr.visits())
	assert.NotContains(t, res.NodeResults, "low")
}

func TestExecutor_ConditionalUndeclaredTarget(t *testing.T) {
	wf := mustBuild(t, NewBuilder("route").
		AddNode("check", noop).Done().
		AddNode("ok", noop).Done().
		Branch("check", Route(func(State) string { return "ghost" }), "ok").
		SetEntry("check"))

	res, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "check", ite.From)
	assert.Equal(t, "ghost", ite.Target)
	assert.Equal(t, []string{"ok"}, ite.Declared)
	require.NotNil(t, res)
	assert.Contains(t, res.NodeResults, "check")
}

func TestExecutor_ConditionalMultipleTargets(t *testing.T) {
	tr := &tracker{}
	wf := mustBuild(t, NewBuilder("multi").
		AddNode("check", noop).Done().
		AddNode("email", tr.step("email")).Done().
		AddNode("sms", tr.step("sms")).Done().
		AddNode("push", tr.step("push")).Done().
		Branch("check", func(context.Context, State) ([]string, error) {
			return []string{"sms", "email"}, nil
		}, "email", "sms", "push").
		SetEntry("check"))

	_, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sms", "email"}, tr.visits())
}

func TestExecutor_NextOverride(t *testing.T) {
	tr := &tracker{}
	wf := mustBuild(t, NewBuilder("next").
		AddNode("a", func(context.Context, *NodeContext) (*NodeResult, error) {
			tr.visit("a")
			return &NodeResult{Next: []string{"c"}}, nil
		}).Done().
		AddNode("b", tr.step("b")).Done().
		AddNode("c", tr.step("c")).Done().
		Then("a", "b").
		Then("b", "c").
		SetEntry("a"))

	_, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, tr.visits())
}

func TestExecutor_NextOverrideUnknownNode(t *testing.T) {
	wf := mustBuild(t, NewBuilder("next").
		AddNode("a", func(context.Context, *NodeContext) (*NodeResult, error) {
			return &NodeResult{Next: []string{"nowhere"}}, nil
		}).Done().
		SetEntry("a"))

	_, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "nowhere", ite.Target)
}

// ---------------------------------------------------------------------------
// loops
// ---------------------------------------------------------------------------

func TestExecutor_LoopRunsUntilPredicateFalse(t *testing.T) {
	tr := &tracker{}
	var iterations []int
	wf := mustBuild(t, NewBuilder("loop").
		AddNode("init", func(context.Context, *NodeContext) (*NodeResult, error) {
			return Patch(State{"counter": 0}), nil
		}).Done().
		AddNode("fetch", func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
			tr.visit("fetch")
			iterations = append(iterations, nc.Iteration)
			return nil, nil
		}).Done().
		AddNode("check", func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
			tr.visit("check")
			return Patch(State{"counter": nc.State["counter"].(int) + 1}), nil
		}).Done().
		AddNode("done", tr.step("done")).Done().
		Then("init", "fetch").
		Then("fetch", "check").
		LoopBack("check", While(func(s State) bool { return s["counter"].(int) < 3 }), "fetch", "done").
		SetEntry("init"))

	res, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch", "check", "fetch", "check", "fetch", "check", "done"}, tr.visits())
	assert.Equal(t, []int{0, 1, 2}, iterations)
	assert.Equal(t, 3, res.FinalState["counter"])
	assert.Equal(t, 3, res.NodeResults["check"].Visits)
	assert.Equal(t, 1, res.NodeResults["done"].Visits)
}

func TestExecutor_LoopIterationLimit(t *testing.T) {
	var runs atomic.Int32
	wf := mustBuild(t, NewBuilder("runaway").
		AddNode("body", func(context.Context, *NodeContext) (*NodeResult, error) {
			runs.Add(1)
			return nil, nil
		}).Done().
		AddNode("exit", noop).Done().
		AddEdge(Loop("body", While(func(State) bool { return true }), "body", "exit").WithMaxIterations(5)).
		SetEntry("body"))

	res, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	var limitErr *LoopIterationLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 5, limitErr.Limit)
	assert.Equal(t, int32(5), runs.Load())
	require.NotNil(t, res)
	assert.Equal(t, 5, res.NodeResults["body"].Visits)
}

func TestExecutor_LoopRunLevelLimit(t *testing.T) {
	var runs atomic.Int32
	wf := mustBuild(t, NewBuilder("runaway").
		AddNode("body", func(context.Context, *NodeContext) (*NodeResult, error) {
			runs.Add(1)
			return nil, nil
		}).Done().
		AddNode("exit", noop).Done().
		LoopBack("body", While(func(State) bool { return true }), "body", "exit").
		SetEntry("body"))

	_, err := newTestExecutor().Execute(context.Background(), wf, nil, &ExecuteOptions{MaxIterations: 2})
	var limitErr *LoopIterationLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, int32(2), runs.Load())
}

// ---------------------------------------------------------------------------
// failure handling
// ---------------------------------------------------------------------------

func TestExecutor_FailFast(t *testing.T) {
	tr := &tracker{}
	wf := mustBuild(t, NewBuilder("failfast").
		AddNode("a", tr.step("a")).Done().
		AddNode("b", failing(errBoom)).Done().
		AddNode("c", tr.step("c")).Done().
		Then("a", "b").
		Then("b", "c").
		SetEntry("a"))

	res, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	require.Error(t, err)
	require.NotNil(t, res)

	assert.ErrorIs(t, err, errBoom)
	node, ok := FailedNode(err)
	assert.True(t, ok)
	assert.Equal(t, "b", node)
	assert.Equal(t, err, res.Error)
	assert.False(t, res.Succeeded())
	assert.Equal(t, []string{"a"}, tr.visits())
	assert.Equal(t, true, res.FinalState["a"])
	assert.NotContains(t, res.NodeResults, "b")
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	var retries []int
	wf := mustBuild(t, NewBuilder("retry").
		AddNode("flaky", func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
			if calls.Add(1) < 3 {
				return nil, errBoom
			}
			return &NodeResult{Output: nc.Attempt}, nil
		}).WithRetries(2, time.Millisecond).Done().
		SetEntry("flaky"))

	obs := ObserverFuncs{Retry: func(_ string, info retry.AttemptInfo) { retries = append(retries, info.Attempt) }}
	res, err := newTestExecutor().Execute(context.Background(), wf, nil, &ExecuteOptions{Observer: obs})
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, res.NodeResults["flaky"].Output)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestExecutor_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	wf := mustBuild(t, NewBuilder("retry").
		AddNode("down", func(context.Context, *NodeContext) (*NodeResult, error) {
			calls.Add(1)
			return nil, errBoom
		}).WithRetries(2, time.Millisecond).Done().
		SetEntry("down"))

	_, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	var nodeErr *NodeExecutionError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, 3, nodeErr.Attempts)
	assert.Same(t, errBoom, nodeErr.Err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecutor_PermanentErrorSkipsRetries(t *testing.T) {
	var calls atomic.Int32
	wf := mustBuild(t, NewBuilder("retry").
		AddNode("invalid", func(context.Context, *NodeContext) (*NodeResult, error) {
			calls.Add(1)
			return nil, retry.Permanent(errBoom)
		}).WithRetries(5, time.Millisecond).Done().
		SetEntry("invalid"))

	_, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecutor_StepPanicBecomesError(t *testing.T) {
	wf := mustBuild(t, NewBuilder("panic").
		AddNode("a", func(context.Context, *NodeContext) (*NodeResult, error) {
			panic("kaboom")
		}).Done().
		SetEntry("a"))

	_, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestExecutor_NodeTimeout(t *testing.T) {
	wf := mustBuild(t, NewBuilder("timeout").
		AddNode("slow", func(ctx context.Context, _ *NodeContext) (*NodeResult, error) {
			select {
			case <-time.After(time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}).WithTimeout(20*time.Millisecond).Done().
		SetEntry("slow"))

	_, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutor_CancellationHaltsRun(t *testing.T) {
	tr := &tracker{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wf := mustBuild(t, NewBuilder("cancel").
		AddNode("a", func(context.Context, *NodeContext) (*NodeResult, error) {
			tr.visit("a")
			cancel()
			return nil, nil
		}).Done().
		AddNode("b", tr.step("b")).Done().
		Then("a", "b").
		SetEntry("a"))

	res, err := newTestExecutor().Execute(ctx, wf, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, []string{"a"}, tr.visits())
}

// ---------------------------------------------------------------------------
// resilience wiring
// ---------------------------------------------------------------------------

func TestExecutor_CircuitBreakerSharedAcrossRuns(t *testing.T) {
	reg := circuitbreaker.NewRegistry(&circuitbreaker.Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	}, zap.NewNop())
	exec := newTestExecutor(WithBreakers(reg))

	var calls atomic.Int32
	wf := mustBuild(t, NewBuilder("payments").
		AddNode("charge", func(context.Context, *NodeContext) (*NodeResult, error) {
			calls.Add(1)
			return nil, errBoom
		}).WithBreaker("psp").WithRetries(3, time.Millisecond).Done().
		SetEntry("charge"))

	_, err := exec.Execute(context.Background(), wf, nil, nil)
	require.Error(t, err)
	// 熔断打开后不再重试
	assert.True(t, circuitbreaker.IsOpenError(err))
	assert.Equal(t, int32(1), calls.Load())

	_, err = exec.Execute(context.Background(), wf, nil, nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, circuitbreaker.StateOpen, exec.Breakers().Get("psp").State())
}

func TestExecutor_NoBreakerWithoutKey(t *testing.T) {
	exec := newTestExecutor()

	// 重试次数超过默认熔断阈值，未声明熔断器时不应被截断
	var calls atomic.Int32
	wf := mustBuild(t, NewBuilder("flaky").
		AddNode("n", func(context.Context, *NodeContext) (*NodeResult, error) {
			if calls.Add(1) <= 6 {
				return nil, errBoom
			}
			return Patch(State{"ok": true}), nil
		}).WithRetries(8, time.Millisecond).Done().
		SetEntry("n"))

	res, err := exec.Execute(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(7), calls.Load())
	assert.Equal(t, true, res.FinalState["ok"])
	assert.Empty(t, exec.Breakers().Names())

	// 多次失败的运行之后，步骤仍然被调用
	var failures atomic.Int32
	broken := mustBuild(t, NewBuilder("broken").
		AddNode("n", func(context.Context, *NodeContext) (*NodeResult, error) {
			failures.Add(1)
			return nil, errBoom
		}).Done().
		SetEntry("n"))
	for range 6 {
		_, err := exec.Execute(context.Background(), broken, nil, nil)
		require.ErrorIs(t, err, errBoom)
		assert.False(t, circuitbreaker.IsOpenError(err))
	}
	assert.Equal(t, int32(6), failures.Load())
}

func TestExecutor_DeadLetterOnFailure(t *testing.T) {
	q := dlq.NewMemoryQueue()
	wf := mustBuild(t, NewBuilder("dlq").
		AddNode("a", emitA).Done().
		AddNode("b", failing(errBoom)).WithRetries(1, time.Millisecond).Done().
		Then("a", "b").
		SetEntry("a"))

	res, err := newTestExecutor(WithDeadLetterQueue(q)).Execute(context.Background(), wf, nil, nil)
	require.Error(t, err)

	entries, err := q.List(context.Background(), dlq.Filter{Workflow: "dlq"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Source.Node)
	assert.Equal(t, res.WorkflowID, entries[0].Source.WorkflowID)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Contains(t, entries[0].Error, "boom")
	assert.Equal(t, "node", entries[0].Metadata["kind"])
	assert.JSONEq(t, `{"input":"a","state":{"a":true},"step":2}`, string(entries[0].Payload))
}

func emitA(context.Context, *NodeContext) (*NodeResult, error) {
	return &NodeResult{Output: "a", StatePatch: State{"a": true}}, nil
}

func TestExecutor_CompensationRecordsCompletedNodes(t *testing.T) {
	var mu sync.Mutex
	var undone []string
	undo := func(name string) UndoFunc {
		return func(_ context.Context, forward any) error {
			mu.Lock()
			defer mu.Unlock()
			undone = append(undone, name+":"+forward.(string))
			return nil
		}
	}

	wf := mustBuild(t, NewBuilder("saga").
		AddNode("reserve", func(context.Context, *NodeContext) (*NodeResult, error) {
			return &NodeResult{Output: "r1"}, nil
		}).WithUndo(undo("reserve")).Done().
		AddNode("charge", func(context.Context, *NodeContext) (*NodeResult, error) {
			return &NodeResult{Output: "c1"}, nil
		}).WithUndo(undo("charge")).Done().
		AddNode("ship", failing(errBoom)).WithUndo(undo("ship")).Done().
		Then("reserve", "charge").
		Then("charge", "ship").
		SetEntry("reserve"))

	mgr := compensation.NewManager(compensation.Options{})
	_, err := newTestExecutor().Execute(context.Background(), wf, nil, &ExecuteOptions{Compensation: mgr})
	require.Error(t, err)
	require.Equal(t, 2, mgr.Len())

	report := mgr.Compensate(context.Background())
	assert.True(t, report.OK())
	assert.Equal(t, []string{"charge:c1", "reserve:r1"}, undone)
}

func TestExecutor_CompensationFollowsCompletionOrderAfterFanOut(t *testing.T) {
	var mu sync.Mutex
	var undone []string
	undo := func(name string) UndoFunc {
		return func(context.Context, any) error {
			mu.Lock()
			defer mu.Unlock()
			undone = append(undone, name)
			return nil
		}
	}
	branch := func(name string, delay time.Duration) StepFunc {
		return func(ctx context.Context, _ *NodeContext) (*NodeResult, error) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &NodeResult{Output: name, StatePatch: State{"winner": name}}, nil
		}
	}

	// slow 声明在前但晚完成
	wf := mustBuild(t, NewBuilder("fanout").
		AddNode("start", emitA).Done().
		AddNode("slow", branch("slow", 80*time.Millisecond)).WithUndo(undo("slow")).Done().
		AddNode("fast", branch("fast", 0)).WithUndo(undo("fast")).Done().
		AddNode("join", failing(errBoom)).Done().
		Fork("start", "slow", "fast").
		Then("slow", "join").
		Then("fast", "join").
		SetEntry("start"))

	mgr := compensation.NewManager(compensation.Options{})
	res, err := newTestExecutor().Execute(context.Background(), wf, nil, &ExecuteOptions{Compensation: mgr})
	require.Error(t, err)
	assert.Equal(t, "fast", res.FinalState["winner"], "patches still merge in declaration order")

	steps := mgr.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "fast", steps[0].Name)
	assert.Equal(t, "slow", steps[1].Name)

	require.True(t, mgr.Compensate(context.Background()).OK())
	assert.Equal(t, []string{"slow", "fast"}, undone)
}

func TestExecutor_ResumeCompensatesNodesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	var mu sync.Mutex
	var undone []string
	undo := func(name string) UndoFunc {
		return func(_ context.Context, forward any) error {
			mu.Lock()
			defer mu.Unlock()
			undone = append(undone, name+":"+forward.(string))
			return nil
		}
	}
	var bFailed atomic.Bool
	wf := mustBuild(t, NewBuilder("resume-saga").
		AddNode("a", func(context.Context, *NodeContext) (*NodeResult, error) {
			return &NodeResult{Output: "a1"}, nil
		}).WithUndo(undo("a")).Done().
		AddNode("b", func(context.Context, *NodeContext) (*NodeResult, error) {
			if bFailed.CompareAndSwap(false, true) {
				return nil, errBoom
			}
			return &NodeResult{Output: "b1"}, nil
		}).WithUndo(undo("b")).Done().
		AddNode("c", failing(errors.New("carrier down"))).Done().
		Then("a", "b").
		Then("b", "c").
		SetEntry("a"))

	first, err := NewExecutor(store, zap.NewNop()).Execute(ctx, wf, nil, &ExecuteOptions{Checkpoint: true})
	require.ErrorIs(t, err, errBoom)

	mgr := compensation.NewManager(compensation.Options{})
	_, err = NewExecutor(store, zap.NewNop()).Resume(ctx, wf, first.CheckpointID, &ExecuteOptions{
		Checkpoint:   true,
		Compensation: mgr,
	})
	require.Error(t, err)
	node, ok := FailedNode(err)
	require.True(t, ok)
	assert.Equal(t, "c", node)

	require.True(t, mgr.Compensate(ctx).OK())
	assert.Equal(t, []string{"b:b1", "a:a1"}, undone)
}

func TestExecutor_IdempotentNodeRunsOnce(t *testing.T) {
	store := idempotency.NewMemoryStore(zap.NewNop(), time.Minute)
	defer store.Close()

	var calls atomic.Int32
	wf := mustBuild(t, NewBuilder("charge").
		AddNode("charge", func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
			calls.Add(1)
			return &NodeResult{Output: "charged", StatePatch: State{"receipt": "r-1"}}, nil
		}).WithIdempotency(func(nc *NodeContext) string {
			return nc.State["order"].(string)
		}, time.Minute).Done().
		SetEntry("charge"))

	exec := newTestExecutor(WithIdempotencyStore(store))
	first, err := exec.Execute(context.Background(), wf, State{"order": "o-1"}, nil)
	require.NoError(t, err)
	second, err := exec.Execute(context.Background(), wf, State{"order": "o-1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "charged", first.NodeResults["charge"].Output)
	assert.Equal(t, "charged", second.NodeResults["charge"].Output)
	assert.Equal(t, "r-1", second.FinalState["receipt"])

	_, err = exec.Execute(context.Background(), wf, State{"order": "o-2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecutor_RateLimiterErrorsFailNode(t *testing.T) {
	var calls atomic.Int32
	// burst 0 的限流器永远无法放行
	limiter := rate.NewLimiter(rate.Every(time.Hour), 0)
	wf := mustBuild(t, NewBuilder("limited").
		AddNode("call", func(context.Context, *NodeContext) (*NodeResult, error) {
			calls.Add(1)
			return nil, nil
		}).WithRateLimit(limiter).Done().
		SetEntry("call"))

	_, err := newTestExecutor().Execute(context.Background(), wf, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Zero(t, calls.Load())
}

// ---------------------------------------------------------------------------
// observers
// ---------------------------------------------------------------------------

type recordingObserver struct {
	events []string
}

func (o *recordingObserver) OnNodeStart(node string) { o.events = append(o.events, "start:"+node) }
func (o *recordingObserver) OnNodeComplete(node string, _ any, _ time.Duration) {
	o.events = append(o.events, "complete:"+node)
}
func (o *recordingObserver) OnNodeError(node string, _ error) { o.events = append(o.events, "error:"+node) }
func (o *recordingObserver) OnNodeProgress(node string, fraction float64) {
	o.events = append(o.events, fmt.Sprintf("progress:%s:%g", node, fraction))
}

func TestExecutor_ObserverEventsAndPanicsAreSwallowed(t *testing.T) {
	rec := &recordingObserver{}
	panicky := ObserverFuncs{
		Start:    func(string) { panic("observer bug") },
		Complete: func(string, any, time.Duration) { panic("observer bug") },
		Error:    func(string, error) { panic("observer bug") },
	}

	wf := mustBuild(t, NewBuilder("observed").
		AddNode("a", func(_ context.Context, nc *NodeContext) (*NodeResult, error) {
			nc.ReportProgress(0.5)
			nc.ReportProgress(7)
			return nil, nil
		}).Done().
		AddNode("b", failing(errBoom)).Done().
		Then("a", "b").
		SetEntry("a"))

	_, err := newTestExecutor().Execute(context.Background(), wf, nil, &ExecuteOptions{
		Observer: MultiObserver{rec, panicky},
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, []string{
		"start:a", "progress:a:0.5", "progress:a:1", "complete:a",
		"start:b", "error:b",
	}, rec.events)
}

// ---------------------------------------------------------------------------
// checkpoints
// ---------------------------------------------------------------------------

func resumableWorkflow(t *testing.T, tr *tracker, failB *atomic.Bool) *Workflow {
	return mustBuild(t, NewBuilder("resumable").
		AddNode("a", tr.step("a")).Done().
		AddNode("b", func(ctx context.Context, nc *NodeContext) (*NodeResult, error) {
			if failB.Load() {
				return nil, errBoom
			}
			return tr.step("b")(ctx, nc)
		}).Done().
		AddNode("c", tr.step("c")).Done().
		AddNode("d", tr.step("d")).Done().
		Then("a", "b").
		Fork("b", "c", "d").
		SetEntry("a"))
}

func TestExecutor_CheckpointAndResume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	var failB atomic.Bool
	failB.Store(true)
	tr := &tracker{}
	wf := resumableWorkflow(t, tr, &failB)

	first, err := NewExecutor(store, zap.NewNop()).Execute(ctx, wf, nil, &ExecuteOptions{Checkpoint: true})
	require.ErrorIs(t, err, errBoom)
	require.NotEmpty(t, first.CheckpointID)

	cp, err := store.Load(ctx, first.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Version)
	assert.Equal(t, []string{"a"}, cp.CompletedNodes)
	assert.Equal(t, [][]string{{"b"}}, cp.Activated)
	assert.Equal(t, first.WorkflowID, cp.WorkflowID)

	failB.Store(false)
	resumed, err := NewExecutor(store, zap.NewNop()).Resume(ctx, wf, first.CheckpointID, &ExecuteOptions{Checkpoint: true})
	require.NoError(t, err)
	assert.Equal(t, first.WorkflowID, resumed.WorkflowID)
	assert.Equal(t, 1, tr.count("a"), "completed nodes are not re-run")
	assert.Contains(t, resumed.NodeResults, "a")

	cp, err = store.Load(ctx, first.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, 3, cp.Version)
	assert.Empty(t, cp.Activated)

	// 与一次不中断的执行结果一致
	fresh, err := newTestExecutor().Execute(ctx, resumableWorkflow(t, &tracker{}, &atomic.Bool{}), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, fresh.FinalState, resumed.FinalState)
}

func TestExecutor_CheckpointAfterSelectedNodes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	tr := &tracker{}
	var never atomic.Bool
	wf := resumableWorkflow(t, tr, &never)

	res, err := NewExecutor(store, zap.NewNop()).Execute(ctx, wf, nil, &ExecuteOptions{CheckpointAfter: []string{"b"}})
	require.NoError(t, err)

	cp, err := store.Load(ctx, res.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Version)
	assert.Equal(t, []string{"a", "b"}, cp.CompletedNodes)
	assert.Equal(t, [][]string{{"c", "d"}}, cp.Activated)
}

func TestExecutor_ResumeErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	exec := NewExecutor(store, zap.NewNop())
	var never atomic.Bool
	wf := resumableWorkflow(t, &tracker{}, &never)

	_, err := exec.Resume(ctx, wf, "ckpt_missing", nil)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	require.NoError(t, store.Save(ctx, &Checkpoint{ID: "ckpt_other", WorkflowName: "other"}))
	_, err = exec.Resume(ctx, wf, "ckpt_other", nil)
	var mismatch *CheckpointMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "other", mismatch.Actual)

	_, err = NewExecutor(nil, nil).Execute(ctx, wf, nil, &ExecuteOptions{Checkpoint: true})
	assert.Error(t, err)
}

func TestExecutor_RunIDVisibleToSteps(t *testing.T) {
	var seen string
	wf := mustBuild(t, NewBuilder("runid").
		AddNode("a", func(ctx context.Context, nc *NodeContext) (*NodeResult, error) {
			seen, _ = RunID(ctx)
			return nil, nil
		}).Done().
		SetEntry("a"))

	res, err := newTestExecutor().Execute(context.Background(), wf, nil, &ExecuteOptions{WorkflowID: "wf_fixed"})
	require.NoError(t, err)
	assert.Equal(t, "wf_fixed", res.WorkflowID)
	assert.Equal(t, "wf_fixed", seen)

	_, ok := RunID(context.Background())
	assert.False(t, ok)
}
