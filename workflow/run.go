package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/flowengine/internal/ctxkeys"
	"github.com/BaSui01/flowengine/resilience/circuitbreaker"
	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/resilience/idempotency"
	"github.com/BaSui01/flowengine/resilience/retry"
	"github.com/BaSui01/flowengine/types"
)

// run holds the mutable state of one execution. Only the scheduling goroutine
// touches it; fan-out branches work on snapshots.
type run struct {
	e      *Executor
	wf     *Workflow
	opts   ExecuteOptions
	id     string
	logger *zap.Logger
	notify *notifier

	state     State
	completed map[string]bool
	pending   [][]string
	activated map[string]bool
	inputs    map[string]map[string]any
	results   map[string]NodeOutcome
	loops     map[string]int
	iteration map[string]int
	step      int

	checkpointID    string
	version         int
	checkpointAfter map[string]bool
}

type invocation struct {
	attempts int
	started  time.Time
	finished time.Time
	err      error
}

func (e *Executor) newRun(wf *Workflow, opts ExecuteOptions, id string) *run {
	logger := e.logger.With(
		zap.String("workflow", wf.name),
		zap.String("workflow_id", id),
	)
	r := &run{
		e:               e,
		wf:              wf,
		opts:            opts,
		id:              id,
		logger:          logger,
		notify:          newNotifier(opts.Observer, logger),
		state:           State{},
		completed:       make(map[string]bool),
		activated:       make(map[string]bool),
		inputs:          make(map[string]map[string]any),
		results:         make(map[string]NodeOutcome),
		loops:           make(map[string]int),
		iteration:       make(map[string]int),
		checkpointAfter: make(map[string]bool, len(opts.CheckpointAfter)),
	}
	for _, n := range opts.CheckpointAfter {
		r.checkpointAfter[n] = true
	}
	return r
}

func (r *run) execute(ctx context.Context, resumed bool) (*WorkflowResult, error) {
	start := r.e.now()
	ctx = ctxkeys.WithRunID(ctx, r.id)
	ctx, span := r.e.inst.startRun(ctx, r.wf.name, r.id, resumed)

	r.logger.Info("starting workflow execution",
		zap.String("entry", r.wf.entry),
		zap.Bool("resumed", resumed),
	)

	err := r.loop(ctx)
	total := r.e.now().Sub(start)
	r.e.inst.endRun(ctx, span, r.wf.name, total, err)

	res := &WorkflowResult{
		WorkflowID:    r.id,
		WorkflowName:  r.wf.name,
		FinalState:    r.state.Clone(),
		NodeResults:   maps.Clone(r.results),
		TotalDuration: total,
		CheckpointID:  r.checkpointID,
		Error:         err,
	}
	if err != nil {
		r.logger.Error("workflow execution failed",
			zap.Duration("duration", total),
			zap.Int("completed", len(r.completed)),
			zap.Error(err),
		)
		return res, err
	}

	r.logger.Info("workflow execution completed",
		zap.Duration("duration", total),
		zap.Int("nodes_executed", len(r.results)),
	)
	return res, nil
}

func (r *run) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := r.nextBatch()
		if len(batch) == 0 {
			if len(r.pending) > 0 {
				return types.NewError(types.ErrInternalError,
					fmt.Sprintf("scheduler stalled with pending nodes %v", r.pending))
			}
			return nil
		}

		var err error
		if len(batch) == 1 {
			err = r.runSingle(ctx, batch[0])
		} else {
			err = r.runParallel(ctx, batch)
		}
		if err != nil {
			return err
		}
	}
}

// nextBatch pops the first pending group with ready members. Members that
// still wait on a join stay pending in place.
func (r *run) nextBatch() []string {
	if len(r.pending) == 0 {
		return nil
	}
	live := r.live()
	for i, group := range r.pending {
		var ready, waiting []string
		for _, n := range group {
			if r.ready(n, live) {
				ready = append(ready, n)
			} else {
				waiting = append(waiting, n)
			}
		}
		if len(ready) == 0 {
			continue
		}
		if len(waiting) > 0 {
			r.pending[i] = waiting
		} else {
			r.pending = slices.Delete(r.pending, i, i+1)
		}
		for _, n := range ready {
			delete(r.activated, n)
		}
		return ready
	}
	return nil
}

// live returns the nodes that may still run: pending nodes and everything
// reachable from them over forward edges.
func (r *run) live() map[string]bool {
	var roots []string
	for _, g := range r.pending {
		roots = append(roots, g...)
	}
	return r.wf.reachable(roots...)
}

// ready reports whether every sequential or parallel predecessor of n has
// completed or can no longer run.
func (r *run) ready(n string, live map[string]bool) bool {
	for _, p := range r.wf.joinPreds[n] {
		if !r.completed[p] && live[p] {
			return false
		}
	}
	return true
}

func (r *run) runSingle(ctx context.Context, name string) error {
	node := r.wf.nodes[name]
	nc := r.nodeContext(name, r.state.Clone())

	res, inv := r.invoke(ctx, node, nc)
	if inv.err != nil {
		return inv.err
	}
	r.complete(node, res, inv)
	r.recordUndo(node, res)
	if err := r.advance(ctx, name, res); err != nil {
		return err
	}
	return r.checkpoint(ctx, name)
}

// runParallel runs a fan-out batch against one shared snapshot and merges the
// patches afterwards in declaration order.
func (r *run) runParallel(ctx context.Context, batch []string) error {
	snapshot := r.state.Clone()
	ncs := make([]*NodeContext, len(batch))
	for i, name := range batch {
		ncs[i] = r.nodeContext(name, snapshot.Clone())
	}

	results := make([]*NodeResult, len(batch))
	invs := make([]invocation, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	if r.opts.MaxConcurrency > 0 {
		g.SetLimit(r.opts.MaxConcurrency)
	}
	for i, name := range batch {
		g.Go(func() error {
			res, inv := r.invoke(gctx, r.wf.nodes[name], ncs[i])
			results[i], invs[i] = res, inv
			return inv.err
		})
	}
	runErr := g.Wait()

	// 状态按声明顺序合并，补偿按完成顺序登记
	var done []int
	for i, name := range batch {
		if invs[i].err == nil && results[i] != nil {
			r.complete(r.wf.nodes[name], results[i], invs[i])
			done = append(done, i)
		}
	}
	slices.SortStableFunc(done, func(a, b int) int {
		return invs[a].finished.Compare(invs[b].finished)
	})
	for _, i := range done {
		r.recordUndo(r.wf.nodes[batch[i]], results[i])
	}
	if runErr != nil {
		return runErr
	}

	for i, name := range batch {
		if err := r.advance(ctx, name, results[i]); err != nil {
			return err
		}
	}
	return r.checkpoint(ctx, batch...)
}

func (r *run) nodeContext(name string, snapshot State) *NodeContext {
	r.step++
	return &NodeContext{
		State:        snapshot,
		Input:        r.inputFor(name),
		NodeID:       name,
		WorkflowID:   r.id,
		WorkflowName: r.wf.name,
		Step:         r.step,
		Iteration:    r.iteration[name],
		progress: func(fraction float64) {
			r.notify.progress(name, fraction)
		},
	}
}

func (r *run) inputFor(name string) any {
	in := r.inputs[name]
	switch len(in) {
	case 0:
		return nil
	case 1:
		for _, v := range in {
			return v
		}
	}
	return maps.Clone(in)
}

func (r *run) complete(node *Node, res *NodeResult, inv invocation) {
	r.completed[node.Name] = true
	r.state.Merge(res.StatePatch)

	prev := r.results[node.Name]
	r.results[node.Name] = NodeOutcome{
		Output:      res.Output,
		Duration:    inv.finished.Sub(inv.started),
		StartedAt:   inv.started,
		CompletedAt: inv.finished,
		Visits:      prev.Visits + 1,
	}
}

func (r *run) recordUndo(node *Node, res *NodeResult) {
	if node.Undo != nil && r.opts.Compensation != nil {
		r.opts.Compensation.Record(node.Name, res.Output, node.Undo)
	}
}

// advance activates successors of a completed node.
func (r *run) advance(ctx context.Context, name string, res *NodeResult) error {
	output := res.Output

	if len(res.Next) > 0 {
		for _, t := range res.Next {
			if _, ok := r.wf.nodes[t]; !ok {
				return &InvalidTransitionError{From: name, Target: t, Reason: "next names an unknown node"}
			}
			if t == name || r.completed[t] {
				return &InvalidTransitionError{From: name, Target: t, Reason: "next names a completed node"}
			}
		}
		for _, t := range res.Next {
			r.follow(name, output, t)
		}
		return nil
	}

	edges := r.wf.outgoing[name]
	for _, idx := range edges {
		e := r.wf.edges[idx]
		if e.Kind != EdgeLoop {
			continue
		}
		again, err := e.Predicate(ctx, r.state.Clone())
		if err != nil {
			return fmt.Errorf("loop predicate on %s: %w", name, err)
		}
		if again {
			return r.reenter(e, output)
		}
	}

	for _, idx := range edges {
		e := r.wf.edges[idx]
		switch e.Kind {
		case EdgeSequential:
			r.follow(name, output, e.To)
		case EdgeParallel:
			r.follow(name, output, e.Targets...)
		case EdgeConditional:
			targets, err := e.Route(ctx, r.state.Clone())
			if err != nil {
				return fmt.Errorf("route from %s: %w", name, err)
			}
			for _, t := range targets {
				if !slices.Contains(e.Targets, t) {
					return &InvalidTransitionError{
						From:     name,
						Target:   t,
						Declared: slices.Clone(e.Targets),
						Reason:   "target is not declared on the conditional edge",
					}
				}
			}
			for _, t := range targets {
				r.follow(name, output, t)
			}
		case EdgeLoop:
			r.follow(name, output, e.Exit)
		}
	}
	return nil
}

// follow activates targets as one group; a parallel edge passes all of them.
func (r *run) follow(from string, output any, targets ...string) {
	group := make([]string, 0, len(targets))
	for _, t := range targets {
		if r.completed[t] {
			r.logger.Warn("skipping activation of completed node",
				zap.String("from", from),
				zap.String("node", t),
			)
			continue
		}
		if r.inputs[t] == nil {
			r.inputs[t] = make(map[string]any)
		}
		r.inputs[t][from] = output
		group = append(group, t)
	}
	r.pushGroup(group)
}

func (r *run) pushGroup(group []string) {
	fresh := make([]string, 0, len(group))
	for _, n := range group {
		if r.activated[n] {
			continue
		}
		r.activated[n] = true
		fresh = append(fresh, n)
	}
	if len(fresh) > 0 {
		r.pending = append(r.pending, fresh)
	}
}

// reenter resets the loop body and re-activates its back target.
func (r *run) reenter(e Edge, output any) error {
	limit := r.opts.MaxIterations
	if e.MaxIterations > 0 {
		limit = e.MaxIterations
	}
	count := r.loops[e.key()] + 1
	if count+1 > limit {
		return &LoopIterationLimitExceededError{From: e.From, Back: e.Back, Limit: limit}
	}
	r.loops[e.key()] = count

	body := r.wf.loopBody(e)
	for _, n := range body {
		delete(r.completed, n)
		delete(r.inputs, n)
		r.iteration[n] = count
	}
	r.dropPending(body)

	r.logger.Debug("loop re-entered",
		zap.String("from", e.From),
		zap.String("back", e.Back),
		zap.Int("iteration", count),
	)

	r.inputs[e.Back] = map[string]any{e.From: output}
	r.pushGroup([]string{e.Back})
	return nil
}

func (r *run) dropPending(names []string) {
	out := r.pending[:0]
	for _, g := range r.pending {
		g = slices.DeleteFunc(g, func(n string) bool { return slices.Contains(names, n) })
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	r.pending = out
	for _, n := range names {
		delete(r.activated, n)
	}
}

func (r *run) invoke(ctx context.Context, node *Node, nc *NodeContext) (*NodeResult, invocation) {
	inv := invocation{started: r.e.now()}
	ctx, span := r.e.inst.startNode(ctx, r.wf.name, node.Name, nc.Step)
	r.notify.start(node.Name)

	res, err := r.call(ctx, node, nc, &inv.attempts)
	inv.finished = r.e.now()
	duration := inv.finished.Sub(inv.started)
	r.e.inst.endNode(ctx, span, r.wf.name, node.Name, inv.attempts, duration, err)

	if err != nil {
		inv.err = &NodeExecutionError{Node: node.Name, Attempts: inv.attempts, Err: err}
		r.logger.Error("node execution failed",
			zap.String("node", node.Name),
			zap.Int("attempts", inv.attempts),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		r.notify.fail(node.Name, inv.err)
		r.deadLetter(ctx, node, nc, err, inv.attempts)
		return nil, inv
	}

	r.logger.Debug("node completed",
		zap.String("node", node.Name),
		zap.Int("step", nc.Step),
		zap.Duration("duration", duration),
	)
	r.notify.complete(node.Name, res.Output, duration)
	return res, inv
}

// call applies the node policy: idempotency, then retries around rate limit,
// circuit breaker and per-attempt timeout.
func (r *run) call(ctx context.Context, node *Node, nc *NodeContext, attempts *int) (*NodeResult, error) {
	cfg := node.Config
	// 熔断器按需启用：只有声明了 BreakerKey 的节点才共享熔断状态
	var breaker *circuitbreaker.Breaker
	if cfg.BreakerKey != "" {
		breaker = r.e.breakers.Get(cfg.BreakerKey)
	}

	attempt := func(ctx context.Context) (*NodeResult, error) {
		*attempts++
		nc.Attempt = *attempts
		if cfg.RateLimiter != nil {
			if err := cfg.RateLimiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}
		if breaker == nil {
			return r.callStep(ctx, node, nc)
		}
		return circuitbreaker.CallTyped(breaker, ctx, func(ctx context.Context) (*NodeResult, error) {
			return r.callStep(ctx, node, nc)
		})
	}

	guarded := attempt
	if cfg.Retries > 0 {
		retryer := retry.NewRetryer(&retry.Policy{
			MaxRetries: cfg.Retries,
			BaseDelay:  cfg.RetryDelay,
			Backoff:    cfg.Backoff,
			Factor:     2,
			Jitter:     cfg.Jitter,
			RetryIf:    r.e.retryPredicate,
			OnRetry: func(info retry.AttemptInfo) {
				r.notify.retry(node.Name, info)
			},
		}, r.logger.With(zap.String("node", node.Name)))
		guarded = func(ctx context.Context) (*NodeResult, error) {
			return retry.DoTyped(retryer, ctx, attempt)
		}
	}

	if cfg.IdempotencyKey == nil || r.e.idempotency == nil {
		return guarded(ctx)
	}

	key := r.wf.name + ":" + node.Name + ":" + cfg.IdempotencyKey(nc)
	res, cached, err := idempotency.Execute(ctx, r.e.idempotency, key, cfg.IdempotencyTTL, guarded)
	if err != nil {
		if res == nil {
			return nil, err
		}
		// 步骤已成功，仅结果未能写入幂等存储
		r.logger.Warn("idempotent result not stored",
			zap.String("node", node.Name),
			zap.String("key", key),
			zap.Error(err),
		)
	}
	if cached {
		r.logger.Debug("idempotent node result reused",
			zap.String("node", node.Name),
			zap.String("key", key),
		)
		if res == nil {
			res = &NodeResult{}
		}
	}
	return res, nil
}

func (r *run) callStep(ctx context.Context, node *Node, nc *NodeContext) (res *NodeResult, err error) {
	if node.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Config.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("step panicked: %v", p)
		}
	}()

	res, err = node.Step(ctx, nc)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &NodeResult{}
	}
	return res, nil
}

func (r *run) deadLetter(ctx context.Context, node *Node, nc *NodeContext, cause error, attempts int) {
	if r.e.deadLetters == nil || ctx.Err() != nil {
		return
	}
	source := dlq.Source{Workflow: r.wf.name, WorkflowID: r.id, Node: node.Name}
	payload := map[string]any{
		"input": nc.Input,
		"state": nc.State,
		"step":  nc.Step,
	}
	entry, err := dlq.NewEntry(source, payload, cause, attempts)
	if err != nil {
		r.logger.Warn("dead letter payload not serializable, storing error only",
			zap.String("node", node.Name),
			zap.Error(err),
		)
		entry, _ = dlq.NewEntry(source, nil, cause, attempts)
	}
	entry.Metadata = map[string]string{"kind": "node"}

	if err := r.e.deadLetters.Enqueue(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("failed to enqueue dead letter",
			zap.String("node", node.Name),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("node moved to dead letter queue",
		zap.String("node", node.Name),
		zap.String("entry_id", entry.ID),
	)
}

func (r *run) checkpoint(ctx context.Context, nodes ...string) error {
	if !r.opts.Checkpoint && !slices.ContainsFunc(nodes, func(n string) bool { return r.checkpointAfter[n] }) {
		return nil
	}
	r.version++
	cp := r.snapshot()
	if err := r.e.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	r.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", cp.ID),
		zap.Int("version", cp.Version),
	)
	return nil
}

func (r *run) snapshot() *Checkpoint {
	cp := &Checkpoint{
		ID:           r.checkpointID,
		Version:      r.version,
		WorkflowID:   r.id,
		WorkflowName: r.wf.name,
		State:        r.state.Clone(),
		Inputs:       make(map[string]map[string]any, len(r.inputs)),
		NodeResults:  maps.Clone(r.results),
		LoopCounters: maps.Clone(r.loops),
		Iterations:   maps.Clone(r.iteration),
		Step:         r.step,
		Timestamp:    r.e.now(),
	}
	for _, n := range r.wf.order {
		if r.completed[n] {
			cp.CompletedNodes = append(cp.CompletedNodes, n)
		}
	}
	for _, g := range r.pending {
		cp.Activated = append(cp.Activated, slices.Clone(g))
	}
	for k, v := range r.inputs {
		cp.Inputs[k] = maps.Clone(v)
	}
	return cp
}

func (r *run) restore(cp *Checkpoint) error {
	unknown := func(n string) error {
		return types.NewError(types.ErrCheckpointMismatch,
			fmt.Sprintf("checkpoint %s references unknown node %q", cp.ID, n))
	}

	r.state = cp.State.Clone()
	for _, n := range cp.CompletedNodes {
		if r.wf.nodes[n] == nil {
			return unknown(n)
		}
		r.completed[n] = true
	}
	for _, g := range cp.Activated {
		for _, n := range g {
			if r.wf.nodes[n] == nil {
				return unknown(n)
			}
		}
		r.pushGroup(g)
	}
	for k, v := range cp.Inputs {
		r.inputs[k] = maps.Clone(v)
	}
	if cp.NodeResults != nil {
		r.results = maps.Clone(cp.NodeResults)
	}
	r.restoreCompensation()
	if cp.LoopCounters != nil {
		r.loops = maps.Clone(cp.LoopCounters)
	}
	if cp.Iterations != nil {
		r.iteration = maps.Clone(cp.Iterations)
	}
	r.step = cp.Step
	return nil
}

// restoreCompensation re-records undo steps of nodes that completed before the
// checkpoint, oldest first, so a failure after resume rolls them back too.
func (r *run) restoreCompensation() {
	if r.opts.Compensation == nil {
		return
	}
	names := make([]string, 0, len(r.results))
	for n := range r.results {
		if r.wf.nodes[n] != nil && r.wf.nodes[n].Undo != nil {
			names = append(names, n)
		}
	}
	slices.SortFunc(names, func(a, b string) int {
		if c := r.results[a].CompletedAt.Compare(r.results[b].CompletedAt); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	for _, n := range names {
		node := r.wf.nodes[n]
		r.opts.Compensation.Record(n, r.results[n].Output, node.Undo)
	}
}
