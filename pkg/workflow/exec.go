package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/judgment"
)

// frame is one position in the tree: the parent whose children are running
// and the scope they see.
type frame struct {
	r      *run
	scope  *Scope
	parent string
	// iteration is the enclosing loop index, or -1.
	iteration int
}

var _ visitor = (*frame)(nil)

func (f *frame) under(parent string) *frame {
	return &frame{r: f.r, scope: f.scope, parent: parent, iteration: f.iteration}
}

// sequence runs nodes in order. A required failure stops the sequence and
// the remaining nodes are recorded as skipped, or cancelled when the run is.
func (f *frame) sequence(ctx context.Context, nodes []Node) error {
	for i, n := range nodes {
		if ctx.Err() != nil {
			f.abandon(ctx, nodes[i:], contracts.NodeCancelled, "cancelled")
			return cancellation(ctx)
		}
		err := f.exec(ctx, n)
		if err == nil {
			continue
		}
		if n.Optional() && !isCancellation(ctx, err) {
			continue
		}
		status, reason := contracts.NodeSkipped, fmt.Sprintf("node %s failed", n.NodeID())
		if ctx.Err() != nil {
			status, reason = contracts.NodeCancelled, "cancelled"
		}
		f.abandon(ctx, nodes[i+1:], status, reason)
		return err
	}
	return nil
}

// exec runs one node and records its terminal event.
func (f *frame) exec(ctx context.Context, n Node) error {
	clock := f.r.engine.clock
	entered := clock.Now()

	spanCtx, span := f.r.engine.obs.StartSpan(ctx, "workflow.node."+string(n.Kind()),
		trace.WithAttributes(attribute.String("node_id", n.NodeID())))
	res, err := n.accept(spanCtx, f)
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	ev := contracts.TraceEvent{
		NodeID:    n.NodeID(),
		Kind:      string(n.Kind()),
		ParentID:  f.parent,
		EnteredAt: entered.UTC(),
		Duration:  clock.Now().Sub(entered),
		Outcome:   contracts.NodeSucceeded,
		Detail:    res.detail,
		Simulated: res.simulated,
	}
	if f.iteration >= 0 {
		if ev.Detail == nil {
			ev.Detail = map[string]any{}
		}
		ev.Detail["loop_index"] = f.iteration
	}
	if err != nil {
		if isCancellation(ctx, err) {
			ev.Outcome = contracts.NodeCancelled
			if contracts.KindOf(err) != contracts.KindCancelled {
				err = cancellation(ctx)
			}
		} else {
			ev.Outcome = contracts.NodeFailed
		}
		err = contracts.WithNode(err, n.NodeID())
		ev.Error = err.Error()
		ev.ErrorKind = contracts.KindOf(err)
	}
	f.r.record(ctx, ev)
	return err
}

// abandon records nodes that will never run, with their descendants.
func (f *frame) abandon(ctx context.Context, nodes []Node, status contracts.NodeStatus, reason string) {
	now := f.r.engine.clock.Now().UTC()
	for _, n := range nodes {
		f.r.record(ctx, contracts.TraceEvent{
			NodeID:    n.NodeID(),
			Kind:      string(n.Kind()),
			ParentID:  f.parent,
			EnteredAt: now,
			Outcome:   status,
			Detail:    map[string]any{"reason": reason},
		})
		if kids := n.Children(); len(kids) > 0 {
			f.under(n.NodeID()).abandon(ctx, kids, status, reason)
		}
	}
}

func (f *frame) condition(ctx context.Context, n *ConditionNode) (result, error) {
	ok, err := n.When.Eval(f.scope)
	if err != nil {
		return result{}, err
	}
	taken, other, label := n.Then, n.Else, "then"
	if !ok {
		taken, other, label = n.Else, n.Then, "else"
	}
	res := result{detail: map[string]any{"branch": label, "field": n.When.Field}}

	c := f.under(n.ID)
	c.abandon(ctx, other, contracts.NodeSkipped, "branch not taken")
	return res, c.sequence(ctx, taken)
}

func (f *frame) switchCase(ctx context.Context, n *SwitchNode) (result, error) {
	got, _ := f.scope.Lookup(n.Field)
	chosen := -1
	for i, c := range n.Cases {
		want, err := render(c.Value, f.scope)
		if err != nil {
			return result{}, err
		}
		if equal(got, want) {
			chosen = i
			break
		}
	}

	res := result{detail: map[string]any{"field": n.Field, "case": "default"}}
	taken := n.Default
	if chosen >= 0 {
		res.detail["case"] = chosen
		taken = n.Cases[chosen].Nodes
	}

	c := f.under(n.ID)
	for i, cs := range n.Cases {
		if i != chosen {
			c.abandon(ctx, cs.Nodes, contracts.NodeSkipped, "case not taken")
		}
	}
	if chosen >= 0 {
		c.abandon(ctx, n.Default, contracts.NodeSkipped, "case not taken")
	}
	return res, c.sequence(ctx, taken)
}

func (f *frame) loop(ctx context.Context, n *LoopNode) (result, error) {
	limit := f.r.engine.cfg.MaxLoopIterations
	if n.MaxIterations > 0 && n.MaxIterations < limit {
		limit = n.MaxIterations
	}
	res := result{detail: map[string]any{"iterations": 0, "limit": limit}}

	for i := 0; ; i++ {
		if n.Count > 0 && i >= n.Count {
			return res, nil
		}
		if i >= limit {
			return res, contracts.NewError(contracts.KindLoopOverrun, "iteration_ceiling",
				fmt.Sprintf("loop %s did not finish within %d iterations", n.ID, limit))
		}
		if ctx.Err() != nil {
			return res, cancellation(ctx)
		}

		body := &frame{
			r:         f.r,
			scope:     f.scope.child(map[string]any{"loop": map[string]any{"index": i, "iteration": i + 1}}),
			parent:    n.ID,
			iteration: i,
		}
		err := body.sequence(ctx, n.Body)
		res.detail["iterations"] = i + 1
		if err != nil {
			return res, err
		}
		if n.Until != nil {
			done, err := n.Until.Eval(body.scope)
			if err != nil {
				return res, err
			}
			if done {
				return res, nil
			}
		}
	}
}

func (f *frame) parallel(ctx context.Context, n *ParallelNode) (result, error) {
	g, gctx := errgroup.WithContext(ctx)
	// bctx also ends when a branch run inline fails, before the next
	// sibling is started.
	bctx, stop := context.WithCancelCause(gctx)
	defer stop(nil)
	pool := f.r.engine.pool

	var mu sync.Mutex
	statuses := make(map[string]any, len(n.Branches))
	var failed []string
	var cause error
	track := func(id string, status contracts.NodeStatus, err error) {
		mu.Lock()
		defer mu.Unlock()
		statuses[id] = string(status)
		if status == contracts.NodeFailed {
			failed = append(failed, id)
			if cause == nil {
				cause = err
			}
		}
	}

	for _, b := range n.Branches {
		if pool.TryAcquire(1) {
			g.Go(func() error {
				defer pool.Release(1)
				status, err := f.branch(bctx, n, b)
				track(b.ID, status, err)
				return err
			})
			continue
		}
		// Pool saturated: the branch runs on this goroutine, which already
		// holds a slot or is the run's own thread.
		status, err := f.branch(bctx, n, b)
		track(b.ID, status, err)
		if err != nil {
			stop(err)
			g.Go(func() error { return err })
		}
	}

	err := g.Wait()
	res := result{detail: map[string]any{"branches": statuses}}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, cancellation(ctx)
	}
	if cause != nil {
		err = cause
	}
	return res, &contracts.Error{
		Kind:    contracts.KindParallelChildFailure,
		Code:    "child_failed",
		Message: fmt.Sprintf("branch %s failed", strings.Join(failed, ", ")),
		NodeID:  n.ID,
		Err:     err,
	}
}

// branch runs one parallel branch and records its terminal event.
func (f *frame) branch(ctx context.Context, n *ParallelNode, b Branch) (contracts.NodeStatus, error) {
	clock := f.r.engine.clock
	entered := clock.Now()
	c := f.under(b.ID)

	ev := contracts.TraceEvent{
		NodeID:    b.ID,
		Kind:      kindBranch,
		ParentID:  n.ID,
		EnteredAt: entered.UTC(),
		Outcome:   contracts.NodeSucceeded,
	}
	if f.iteration >= 0 {
		ev.Detail = map[string]any{"loop_index": f.iteration}
	}

	var err error
	if ctx.Err() != nil {
		c.abandon(ctx, b.Nodes, contracts.NodeCancelled, "cancelled before start")
		err = cancellation(ctx)
	} else {
		err = c.sequence(ctx, b.Nodes)
	}

	ev.Duration = clock.Now().Sub(entered)
	if err != nil {
		ev.Outcome = contracts.NodeFailed
		if isCancellation(ctx, err) {
			ev.Outcome = contracts.NodeCancelled
		}
		ev.Error = err.Error()
		ev.ErrorKind = contracts.KindOf(err)
	}
	f.r.record(ctx, ev)
	return ev.Outcome, err
}

func (f *frame) action(ctx context.Context, n *ActionNode) (result, error) {
	ra, err := f.r.engine.actions.lookup(n.Action)
	if err != nil {
		return result{}, err
	}
	params, err := renderMap(n.Params, f.scope)
	if err != nil {
		return result{}, err
	}
	if err := ra.validate(params); err != nil {
		return result{}, err
	}

	res := result{detail: map[string]any{"action": n.Action}}
	if f.r.simulated() {
		res.simulated = true
		res.detail["params"] = params
		f.bind(n.Bind, map[string]any{"simulated": true})
		return res, nil
	}

	policy := n.Retry.withDefaults()
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = ra.timeout
	}

	attempts := 0
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, ComputeBackoff(f.r.id, n.ID, attempt-1, policy)); err != nil {
				res.detail["attempts"] = attempts
				return res, cancellation(ctx)
			}
		}
		if err := ra.wait(ctx); err != nil {
			if ctx.Err() != nil {
				res.detail["attempts"] = attempts
				return res, cancellation(ctx)
			}
			lastErr = err
			continue
		}

		attempts++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := ra.action.Invoke(callCtx, params)
		cancel()
		if err == nil {
			res.detail["attempts"] = attempts
			f.bind(n.Bind, out)
			return res, nil
		}
		if ctx.Err() != nil {
			res.detail["attempts"] = attempts
			return res, cancellation(ctx)
		}
		lastErr = err
		f.r.engine.logger.Warn("action attempt failed",
			"run_id", f.r.id, "node", n.ID, "action", n.Action, "attempt", attempt, "error", err)
		if contracts.KindOf(err) == contracts.KindInvalid {
			break
		}
	}

	res.detail["attempts"] = attempts
	e := contracts.WrapError(contracts.KindActionExhausted,
		fmt.Sprintf("action %s failed after %d attempt(s)", n.Action, attempts), lastErr)
	e.Code = "retries_exhausted"
	return res, e
}

func (f *frame) deploy(ctx context.Context, n *DeployNode) (result, error) {
	scriptID, err := renderText(n.ScriptID, f.scope)
	if err != nil {
		return result{}, err
	}
	version, err := renderText(n.Version, f.scope)
	if err != nil {
		return result{}, err
	}
	res := result{detail: map[string]any{
		"script_id":        scriptID,
		"version":          version,
		"initial_fraction": n.Plan.InitialFraction,
	}}
	if f.r.simulated() {
		res.simulated = true
		return res, nil
	}

	rc := f.r.engine.rollout
	if rc == nil {
		return res, contracts.NewError(contracts.KindInternal, "rollout_unavailable", "rollout controller is not configured")
	}
	st, err := rc.StartCanary(ctx, scriptID, version, n.Plan)
	if err != nil {
		return res, err
	}
	res.detail["stage"] = string(st.Stage)
	res.detail["canary_traffic_fraction"] = st.CanaryTrafficFraction
	f.scope.Set(n.ID, stateVars(st))
	return res, nil
}

func (f *frame) rollback(ctx context.Context, n *RollbackNode) (result, error) {
	scriptID, err := renderText(n.ScriptID, f.scope)
	if err != nil {
		return result{}, err
	}
	target, err := renderText(n.TargetVersion, f.scope)
	if err != nil {
		return result{}, err
	}
	res := result{detail: map[string]any{"script_id": scriptID, "target_version": target}}
	if f.r.simulated() {
		res.simulated = true
		return res, nil
	}

	rc := f.r.engine.rollout
	if rc == nil {
		return res, contracts.NewError(contracts.KindInternal, "rollout_unavailable", "rollout controller is not configured")
	}
	st, err := rc.Rollback(ctx, scriptID, target)
	if err != nil {
		return res, err
	}
	res.detail["stage"] = string(st.Stage)
	res.detail["active_version"] = st.ActiveVersion
	f.scope.Set(n.ID, stateVars(st))
	return res, nil
}

func (f *frame) judge(ctx context.Context, n *JudgeNode) (result, error) {
	j := f.r.engine.judge
	if j == nil {
		return result{}, contracts.NewError(contracts.KindInternal, "judgment_unavailable", "judgment service is not configured")
	}

	var input map[string]any
	if n.Input != nil {
		rendered, err := renderMap(n.Input, f.scope)
		if err != nil {
			return result{}, err
		}
		input = rendered
	} else if v, ok := f.scope.Lookup("input"); ok {
		input, _ = v.(map[string]any)
	}
	routingKey, err := renderText(n.RoutingKey, f.scope)
	if err != nil {
		return result{}, err
	}

	v, err := j.Judge(ctx, judgment.Request{
		ScriptID:   n.ScriptID,
		Input:      input,
		PolicyID:   n.PolicyID,
		RoutingKey: routingKey,
	})
	if err != nil {
		return result{}, err
	}

	bind := n.Bind
	if bind == "" {
		bind = n.ID
	}
	f.scope.Set(bind, verdictVars(v))
	return result{detail: map[string]any{
		"outcome":        string(v.Outcome),
		"confidence":     v.Confidence,
		"source":         string(v.Source),
		"script_version": v.ScriptVersion,
		"cached":         v.Cached,
		"degraded":       v.Degraded,
	}}, nil
}

func (f *frame) wait(ctx context.Context, n *WaitNode) (result, error) {
	res := result{detail: map[string]any{"duration": n.Duration.String()}}
	if f.r.simulated() {
		res.simulated = true
		return res, nil
	}
	if err := sleep(ctx, n.Duration); err != nil {
		return res, cancellation(ctx)
	}
	return res, nil
}

func (f *frame) bind(name string, out map[string]any) {
	if name == "" {
		return
	}
	if out == nil {
		out = map[string]any{}
	}
	f.scope.Set(name, out)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
