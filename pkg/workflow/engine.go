package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/judgment"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/observability"
)

// Judger evaluates decision scripts for judge nodes.
type Judger interface {
	Judge(ctx context.Context, req judgment.Request) (contracts.Verdict, error)
}

// Rollout is the part of the rollout controller that deploy and rollback
// nodes drive.
type Rollout interface {
	StartCanary(ctx context.Context, scriptID, version string, plan contracts.CanaryPlan) (contracts.RolloutState, error)
	Rollback(ctx context.Context, scriptID, target string) (contracts.RolloutState, error)
}

// Clock provides time for trace timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Config bounds the engine.
type Config struct {
	// WorkerPoolSize bounds the parallel branches running across all runs.
	WorkerPoolSize int
	// RunTimeout cancels a whole run. Zero disables it.
	RunTimeout time.Duration
	// MaxLoopIterations is the hard ceiling for every loop node.
	MaxLoopIterations int
}

// DefaultConfig returns production limits.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:    16,
		RunTimeout:        10 * time.Minute,
		MaxLoopIterations: 100,
	}
}

// RunRequest submits a workflow.
type RunRequest struct {
	Workflow *Workflow
	Input    map[string]any
	Mode     contracts.RunMode
}

// Engine executes workflows. It is the only scheduler: sequential nodes run
// on the run's goroutine and parallel branches draw from a shared pool.
type Engine struct {
	cfg     Config
	actions *Registry
	store   TraceStore
	judge   Judger
	rollout Rollout
	pool    *semaphore.Weighted
	obs     *observability.Provider
	clock   Clock
	logger  *slog.Logger

	mu   sync.Mutex
	live map[string]*run
	wg   sync.WaitGroup
}

// NewEngine creates an engine. A nil store keeps traces in memory.
func NewEngine(cfg Config, actions *Registry, store TraceStore) *Engine {
	def := DefaultConfig()
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = def.WorkerPoolSize
	}
	if cfg.MaxLoopIterations <= 0 {
		cfg.MaxLoopIterations = def.MaxLoopIterations
	}
	if cfg.RunTimeout < 0 {
		cfg.RunTimeout = 0
	}
	if actions == nil {
		actions = NewRegistry()
	}
	if store == nil {
		store = NewMemoryTraceStore()
	}
	return &Engine{
		cfg:     cfg,
		actions: actions,
		store:   store,
		pool:    semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		clock:   wallClock{},
		logger:  slog.Default().With("component", "workflow"),
		live:    make(map[string]*run),
	}
}

// SetJudge wires the judgment service used by judge nodes.
func (e *Engine) SetJudge(j Judger) { e.judge = j }

// SetRollout wires the rollout controller used by deploy and rollback nodes.
func (e *Engine) SetRollout(r Rollout) { e.rollout = r }

// SetObservability attaches telemetry.
func (e *Engine) SetObservability(p *observability.Provider) { e.obs = p }

// SetClock overrides the clock.
func (e *Engine) SetClock(c Clock) {
	if c != nil {
		e.clock = c
	}
}

// Actions returns the action registry.
func (e *Engine) Actions() *Registry { return e.actions }

// SubmitRun starts req asynchronously and returns its run id. The run is
// detached from ctx's cancellation; use CancelRun to stop it.
func (e *Engine) SubmitRun(ctx context.Context, req RunRequest) (string, error) {
	r, err := e.start(ctx, context.WithoutCancel(ctx), req)
	if err != nil {
		return "", err
	}
	return r.id, nil
}

// Execute runs req to completion and returns its trace. Cancelling ctx
// cancels the run.
func (e *Engine) Execute(ctx context.Context, req RunRequest) (contracts.ExecutionTrace, error) {
	r, err := e.start(ctx, ctx, req)
	if err != nil {
		return contracts.ExecutionTrace{}, err
	}
	<-r.done
	return e.store.GetTrace(context.WithoutCancel(ctx), r.id)
}

// Wait blocks until runID is terminal and returns its trace.
func (e *Engine) Wait(ctx context.Context, runID string) (contracts.ExecutionTrace, error) {
	e.mu.Lock()
	r, ok := e.live[runID]
	e.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return contracts.ExecutionTrace{}, contracts.WrapError(contracts.KindCancelled, "wait cancelled", ctx.Err())
		}
	}
	return e.store.GetTrace(ctx, runID)
}

// GetTrace returns the trace of runID, live or finished.
func (e *Engine) GetTrace(ctx context.Context, runID string) (contracts.ExecutionTrace, error) {
	e.mu.Lock()
	r, ok := e.live[runID]
	e.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	return e.store.GetTrace(ctx, runID)
}

// CancelRun cancels a live run. Completed external side effects are not
// undone.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	r, ok := e.live[runID]
	e.mu.Unlock()
	if ok {
		r.cancel(errRunCancelled)
		return nil
	}
	tr, err := e.store.GetTrace(ctx, runID)
	if err != nil {
		return err
	}
	return contracts.NewError(contracts.KindInvalid, "run_terminal",
		fmt.Sprintf("run %s already %s", runID, tr.Status))
}

// Shutdown cancels every live run and waits for them to finish recording.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, r := range e.live {
		r.cancel(errEngineShutdown)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	errRunCancelled   = errors.New("run cancelled")
	errEngineShutdown = errors.New("engine shutting down")
	errRunTimeout     = errors.New("run timeout exceeded")
)

func (e *Engine) start(ctx, parent context.Context, req RunRequest) (*run, error) {
	if req.Workflow == nil {
		return nil, contracts.NewError(contracts.KindInvalid, "missing_workflow", "workflow is required")
	}
	if err := Validate(req.Workflow); err != nil {
		return nil, err
	}
	mode := req.Mode
	switch mode {
	case "":
		mode = contracts.ModeReal
	case contracts.ModeReal, contracts.ModeSimulate:
	default:
		return nil, contracts.NewError(contracts.KindInvalid, "invalid_mode", fmt.Sprintf("unknown run mode %q", mode))
	}

	runCtx, cancel := context.WithCancelCause(parent)
	if e.cfg.RunTimeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, e.cfg.RunTimeout, errRunTimeout)
		inner := cancel
		cancel = func(cause error) {
			inner(cause)
			stop()
		}
	}

	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	r := &run{
		id:     uuid.NewString(),
		engine: e,
		wf:     req.Workflow,
		mode:   mode,
		scope:  NewScope(map[string]any{"input": input}),
		cancel: cancel,
		done:   make(chan struct{}),
		trace: contracts.ExecutionTrace{
			WorkflowID: req.Workflow.ID,
			Mode:       mode,
			Status:     contracts.RunPending,
			StartedAt:  e.clock.Now().UTC(),
			Events:     []contracts.TraceEvent{},
		},
	}
	r.trace.RunID = r.id

	if err := e.store.CreateRun(ctx, r.trace); err != nil {
		cancel(nil)
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	e.mu.Lock()
	e.live[r.id] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(runCtx, r)
	}()
	return r, nil
}

func (e *Engine) execute(ctx context.Context, r *run) {
	defer func() {
		e.mu.Lock()
		delete(e.live, r.id)
		e.mu.Unlock()
		r.cancel(nil)
		close(r.done)
	}()

	ctx, done := e.obs.TrackOperation(ctx, "workflow.run",
		attribute.String("workflow_id", r.wf.ID),
		attribute.String("mode", string(r.mode)))

	r.setStatus(contracts.RunRunning)
	e.persistHeader(ctx, r)
	e.logger.Info("run started", "run_id", r.id, "workflow", r.wf.ID, "mode", r.mode)

	root := &frame{r: r, scope: r.scope, iteration: -1}
	err := root.sequence(ctx, r.wf.Nodes)
	if err != nil && isCancellation(ctx, err) {
		err = cancellation(ctx)
	}
	done(err)

	r.finish(e.clock.Now().UTC(), err)
	e.persistHeader(context.WithoutCancel(ctx), r)

	tr := r.snapshot()
	if err != nil {
		e.logger.Warn("run ended", "run_id", r.id, "status", tr.Status,
			"failed_node", tr.FailedNode, "kind", tr.FailureKind, "error", err)
	} else {
		e.logger.Info("run completed", "run_id", r.id, "events", len(tr.Events))
	}
}

func (e *Engine) persistHeader(ctx context.Context, r *run) {
	if err := e.store.UpdateRun(ctx, r.snapshot()); err != nil {
		e.logger.Error("failed to persist run header", "run_id", r.id, "error", err)
	}
}

// run is the mutable state of one execution.
type run struct {
	id     string
	engine *Engine
	wf     *Workflow
	mode   contracts.RunMode
	scope  *Scope
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu    sync.Mutex
	seq   int
	trace contracts.ExecutionTrace
}

func (r *run) simulated() bool { return r.mode == contracts.ModeSimulate }

func (r *run) setStatus(s contracts.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace.Status = s
}

// record appends ev to the trace and the store. Events are stored in
// sequence order.
func (r *run) record(ctx context.Context, ev contracts.TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.Seq = r.seq
	ev.RunID = r.id
	r.trace.Events = append(r.trace.Events, ev)
	if err := r.engine.store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		r.engine.logger.Error("failed to append trace event", "run_id", r.id, "node", ev.NodeID, "error", err)
	}
}

func (r *run) finish(at time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace.CompletedAt = &at
	switch {
	case err == nil:
		r.trace.Status = contracts.RunCompleted
		return
	case contracts.KindOf(err) == contracts.KindCancelled:
		r.trace.Status = contracts.RunCancelled
	default:
		r.trace.Status = contracts.RunFailed
	}
	r.trace.Error = err.Error()
	if o := origin(err); o != nil {
		r.trace.FailedNode = o.NodeID
		r.trace.FailureKind = o.Kind
	} else {
		r.trace.FailureKind = contracts.KindOf(err)
	}
}

func (r *run) snapshot() contracts.ExecutionTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.trace
	out.Events = append([]contracts.TraceEvent{}, r.trace.Events...)
	return out
}

// origin returns the innermost node-attributed error in err's chain: the
// node where the failure started, not the ancestors it bubbled through.
func origin(err error) *contracts.Error {
	var found *contracts.Error
	for e := err; e != nil; e = errors.Unwrap(e) {
		if ce, ok := e.(*contracts.Error); ok && ce.NodeID != "" {
			found = ce
		}
	}
	return found
}

func isCancellation(ctx context.Context, err error) bool {
	if contracts.KindOf(err) == contracts.KindCancelled {
		return true
	}
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// cancellation describes why ctx ended.
func cancellation(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return contracts.WrapError(contracts.KindCancelled, "cancelled", cause)
}
