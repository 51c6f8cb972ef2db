package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/workflow"
)

var testWorkflow = &workflow.Workflow{ID: "wf"}

func TestQueue_Ordering(t *testing.T) {
	q := NewQueue()
	base := time.Now().Add(-time.Minute)

	require.NoError(t, q.Schedule(&Trigger{ID: "late", Workflow: testWorkflow, FireAt: base.Add(time.Second)}))
	require.NoError(t, q.Schedule(&Trigger{ID: "low", Workflow: testWorkflow, FireAt: base, Priority: 5}))
	require.NoError(t, q.Schedule(&Trigger{ID: "high", Workflow: testWorkflow, FireAt: base, Priority: 1}))
	require.NoError(t, q.Schedule(&Trigger{ID: "tie-b", Workflow: testWorkflow, FireAt: base, Priority: 1, SortKey: "zz"}))
	assert.Equal(t, 4, q.Len())

	ctx := context.Background()
	var got []string
	for q.Len() > 0 {
		tr, err := q.Next(ctx)
		require.NoError(t, err)
		got = append(got, tr.ID)
	}
	assert.Equal(t, []string{"high", "tie-b", "low", "late"}, got)
}

func TestQueue_SameKeyFallsBackToSequence(t *testing.T) {
	q := NewQueue()
	at := time.Now().Add(-time.Second)
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, q.Schedule(&Trigger{ID: id, Workflow: testWorkflow, FireAt: at, SortKey: "same"}))
	}
	for _, want := range []string{"first", "second", "third"} {
		tr, err := q.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, tr.ID)
	}
}

func TestQueue_NextWaitsUntilDue(t *testing.T) {
	q := NewQueue()
	start := time.Now()
	require.NoError(t, q.Schedule(&Trigger{ID: "soon", Workflow: testWorkflow, FireAt: start.Add(50 * time.Millisecond)}))

	tr, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "soon", tr.ID)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestQueue_EarlierTriggerWakesWaiter(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Schedule(&Trigger{ID: "later", Workflow: testWorkflow, FireAt: time.Now().Add(time.Hour)}))

	got := make(chan string, 1)
	go func() {
		tr, err := q.Next(context.Background())
		if err == nil {
			got <- tr.ID
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Schedule(&Trigger{ID: "now", Workflow: testWorkflow, FireAt: time.Now()}))

	select {
	case id := <-got:
		assert.Equal(t, "now", id)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestQueue_NextHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CloseDrainsPending(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Schedule(&Trigger{ID: "future", Workflow: testWorkflow, FireAt: time.Now().Add(time.Hour)}))
	q.Close()

	assert.ErrorIs(t, q.Schedule(&Trigger{ID: "x", Workflow: testWorkflow}), ErrClosed)

	tr, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "future", tr.ID)

	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_ScheduleRejectsInvalid(t *testing.T) {
	q := NewQueue()
	assert.ErrorIs(t, q.Schedule(&Trigger{ID: "x"}), contracts.ErrInvalid)
	assert.ErrorIs(t, q.Schedule(&Trigger{ID: "x", Workflow: testWorkflow, Interval: -time.Second}), contracts.ErrInvalid)
	assert.Nil(t, q.Peek())
}

func TestQueue_SnapshotHashIgnoresInsertionOrder(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	build := func(ids ...string) *Queue {
		q := NewQueue()
		for _, id := range ids {
			require.NoError(t, q.Schedule(&Trigger{ID: id, Workflow: testWorkflow, FireAt: at}))
		}
		return q
	}

	a := build("one", "two", "three")
	b := build("three", "one", "two")
	assert.Equal(t, a.SnapshotHash(), b.SnapshotHash())
	assert.NotEqual(t, a.SnapshotHash(), build("one", "two").SnapshotHash())
}

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []workflow.RunRequest
	err  error
}

func (s *recordingSubmitter) SubmitRun(_ context.Context, req workflow.RunRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return "", s.err
	}
	return "run-" + req.Workflow.ID, nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func TestDispatcher_FireAndDrain(t *testing.T) {
	q := NewQueue()
	sub := &recordingSubmitter{}
	d := NewDispatcher(q, sub)

	var runIDs []string
	d.OnSubmit = func(_ *Trigger, runID string, err error) {
		require.NoError(t, err)
		runIDs = append(runIDs, runID)
	}

	id, err := d.Fire(testWorkflow, map[string]any{"line": "L1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	q.Close()

	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, 1, sub.count())
	assert.Equal(t, map[string]any{"line": "L1"}, sub.reqs[0].Input)
	assert.Equal(t, []string{"run-wf"}, runIDs)
}

func TestDispatcher_RecurringTriggerRearms(t *testing.T) {
	q := NewQueue()
	sub := &recordingSubmitter{}
	d := NewDispatcher(q, sub)
	require.NoError(t, q.Schedule(&Trigger{
		ID:       "tick",
		Workflow: testWorkflow,
		Mode:     contracts.ModeSimulate,
		FireAt:   time.Now(),
		Interval: 10 * time.Millisecond,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return sub.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, contracts.ModeSimulate, sub.reqs[0].Mode)
}

func TestDispatcher_SubmissionFailureKeepsRunning(t *testing.T) {
	q := NewQueue()
	sub := &recordingSubmitter{err: errors.New("engine shutting down")}
	d := NewDispatcher(q, sub)

	var failures int
	d.OnSubmit = func(_ *Trigger, _ string, err error) {
		if err != nil {
			failures++
		}
	}
	_, err := d.Fire(testWorkflow, nil)
	require.NoError(t, err)
	_, err = d.Fire(testWorkflow, nil)
	require.NoError(t, err)
	q.Close()

	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, 2, failures)
}

func TestDispatcher_SubmitsToEngine(t *testing.T) {
	engine := workflow.NewEngine(workflow.DefaultConfig(), nil, nil)
	q := NewQueue()
	d := NewDispatcher(q, engine)

	var runID string
	d.OnSubmit = func(_ *Trigger, id string, err error) {
		require.NoError(t, err)
		runID = id
	}
	wf := &workflow.Workflow{ID: "pause", Nodes: []workflow.Node{
		&workflow.WaitNode{Base: workflow.Base{ID: "w"}, Duration: time.Millisecond},
	}}
	_, err := d.Fire(wf, nil)
	require.NoError(t, err)
	q.Close()
	require.NoError(t, d.Run(context.Background()))

	trace, err := engine.Wait(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunCompleted, trace.Status)
}
