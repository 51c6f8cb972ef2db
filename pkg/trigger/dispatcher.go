package trigger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/workflow"
)

// Submitter starts workflow runs. *workflow.Engine satisfies it.
type Submitter interface {
	SubmitRun(ctx context.Context, req workflow.RunRequest) (string, error)
}

var _ Submitter = (*workflow.Engine)(nil)

// Dispatcher drains a Queue into a Submitter.
type Dispatcher struct {
	queue  *Queue
	runs   Submitter
	logger *slog.Logger
	// OnSubmit, when set, observes every submission attempt.
	OnSubmit func(t *Trigger, runID string, err error)
}

// NewDispatcher creates a dispatcher over q.
func NewDispatcher(q *Queue, runs Submitter) *Dispatcher {
	return &Dispatcher{
		queue:  q,
		runs:   runs,
		logger: slog.Default().With("component", "trigger"),
	}
}

// Fire queues an event payload to run as soon as possible.
func (d *Dispatcher) Fire(wf *workflow.Workflow, input map[string]any) (string, error) {
	t := &Trigger{
		ID:       uuid.NewString(),
		Workflow: wf,
		Input:    input,
		FireAt:   d.queue.now(),
	}
	if err := d.queue.Schedule(t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// Run dispatches triggers until ctx is done or the queue is closed and
// drained. A failed submission is logged and does not stop the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		t, err := d.queue.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		runID, err := d.runs.SubmitRun(ctx, workflow.RunRequest{
			Workflow: t.Workflow,
			Input:    t.Input,
			Mode:     t.Mode,
		})
		if err != nil {
			d.logger.Warn("trigger submission failed",
				"trigger_id", t.ID, "workflow_id", t.workflowID(), "error", err)
		} else {
			d.logger.Info("trigger fired",
				"trigger_id", t.ID, "workflow_id", t.workflowID(), "run_id", runID)
		}
		if d.OnSubmit != nil {
			d.OnSubmit(t, runID, err)
		}

		if t.Interval > 0 {
			d.rearm(t)
		}
	}
}

func (d *Dispatcher) rearm(t *Trigger) {
	next := *t
	next.FireAt = t.FireAt.Add(t.Interval)
	// A dispatcher that fell behind skips missed ticks instead of bursting.
	if now := d.queue.now(); next.FireAt.Before(now) {
		missed := now.Sub(next.FireAt)/t.Interval + 1
		next.FireAt = next.FireAt.Add(time.Duration(missed) * t.Interval)
	}
	if err := d.queue.Schedule(&next); err != nil && !errors.Is(err, ErrClosed) {
		d.logger.Warn("failed to re-arm trigger", "trigger_id", t.ID, "error", err)
	}
}
