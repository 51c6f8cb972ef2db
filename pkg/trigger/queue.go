// Package trigger feeds workflow runs from scheduled and event payloads.
// Triggers are held in a time-ordered queue whose ordering is fully
// deterministic: fire time, then priority, then a content-derived sort key,
// then insertion sequence.
package trigger

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
	"github.com/mugoori/TriFlow-AI-sub008/pkg/workflow"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = errors.New("trigger queue closed")

// Trigger is one pending run request.
type Trigger struct {
	ID       string             `json:"id"`
	Workflow *workflow.Workflow `json:"-"`
	Input    map[string]any     `json:"input,omitempty"`
	Mode     contracts.RunMode  `json:"mode,omitempty"`
	FireAt   time.Time          `json:"fire_at"`
	// Priority orders triggers due at the same instant; lower fires first.
	Priority int `json:"priority"`
	// Interval re-arms the trigger after it fires. Zero fires once.
	Interval time.Duration `json:"interval,omitempty"`

	SequenceNum uint64 `json:"sequence_num"`
	SortKey     string `json:"sort_key"`
}

func (t *Trigger) workflowID() string {
	if t.Workflow == nil {
		return ""
	}
	return t.Workflow.ID
}

type triggerHeap []*Trigger

func (h triggerHeap) Len() int           { return len(h) }
func (h triggerHeap) Less(i, j int) bool { return compareTriggers(h[i], h[j]) < 0 }
func (h triggerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *triggerHeap) Push(x any) { *h = append(*h, x.(*Trigger)) }

func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Queue is a time-ordered trigger queue.
type Queue struct {
	mu      sync.Mutex
	items   triggerHeap
	nextSeq uint64
	closed  bool
	// wake is closed and replaced whenever the head may have changed.
	wake chan struct{}
	now  func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{nextSeq: 1, wake: make(chan struct{}), now: time.Now}
	heap.Init(&q.items)
	return q
}

// Schedule adds t to the queue.
func (q *Queue) Schedule(t *Trigger) error {
	if t == nil || t.Workflow == nil {
		return contracts.NewError(contracts.KindInvalid, "missing_workflow", "trigger needs a workflow")
	}
	if t.Interval < 0 {
		return contracts.NewError(contracts.KindInvalid, "invalid_interval", "trigger interval must not be negative")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	t.SequenceNum = q.nextSeq
	q.nextSeq++
	if t.SortKey == "" {
		t.SortKey = sortKey(t)
	}
	heap.Push(&q.items, t)
	q.signalLocked()
	return nil
}

// Next blocks until the earliest trigger is due and removes it.
func (q *Queue) Next(ctx context.Context) (*Trigger, error) {
	for {
		q.mu.Lock()
		if q.closed && q.items.Len() == 0 {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		wake := q.wake
		var wait time.Duration = -1
		if q.items.Len() > 0 {
			head := q.items[0]
			wait = head.FireAt.Sub(q.now())
			if wait <= 0 || q.closed {
				t := heap.Pop(&q.items).(*Trigger)
				q.mu.Unlock()
				return t, nil
			}
		}
		q.mu.Unlock()

		if err := q.sleep(ctx, wake, wait); err != nil {
			return nil, err
		}
	}
}

// sleep waits for wake, ctx, or d to elapse. A negative d waits without a
// deadline.
func (q *Queue) sleep(ctx context.Context, wake <-chan struct{}, d time.Duration) error {
	var timer <-chan time.Time
	if d > 0 {
		tm := time.NewTimer(d)
		defer tm.Stop()
		timer = tm.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-timer:
	}
	return nil
}

// Peek returns the earliest trigger without removing it, or nil.
func (q *Queue) Peek() *Trigger {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	return q.items[0]
}

// Len returns the number of pending triggers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SnapshotHash returns a hash of the pending triggers in firing order.
func (q *Queue) SnapshotHash() string {
	q.mu.Lock()
	items := make([]*Trigger, len(q.items))
	copy(items, q.items)
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return compareTriggers(items[i], items[j]) < 0 })
	type entry struct {
		ID         string    `json:"id"`
		WorkflowID string    `json:"workflow_id"`
		FireAt     time.Time `json:"fire_at"`
		Priority   int       `json:"priority"`
		SortKey    string    `json:"sort_key"`
	}
	entries := make([]entry, len(items))
	for i, t := range items {
		entries[i] = entry{t.ID, t.workflowID(), t.FireAt.UTC(), t.Priority, t.SortKey}
	}
	data, _ := json.Marshal(entries)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Close stops accepting triggers. Pending triggers are still handed out by
// Next, immediately and in order.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func compareTriggers(a, b *Trigger) int {
	if a.FireAt.Before(b.FireAt) {
		return -1
	}
	if a.FireAt.After(b.FireAt) {
		return 1
	}
	if a.Priority != b.Priority {
		if a.Priority < b.Priority {
			return -1
		}
		return 1
	}
	if a.SortKey != b.SortKey {
		if a.SortKey < b.SortKey {
			return -1
		}
		return 1
	}
	switch {
	case a.SequenceNum < b.SequenceNum:
		return -1
	case a.SequenceNum > b.SequenceNum:
		return 1
	}
	return 0
}

func sortKey(t *Trigger) string {
	data, _ := json.Marshal(map[string]any{
		"id":          t.ID,
		"workflow_id": t.workflowID(),
		"mode":        t.Mode,
	})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:16])
}
