package contracts

import "time"

// RunStatus is the state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// NodeStatus is the state of one node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// RunMode selects whether external side effects fire.
type RunMode string

const (
	ModeReal     RunMode = "real"
	ModeSimulate RunMode = "simulate"
)

// TraceEvent is one node's terminal record in a run.
type TraceEvent struct {
	Seq       int           `json:"seq"`
	RunID     string        `json:"run_id"`
	NodeID    string        `json:"node_id"`
	Kind      string        `json:"kind"`
	ParentID  string        `json:"parent_id,omitempty"`
	EnteredAt time.Time     `json:"entered_at"`
	Outcome   NodeStatus    `json:"outcome"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	// Detail carries node-specific facts (branch taken, iterations, attempts).
	Detail    map[string]any `json:"detail,omitempty"`
	Simulated bool           `json:"simulated,omitempty"`
}

// ExecutionTrace is the ordered log of one run. It is sealed once the run
// reaches a terminal status.
type ExecutionTrace struct {
	RunID       string       `json:"run_id"`
	WorkflowID  string       `json:"workflow_id"`
	Mode        RunMode      `json:"mode"`
	Status      RunStatus    `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Events      []TraceEvent `json:"events"`
	// FailedNode and FailureKind identify the originating failure of a failed run.
	FailedNode  string    `json:"failed_node,omitempty"`
	FailureKind ErrorKind `json:"failure_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Event returns the first event recorded for nodeID.
func (t ExecutionTrace) Event(nodeID string) (TraceEvent, bool) {
	for _, ev := range t.Events {
		if ev.NodeID == nodeID {
			return ev, true
		}
	}
	return TraceEvent{}, false
}
