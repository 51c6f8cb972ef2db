// Package workflow interprets node-graph workflows. A workflow is a tree of
// nodes executed in program order; loops are an explicit bounded wrapper
// around a body, and parallel nodes fan their branches out onto a bounded
// worker pool shared by every run of the engine.
package workflow

import (
	"context"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// NodeKind names a node variant.
type NodeKind string

const (
	KindCondition NodeKind = "condition"
	KindSwitch    NodeKind = "switch"
	KindLoop      NodeKind = "loop"
	KindParallel  NodeKind = "parallel"
	KindAction    NodeKind = "action"
	KindDeploy    NodeKind = "deploy"
	KindRollback  NodeKind = "rollback"
	KindJudge     NodeKind = "judge"
	KindWait      NodeKind = "wait"
)

// kindBranch labels the trace events of parallel branches.
const kindBranch = "branch"

// Node is one workflow node. The set of implementations is closed: every
// variant dispatches through visitor, so a new kind does not compile until
// the engine handles it.
type Node interface {
	NodeID() string
	Kind() NodeKind
	// Optional reports whether a failure of this node leaves its parent running.
	Optional() bool
	// Children lists every directly nested node, across all branches.
	Children() []Node

	accept(ctx context.Context, v visitor) (result, error)
}

// visitor is implemented by the engine's execution frame.
type visitor interface {
	condition(ctx context.Context, n *ConditionNode) (result, error)
	switchCase(ctx context.Context, n *SwitchNode) (result, error)
	loop(ctx context.Context, n *LoopNode) (result, error)
	parallel(ctx context.Context, n *ParallelNode) (result, error)
	action(ctx context.Context, n *ActionNode) (result, error)
	deploy(ctx context.Context, n *DeployNode) (result, error)
	rollback(ctx context.Context, n *RollbackNode) (result, error)
	judge(ctx context.Context, n *JudgeNode) (result, error)
	wait(ctx context.Context, n *WaitNode) (result, error)
}

// result is what a node reports into its trace event.
type result struct {
	detail    map[string]any
	simulated bool
}

// Base carries the fields every node has.
type Base struct {
	ID string
	// BestEffort lets the enclosing sequence continue after this node fails.
	BestEffort bool
}

func (b Base) NodeID() string { return b.ID }
func (b Base) Optional() bool { return b.BestEffort }

// ConditionNode runs Then when the predicate holds and Else otherwise.
type ConditionNode struct {
	Base
	When Predicate
	Then []Node
	Else []Node
}

func (n *ConditionNode) Kind() NodeKind   { return KindCondition }
func (n *ConditionNode) Children() []Node { return concat(n.Then, n.Else) }
func (n *ConditionNode) accept(ctx context.Context, v visitor) (result, error) {
	return v.condition(ctx, n)
}

// SwitchCase is one arm of a switch node.
type SwitchCase struct {
	Value any
	Nodes []Node
}

// SwitchNode runs the first case whose value equals Field, or Default.
type SwitchNode struct {
	Base
	Field   string
	Cases   []SwitchCase
	Default []Node
}

func (n *SwitchNode) Kind() NodeKind { return KindSwitch }
func (n *SwitchNode) Children() []Node {
	var out []Node
	for _, c := range n.Cases {
		out = append(out, c.Nodes...)
	}
	return append(out, n.Default...)
}
func (n *SwitchNode) accept(ctx context.Context, v visitor) (result, error) {
	return v.switchCase(ctx, n)
}

// LoopNode repeats Body either Count times or until Until holds after an
// iteration. MaxIterations, capped by the engine ceiling, bounds both modes.
type LoopNode struct {
	Base
	Count         int
	Until         *Predicate
	MaxIterations int
	Body          []Node
}

func (n *LoopNode) Kind() NodeKind   { return KindLoop }
func (n *LoopNode) Children() []Node { return n.Body }
func (n *LoopNode) accept(ctx context.Context, v visitor) (result, error) {
	return v.loop(ctx, n)
}

// Branch is one concurrently executed subgraph of a parallel node.
type Branch struct {
	ID    string
	Nodes []Node
}

// ParallelNode runs its branches concurrently and joins on all of them.
type ParallelNode struct {
	Base
	Branches []Branch
}

func (n *ParallelNode) Kind() NodeKind { return KindParallel }
func (n *ParallelNode) Children() []Node {
	var out []Node
	for _, b := range n.Branches {
		out = append(out, b.Nodes...)
	}
	return out
}
func (n *ParallelNode) accept(ctx context.Context, v visitor) (result, error) {
	return v.parallel(ctx, n)
}

// ActionNode calls a registered action collaborator.
type ActionNode struct {
	Base
	Action string
	// Params may contain {{var.path}} placeholders.
	Params map[string]any
	Retry  RetryPolicy
	// Timeout bounds each attempt. Zero uses the action's registered timeout.
	Timeout time.Duration
	// Bind names the variable that receives the action's output.
	Bind string
}

func (n *ActionNode) Kind() NodeKind   { return KindAction }
func (n *ActionNode) Children() []Node { return nil }
func (n *ActionNode) accept(ctx context.Context, v visitor) (result, error) {
	return v.action(ctx, n)
}

// DeployNode starts a canary for a script version.
type DeployNode struct {
	Base
	ScriptID string
	Version  string
	Plan     contracts.CanaryPlan
}

func (n *DeployNode) Kind() NodeKind   { return KindDeploy }
func (n *DeployNode) Children() []Node { return nil }
func (n *DeployNode) accept(ctx context.Context, v visitor) (result, error) {
	return v.deploy(ctx, n)
}

// RollbackNode demotes a script immediately. It is always required and
// never retried.
type RollbackNode struct {
	Base
	ScriptID      string
	TargetVersion string
}

func (n *RollbackNode) Kind() NodeKind   { return KindRollback }
func (n *RollbackNode) Children() []Node { return nil }
func (n *RollbackNode) accept(ctx context.Context, v visitor) (result, error) {
	return v.rollback(ctx, n)
}

// JudgeNode evaluates a decision script and binds the verdict to a variable.
type JudgeNode struct {
	Base
	ScriptID string
	// Input defaults to the run input when nil.
	Input      map[string]any
	PolicyID   string
	RoutingKey string
	// Bind defaults to the node id.
	Bind string
}

func (n *JudgeNode) Kind() NodeKind   { return KindJudge }
func (n *JudgeNode) Children() []Node { return nil }
func (n *JudgeNode) accept(ctx context.Context, v visitor) (result, error) {
	return v.judge(ctx, n)
}

// WaitNode pauses the sequence.
type WaitNode struct {
	Base
	Duration time.Duration
}

func (n *WaitNode) Kind() NodeKind   { return KindWait }
func (n *WaitNode) Children() []Node { return nil }
func (n *WaitNode) accept(ctx context.Context, v visitor) (result, error) {
	return v.wait(ctx, n)
}

// Workflow is a rooted forest of nodes executed in order.
type Workflow struct {
	ID    string
	Name  string
	Nodes []Node
}

func concat(a, b []Node) []Node {
	out := make([]Node, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
