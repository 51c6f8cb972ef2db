package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

const qualityYAML = `
id: quality-guard
name: Quality guard
nodes:
  - id: judge-temp
    type: judge
    script_id: line-temp
    routing_key: "{{input.line}}"
  - id: route
    type: condition
    when: {field: judge-temp.outcome, op: eq, value: critical}
    then:
      - id: fanout
        type: parallel
        branches:
          - id: notify-branch
            nodes:
              - id: notify
                type: action
                action: notify
                best_effort: true
                params: {line: "{{input.line}}"}
                retry: {max_attempts: 4, base_delay: 50ms, max_delay: 1s}
                timeout: 2s
          - id: stop-branch
            nodes:
              - id: stop
                type: action
                action: stop_line
    else:
      - id: poll
        type: loop
        max_iterations: 5
        until: {field: input.stable, op: eq, value: true}
        body:
          - id: pause
            type: wait
            duration: 100ms
  - id: ship
    type: deploy
    script_id: line-temp
    version: 1.2.0
    plan:
      initial_fraction: 0.1
      ramp_schedule: [0.25, 0.5]
      window: 30m
      thresholds: {min_samples: 50, max_failure_rate: 0.02}
  - id: undo
    type: rollback
    script_id: line-temp
    target_version: 1.0.0
`

func TestDecodeYAML(t *testing.T) {
	wf, err := Decode([]byte(qualityYAML))
	require.NoError(t, err)
	assert.Equal(t, "quality-guard", wf.ID)
	require.Len(t, wf.Nodes, 4)

	judge, ok := wf.Nodes[0].(*JudgeNode)
	require.True(t, ok)
	assert.Equal(t, "{{input.line}}", judge.RoutingKey)

	cond, ok := wf.Nodes[1].(*ConditionNode)
	require.True(t, ok)
	assert.Equal(t, Predicate{Field: "judge-temp.outcome", Op: OpEq, Value: "critical"}, cond.When)

	par, ok := cond.Then[0].(*ParallelNode)
	require.True(t, ok)
	require.Len(t, par.Branches, 2)
	notify := par.Branches[0].Nodes[0].(*ActionNode)
	assert.True(t, notify.Optional())
	assert.Equal(t, 4, notify.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, notify.Retry.BaseDelay)
	assert.Equal(t, time.Second, notify.Retry.MaxDelay)
	assert.Equal(t, 2*time.Second, notify.Timeout)

	loop := cond.Else[0].(*LoopNode)
	assert.Equal(t, 5, loop.MaxIterations)
	require.NotNil(t, loop.Until)
	assert.Equal(t, 100*time.Millisecond, loop.Body[0].(*WaitNode).Duration)

	deploy := wf.Nodes[2].(*DeployNode)
	assert.Equal(t, "1.2.0", deploy.Version)
	assert.Equal(t, 0.1, deploy.Plan.InitialFraction)
	assert.Equal(t, []float64{0.25, 0.5}, deploy.Plan.RampSchedule)
	assert.Equal(t, 30*time.Minute, deploy.Plan.Window)
	assert.Equal(t, 50, deploy.Plan.Thresholds.MinSamples)

	rb := wf.Nodes[3].(*RollbackNode)
	assert.Equal(t, "1.0.0", rb.TargetVersion)
}

func TestDecodeJSON(t *testing.T) {
	wf, err := Decode([]byte(`{
		"id": "count",
		"nodes": [
			{"id": "grade", "type": "switch", "field": "input.grade",
			 "cases": [{"value": "A", "nodes": [{"id": "ok", "type": "action", "action": "log"}]}],
			 "default": [{"id": "scrap", "type": "action", "action": "scrap"}]},
			{"id": "again", "type": "loop", "count": 3, "body": [{"id": "tick", "type": "action", "action": "tick"}]}
		]
	}`))
	require.NoError(t, err)
	sw := wf.Nodes[0].(*SwitchNode)
	assert.Equal(t, "A", sw.Cases[0].Value)
	assert.Equal(t, 3, wf.Nodes[1].(*LoopNode).Count)
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown type":           `{"id": "w", "nodes": [{"id": "a", "type": "teleport"}]}`,
		"missing loop bound":     `{"id": "w", "nodes": [{"id": "a", "type": "loop", "body": []}]}`,
		"bad operator":           `{"id": "w", "nodes": [{"id": "a", "type": "condition", "when": {"field": "x", "op": "like"}}]}`,
		"best effort rollback":   `{"id": "w", "nodes": [{"id": "a", "type": "rollback", "script_id": "s", "best_effort": true}]}`,
		"duplicate ids":          `{"id": "w", "nodes": [{"id": "a", "type": "wait", "duration": "1s"}, {"id": "a", "type": "wait", "duration": "1s"}]}`,
		"branch id collides":     `{"id": "w", "nodes": [{"id": "p", "type": "parallel", "branches": [{"id": "p", "nodes": []}]}]}`,
		"bad duration":           `{"id": "w", "nodes": [{"id": "a", "type": "wait", "duration": "soon"}]}`,
		"fraction out of range":  `{"id": "w", "nodes": [{"id": "a", "type": "deploy", "script_id": "s", "version": "1.0.0", "plan": {"initial_fraction": 1.5}}]}`,
		"unknown field":          `{"id": "w", "nodes": [{"id": "a", "type": "wait", "duration": "1s", "color": "red"}]}`,
		"missing workflow id":    `{"nodes": []}`,
		"malformed json":         `{"id": `,
		"action without a name":  `{"id": "w", "nodes": [{"id": "a", "type": "action"}]}`,
		"deploy without version": `{"id": "w", "nodes": [{"id": "a", "type": "deploy", "script_id": "s", "plan": {"initial_fraction": 0.1}}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, contracts.ErrInvalid)
		})
	}
}

func TestValidate_ProgrammaticWorkflows(t *testing.T) {
	err := Validate(&Workflow{ID: "w", Nodes: []Node{
		&RollbackNode{Base: Base{ID: "undo", BestEffort: true}, ScriptID: "s"},
	}})
	require.Error(t, err)
	assert.Equal(t, "undo", err.(*contracts.Error).NodeID)

	err = Validate(&Workflow{ID: "w", Nodes: []Node{
		&LoopNode{Base: Base{ID: "forever"}, Body: []Node{&WaitNode{Base: Base{ID: "w1"}}}},
	}})
	assert.ErrorIs(t, err, contracts.ErrInvalid)

	err = Validate(&Workflow{ID: "w", Nodes: []Node{
		&ConditionNode{Base: Base{ID: "c"}, When: Predicate{Field: "x", Op: OpEq},
			Then: []Node{&WaitNode{Base: Base{ID: "dup"}}},
			Else: []Node{&WaitNode{Base: Base{ID: "dup"}}}},
	}})
	assert.ErrorIs(t, err, contracts.ErrInvalid)
}
