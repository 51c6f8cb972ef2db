package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

//go:embed schema/workflow.schema.json
var workflowSchemaJSON string

const workflowSchemaURL = "https://triflow.schemas.local/workflow.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	errSchema      error
)

func workflowSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(workflowSchemaURL, strings.NewReader(workflowSchemaJSON)); err != nil {
			errSchema = fmt.Errorf("workflow schema load failed: %w", err)
			return
		}
		compiledSchema, errSchema = c.Compile(workflowSchemaURL)
	})
	return compiledSchema, errSchema
}

type rawWorkflow struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Nodes []rawNode `json:"nodes"`
}

type rawNode struct {
	ID         string   `json:"id"`
	Type       NodeKind `json:"type"`
	BestEffort bool     `json:"best_effort"`

	When *Predicate `json:"when"`
	Then []rawNode  `json:"then"`
	Else []rawNode  `json:"else"`

	Field   string    `json:"field"`
	Cases   []rawCase `json:"cases"`
	Default []rawNode `json:"default"`

	Count         int        `json:"count"`
	Until         *Predicate `json:"until"`
	MaxIterations int        `json:"max_iterations"`
	Body          []rawNode  `json:"body"`

	Branches []rawBranch `json:"branches"`

	Action  string         `json:"action"`
	Params  map[string]any `json:"params"`
	Retry   *rawRetry      `json:"retry"`
	Timeout string         `json:"timeout"`
	Bind    string         `json:"bind"`

	ScriptID      string         `json:"script_id"`
	Version       string         `json:"version"`
	Plan          *rawPlan       `json:"plan"`
	TargetVersion string         `json:"target_version"`
	Input         map[string]any `json:"input"`
	PolicyID      string         `json:"policy_id"`
	RoutingKey    string         `json:"routing_key"`

	Duration string `json:"duration"`
}

type rawCase struct {
	Value any       `json:"value"`
	Nodes []rawNode `json:"nodes"`
}

type rawBranch struct {
	ID    string    `json:"id"`
	Nodes []rawNode `json:"nodes"`
}

type rawRetry struct {
	MaxAttempts int    `json:"max_attempts"`
	BaseDelay   string `json:"base_delay"`
	MaxDelay    string `json:"max_delay"`
	MaxJitter   string `json:"max_jitter"`
}

type rawPlan struct {
	InitialFraction float64                     `json:"initial_fraction"`
	RampSchedule    []float64                   `json:"ramp_schedule"`
	Window          string                      `json:"window"`
	Thresholds      *contracts.CanaryThresholds `json:"thresholds"`
}

// Decode parses a workflow document, JSON or YAML.
func Decode(data []byte) (*Workflow, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return DecodeJSON(trimmed)
	}
	return DecodeYAML(data)
}

// DecodeJSON parses and validates a JSON workflow document.
func DecodeJSON(data []byte) (*Workflow, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, invalidDoc(err)
	}
	return decodeDocument(doc)
}

// DecodeYAML parses and validates a YAML workflow document.
func DecodeYAML(data []byte) (*Workflow, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, invalidDoc(err)
	}
	// Normalize to JSON values so both formats validate identically.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, invalidDoc(err)
	}
	return DecodeJSON(raw)
}

func decodeDocument(doc any) (*Workflow, error) {
	schema, err := workflowSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, invalidDoc(err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, invalidDoc(err)
	}
	var rw rawWorkflow
	if err := json.Unmarshal(raw, &rw); err != nil {
		return nil, invalidDoc(err)
	}

	nodes, err := buildNodes(rw.Nodes)
	if err != nil {
		return nil, err
	}
	wf := &Workflow{ID: rw.ID, Name: rw.Name, Nodes: nodes}
	if err := Validate(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func buildNodes(raws []rawNode) ([]Node, error) {
	out := make([]Node, 0, len(raws))
	for _, r := range raws {
		n, err := buildNode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func buildNode(r rawNode) (Node, error) {
	base := Base{ID: r.ID, BestEffort: r.BestEffort}
	switch r.Type {
	case KindCondition:
		then, err := buildNodes(r.Then)
		if err != nil {
			return nil, err
		}
		els, err := buildNodes(r.Else)
		if err != nil {
			return nil, err
		}
		n := &ConditionNode{Base: base, Then: then, Else: els}
		if r.When != nil {
			n.When = *r.When
		}
		return n, nil

	case KindSwitch:
		n := &SwitchNode{Base: base, Field: r.Field}
		for _, c := range r.Cases {
			nodes, err := buildNodes(c.Nodes)
			if err != nil {
				return nil, err
			}
			n.Cases = append(n.Cases, SwitchCase{Value: c.Value, Nodes: nodes})
		}
		def, err := buildNodes(r.Default)
		if err != nil {
			return nil, err
		}
		n.Default = def
		return n, nil

	case KindLoop:
		body, err := buildNodes(r.Body)
		if err != nil {
			return nil, err
		}
		return &LoopNode{Base: base, Count: r.Count, Until: r.Until, MaxIterations: r.MaxIterations, Body: body}, nil

	case KindParallel:
		n := &ParallelNode{Base: base}
		for _, b := range r.Branches {
			nodes, err := buildNodes(b.Nodes)
			if err != nil {
				return nil, err
			}
			n.Branches = append(n.Branches, Branch{ID: b.ID, Nodes: nodes})
		}
		return n, nil

	case KindAction:
		n := &ActionNode{Base: base, Action: r.Action, Params: r.Params, Bind: r.Bind}
		var err error
		if n.Timeout, err = parseDuration(r.ID, "timeout", r.Timeout); err != nil {
			return nil, err
		}
		if r.Retry != nil {
			n.Retry.MaxAttempts = r.Retry.MaxAttempts
			if n.Retry.BaseDelay, err = parseDuration(r.ID, "retry.base_delay", r.Retry.BaseDelay); err != nil {
				return nil, err
			}
			if n.Retry.MaxDelay, err = parseDuration(r.ID, "retry.max_delay", r.Retry.MaxDelay); err != nil {
				return nil, err
			}
			if n.Retry.MaxJitter, err = parseDuration(r.ID, "retry.max_jitter", r.Retry.MaxJitter); err != nil {
				return nil, err
			}
		}
		return n, nil

	case KindDeploy:
		n := &DeployNode{Base: base, ScriptID: r.ScriptID, Version: r.Version}
		if r.Plan != nil {
			window, err := parseDuration(r.ID, "plan.window", r.Plan.Window)
			if err != nil {
				return nil, err
			}
			n.Plan = contracts.CanaryPlan{
				InitialFraction: r.Plan.InitialFraction,
				RampSchedule:    r.Plan.RampSchedule,
				Window:          window,
			}
			if r.Plan.Thresholds != nil {
				n.Plan.Thresholds = *r.Plan.Thresholds
			}
		}
		return n, nil

	case KindRollback:
		return &RollbackNode{Base: base, ScriptID: r.ScriptID, TargetVersion: r.TargetVersion}, nil

	case KindJudge:
		return &JudgeNode{
			Base:       base,
			ScriptID:   r.ScriptID,
			Input:      r.Input,
			PolicyID:   r.PolicyID,
			RoutingKey: r.RoutingKey,
			Bind:       r.Bind,
		}, nil

	case KindWait:
		d, err := parseDuration(r.ID, "duration", r.Duration)
		if err != nil {
			return nil, err
		}
		return &WaitNode{Base: base, Duration: d}, nil
	}
	return nil, nodeInvalid(r.ID, fmt.Sprintf("unknown node type %q", r.Type))
}

func parseDuration(nodeID, field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, nodeInvalid(nodeID, fmt.Sprintf("%s: %v", field, err))
	}
	return d, nil
}

// Validate checks the structural rules a schema cannot express: unique ids,
// loop bounds, operators, and rollback nodes never being best effort.
func Validate(wf *Workflow) error {
	if wf.ID == "" {
		return contracts.NewError(contracts.KindInvalid, "invalid_workflow", "workflow id is required")
	}
	seen := make(map[string]bool)
	return validateNodes(wf.Nodes, seen)
}

func validateNodes(nodes []Node, seen map[string]bool) error {
	for _, n := range nodes {
		if err := claimID(n.NodeID(), seen); err != nil {
			return err
		}
		if err := validateNode(n, seen); err != nil {
			return err
		}
		if _, ok := n.(*ParallelNode); ok {
			continue
		}
		if err := validateNodes(n.Children(), seen); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(n Node, seen map[string]bool) error {
	id := n.NodeID()
	switch t := n.(type) {
	case *ConditionNode:
		return validatePredicate(id, t.When)
	case *SwitchNode:
		if t.Field == "" {
			return nodeInvalid(id, "switch requires a field")
		}
	case *LoopNode:
		if t.Count < 0 || t.MaxIterations < 0 {
			return nodeInvalid(id, "loop bounds must not be negative")
		}
		if t.Count == 0 && t.Until == nil {
			return nodeInvalid(id, "loop requires a count or an until predicate")
		}
		if t.Until != nil {
			return validatePredicate(id, *t.Until)
		}
	case *ParallelNode:
		if len(t.Branches) == 0 {
			return nodeInvalid(id, "parallel requires at least one branch")
		}
		for _, b := range t.Branches {
			if err := claimID(b.ID, seen); err != nil {
				return err
			}
			if err := validateNodes(b.Nodes, seen); err != nil {
				return err
			}
		}
	case *ActionNode:
		if t.Action == "" {
			return nodeInvalid(id, "action requires an action name")
		}
		if t.Retry.MaxAttempts < 0 {
			return nodeInvalid(id, "retry.max_attempts must not be negative")
		}
	case *DeployNode:
		if t.ScriptID == "" || t.Version == "" {
			return nodeInvalid(id, "deploy requires script_id and version")
		}
	case *RollbackNode:
		if t.ScriptID == "" {
			return nodeInvalid(id, "rollback requires script_id")
		}
		if t.BestEffort {
			return nodeInvalid(id, "rollback cannot be best effort")
		}
	case *JudgeNode:
		if t.ScriptID == "" {
			return nodeInvalid(id, "judge requires script_id")
		}
	case *WaitNode:
		if t.Duration < 0 {
			return nodeInvalid(id, "wait duration must not be negative")
		}
	}
	return nil
}

func validatePredicate(id string, p Predicate) error {
	if p.Field == "" {
		return nodeInvalid(id, "predicate requires a field")
	}
	if !p.Op.Valid() {
		return nodeInvalid(id, fmt.Sprintf("unknown operator %q", p.Op))
	}
	return nil
}

func claimID(id string, seen map[string]bool) error {
	if id == "" {
		return contracts.NewError(contracts.KindInvalid, "invalid_workflow", "every node needs an id")
	}
	if seen[id] {
		return nodeInvalid(id, fmt.Sprintf("duplicate node id %q", id))
	}
	seen[id] = true
	return nil
}

func nodeInvalid(id, msg string) error {
	return &contracts.Error{Kind: contracts.KindInvalid, Code: "invalid_workflow", Message: msg, NodeID: id}
}

func invalidDoc(err error) error {
	e := contracts.WrapError(contracts.KindInvalid, "workflow document rejected", err)
	e.Code = "invalid_workflow"
	return e
}
