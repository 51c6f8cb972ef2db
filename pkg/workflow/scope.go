package workflow

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// Scope holds the variables of one run. Bindings always land in the run-wide
// root; child scopes only add read-only locals such as the loop index.
type Scope struct {
	mu     *sync.RWMutex
	vars   map[string]any
	parent *Scope
	root   *Scope
}

// NewScope creates a root scope seeded with vars.
func NewScope(vars map[string]any) *Scope {
	s := &Scope{mu: &sync.RWMutex{}, vars: make(map[string]any, len(vars))}
	for k, v := range vars {
		s.vars[k] = v
	}
	s.root = s
	return s
}

func (s *Scope) child(locals map[string]any) *Scope {
	return &Scope{mu: s.mu, vars: locals, parent: s, root: s.root}
}

// Set binds name in the run-wide scope.
func (s *Scope) Set(name string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root.vars[name] = v
}

// Lookup resolves a dotted path such as "judge1.outcome" or "input.items.0".
func (s *Scope) Lookup(path string) (any, bool) {
	segs := strings.Split(path, ".")
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cur any
	found := false
	for sc := s; sc != nil; sc = sc.parent {
		if v, ok := sc.vars[segs[0]]; ok {
			cur, found = v, true
			break
		}
	}
	if !found {
		return nil, false
	}
	for _, seg := range segs[1:] {
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Snapshot copies the run-wide variables.
func (s *Scope) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.root.vars))
	for k, v := range s.root.vars {
		out[k] = v
	}
	return out
}

// verdictVars is the variable shape a judge node binds.
func verdictVars(v contracts.Verdict) map[string]any {
	return map[string]any{
		"outcome":             string(v.Outcome),
		"confidence":          v.Confidence,
		"rationale":           anyList(v.Rationale),
		"recommended_actions": anyList(v.RecommendedActions),
		"source":              string(v.Source),
		"degraded":            v.Degraded,
		"cached":              v.Cached,
		"script_id":           v.ScriptID,
		"script_version":      v.ScriptVersion,
	}
}

func stateVars(st contracts.RolloutState) map[string]any {
	raw, err := json.Marshal(st)
	if err != nil {
		return map[string]any{"script_id": st.ScriptID, "stage": string(st.Stage)}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"script_id": st.ScriptID, "stage": string(st.Stage)}
	}
	return out
}

func anyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
