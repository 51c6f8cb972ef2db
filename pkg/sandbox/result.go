package sandbox

import (
	"fmt"
	"strconv"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

const defaultRuleConfidence = 0.85

// decodeOutput turns a script's JSON-shaped result into a rule verdict.
func decodeOutput(raw any, minConfidence float64) (contracts.Verdict, error) {
	v := contracts.Verdict{Source: contracts.SourceRule, Rationale: []string{}, RecommendedActions: []string{}}

	switch t := raw.(type) {
	case nil:
		v.Outcome = contracts.OutcomeInconclusive
		v.Rationale = append(v.Rationale, "script reported no match")
		return v, nil
	case string:
		v.Outcome = contracts.NormalizeOutcome(t)
		v.Confidence = defaultRuleConfidence
	case map[string]any:
		if err := decodeMap(t, &v); err != nil {
			return contracts.Verdict{}, err
		}
	default:
		return contracts.Verdict{}, violation("invalid_output", fmt.Sprintf("script returned %T, want string, map or null", raw))
	}

	if v.Outcome != contracts.OutcomeInconclusive && v.Confidence < minConfidence {
		v.Rationale = append(v.Rationale, fmt.Sprintf("rule confidence %s below threshold %s (was %s)",
			fmtConf(v.Confidence), fmtConf(minConfidence), v.Outcome))
		v.Outcome = contracts.OutcomeInconclusive
	}
	return v, nil
}

func decodeMap(m map[string]any, v *contracts.Verdict) error {
	label, ok := firstString(m, "outcome", "status", "decision")
	if !ok {
		v.Outcome = contracts.OutcomeInconclusive
		v.Rationale = append(v.Rationale, "script produced no outcome")
	} else {
		v.Outcome = contracts.NormalizeOutcome(label)
	}

	conf, err := ruleConfidence(m)
	if err != nil {
		return err
	}
	v.Confidence = conf

	rationale, err := stringList(m, "rationale", "reasons")
	if err != nil {
		return err
	}
	v.Rationale = append(rationale, v.Rationale...)

	actions, err := stringList(m, "recommended_actions", "actions")
	if err != nil {
		return err
	}
	v.RecommendedActions = actions
	return nil
}

// ruleConfidence prefers an explicit confidence, then the pass ratio of
// reported checks, then the default.
func ruleConfidence(m map[string]any) (float64, error) {
	if raw, ok := m["confidence"]; ok && raw != nil {
		c, ok := raw.(float64)
		if !ok {
			return 0, violation("invalid_output", fmt.Sprintf("confidence must be a number, got %T", raw))
		}
		if c < 0 || c > 1 {
			return 0, violation("invalid_output", fmt.Sprintf("confidence %s outside [0,1]", fmtConf(c)))
		}
		return c, nil
	}
	if checks, ok := m["checks"].([]any); ok && len(checks) > 0 {
		passed := 0
		for _, c := range checks {
			switch ct := c.(type) {
			case bool:
				if ct {
					passed++
				}
			case map[string]any:
				if p, _ := ct["passed"].(bool); p {
					passed++
				}
			}
		}
		return 0.8 + float64(passed)/float64(len(checks))*0.2, nil
	}
	return defaultRuleConfidence, nil
}

func firstString(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func stringList(m map[string]any, keys ...string) ([]string, error) {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok || raw == nil {
			continue
		}
		switch t := raw.(type) {
		case string:
			return []string{t}, nil
		case []any:
			out := make([]string, 0, len(t))
			for _, elem := range t {
				s, ok := elem.(string)
				if !ok {
					return nil, violation("invalid_output", fmt.Sprintf("%s entries must be strings, got %T", k, elem))
				}
				out = append(out, s)
			}
			return out, nil
		default:
			return nil, violation("invalid_output", fmt.Sprintf("%s must be a string or list, got %T", k, raw))
		}
	}
	return []string{}, nil
}

func fmtConf(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}
