package fallback

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// unparseableConfidence is assigned when the model reply has no usable JSON.
const unparseableConfidence = 0.3

var jsonObject = regexp.MustCompile(`(?s)\{[^{}]*\}`)

// ParseInference extracts {decision|outcome, confidence, reasoning|rationale}
// from a model reply. Replies without a parseable object are inconclusive.
func ParseInference(content string) Inference {
	match := jsonObject.FindString(content)
	if match == "" {
		return unparseable(content)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(match), &raw); err != nil {
		return unparseable(content)
	}

	label, _ := raw["decision"].(string)
	if label == "" {
		label, _ = raw["outcome"].(string)
	}
	inf := Inference{
		Outcome:    contracts.NormalizeOutcome(label),
		Confidence: 0.5,
		Rationale:  []string{},
	}
	switch c := raw["confidence"].(type) {
	case float64:
		inf.Confidence = clamp(c)
	case string:
		if f, err := strconv.ParseFloat(c, 64); err == nil {
			inf.Confidence = clamp(f)
		}
	}
	for _, key := range []string{"reasoning", "rationale"} {
		switch r := raw[key].(type) {
		case string:
			if r != "" {
				inf.Rationale = append(inf.Rationale, r)
			}
		case []any:
			for _, item := range r {
				if s, ok := item.(string); ok {
					inf.Rationale = append(inf.Rationale, s)
				}
			}
		}
	}
	return inf
}

func unparseable(content string) Inference {
	rationale := []string{"model reply was not valid JSON"}
	if s := strings.TrimSpace(content); s != "" {
		rationale = append(rationale, s)
	}
	return Inference{Outcome: contracts.OutcomeInconclusive, Confidence: unparseableConfidence, Rationale: rationale}
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
