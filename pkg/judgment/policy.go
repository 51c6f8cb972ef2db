package judgment

import (
	"fmt"
	"time"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// Aggregation names the rule for merging a rule verdict with a fallback verdict.
type Aggregation string

const (
	RuleFirst           Aggregation = "rule_first"
	WeightedVote        Aggregation = "weighted_vote"
	MajorityOfTwo       Aggregation = "majority_of_two"
	ConfidenceThreshold Aggregation = "confidence_threshold"
	UnanimousRequired   Aggregation = "unanimous_required"
	FallbackOverride    Aggregation = "fallback_override"
	RuleOnly            Aggregation = "rule_only"
	FallbackOnly        Aggregation = "fallback_only"
)

// Valid reports whether a is a known aggregation.
func (a Aggregation) Valid() bool {
	switch a {
	case RuleFirst, WeightedVote, MajorityOfTwo, ConfidenceThreshold,
		UnanimousRequired, FallbackOverride, RuleOnly, FallbackOnly:
		return true
	}
	return false
}

// alwaysConsultsFallback reports whether the fallback is asked even when the
// rule verdict is conclusive and confident.
func (a Aggregation) alwaysConsultsFallback() bool {
	switch a {
	case MajorityOfTwo, UnanimousRequired, FallbackOverride, FallbackOnly:
		return true
	}
	return false
}

// agreementBonus boosts weighted confidence when both sources agree.
const agreementBonus = 1.1

// PolicyConfig configures one named judgment policy.
type PolicyConfig struct {
	ID          string      `json:"id" yaml:"id"`
	Aggregation Aggregation `json:"aggregation" yaml:"aggregation"`
	// FallbackThreshold escalates to the fallback when the rule confidence is below it.
	FallbackThreshold float64 `json:"fallback_threshold" yaml:"fallback_threshold"`
	// ConfidenceFloor is the bar a source must clear under confidence_threshold.
	ConfidenceFloor float64 `json:"confidence_floor" yaml:"confidence_floor"`
	// DegradedCap caps rule confidence when the fallback was needed but failed.
	DegradedCap    float64 `json:"degraded_confidence_cap" yaml:"degraded_confidence_cap"`
	RuleWeight     float64 `json:"rule_weight" yaml:"rule_weight"`
	FallbackWeight float64 `json:"fallback_weight" yaml:"fallback_weight"`
	// CacheTTL overrides the cache default when positive.
	CacheTTL time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
}

// DefaultPolicy returns the weighted-vote production policy.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		ID:                "default",
		Aggregation:       WeightedVote,
		FallbackThreshold: 0.7,
		ConfidenceFloor:   0.8,
		DegradedCap:       0.6,
		RuleWeight:        0.6,
		FallbackWeight:    0.4,
	}
}

// Normalize fills zero fields with defaults and scales the weights to sum to 1.
func (p PolicyConfig) Normalize() (PolicyConfig, error) {
	def := DefaultPolicy()
	if p.Aggregation == "" {
		p.Aggregation = def.Aggregation
	}
	if p.ID == "" {
		p.ID = string(p.Aggregation)
	}
	if !p.Aggregation.Valid() {
		return p, contracts.NewError(contracts.KindInvalid, "unknown_policy",
			fmt.Sprintf("unknown aggregation %q", p.Aggregation))
	}
	for name, v := range map[string]float64{
		"fallback_threshold":      p.FallbackThreshold,
		"confidence_floor":        p.ConfidenceFloor,
		"degraded_confidence_cap": p.DegradedCap,
	} {
		if v < 0 || v > 1 {
			return p, contracts.NewError(contracts.KindInvalid, "invalid_policy",
				fmt.Sprintf("%s must be within [0,1], got %v", name, v))
		}
	}
	if p.ConfidenceFloor == 0 {
		p.ConfidenceFloor = def.ConfidenceFloor
	}
	if p.DegradedCap == 0 {
		p.DegradedCap = def.DegradedCap
	}
	if p.RuleWeight < 0 || p.FallbackWeight < 0 {
		return p, contracts.NewError(contracts.KindInvalid, "invalid_policy", "weights must be non-negative")
	}
	if p.RuleWeight == 0 && p.FallbackWeight == 0 {
		p.RuleWeight, p.FallbackWeight = def.RuleWeight, def.FallbackWeight
	}
	total := p.RuleWeight + p.FallbackWeight
	p.RuleWeight /= total
	p.FallbackWeight /= total
	return p, nil
}
