package judgment

import (
	"fmt"
	"math"
	"strconv"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// Aggregate merges a rule verdict and a fallback verdict under policy p.
// The result is sourced "hybrid" and its rationale names both contributions
// and the rule that decided between them.
func Aggregate(p PolicyConfig, rule, fb contracts.Verdict) contracts.Verdict {
	var (
		outcome    contracts.Outcome
		confidence float64
		winner     contracts.Source
		reason     string
	)

	switch p.Aggregation {
	case RuleFirst, RuleOnly:
		if rule.Conclusive() || !fb.Conclusive() {
			outcome, confidence, winner = rule.Outcome, rule.Confidence, contracts.SourceRule
			reason = "rule verdict used"
		} else {
			outcome, confidence, winner = fb.Outcome, fb.Confidence, contracts.SourceFallbackModel
			reason = "rule inconclusive, fallback used"
		}

	case WeightedVote:
		outcome, confidence, winner, reason = weightedVote(p, rule, fb)

	case MajorityOfTwo:
		switch {
		case agree(rule, fb):
			outcome, confidence, winner = rule.Outcome, (rule.Confidence+fb.Confidence)/2, contracts.SourceHybrid
			reason = "sources agree, mean confidence"
		case fb.Conclusive():
			outcome, confidence, winner = fb.Outcome, fb.Confidence, contracts.SourceFallbackModel
			reason = "sources disagree, fallback breaks the tie"
		default:
			outcome, confidence, winner = rule.Outcome, rule.Confidence, contracts.SourceRule
			reason = "fallback inconclusive, rule used"
		}

	case ConfidenceThreshold:
		ruleOK := rule.Conclusive() && rule.Confidence >= p.ConfidenceFloor
		fbOK := fb.Conclusive() && fb.Confidence >= p.ConfidenceFloor
		floor := fmtConf(p.ConfidenceFloor)
		switch {
		case ruleOK && fbOK:
			outcome, confidence, winner, reason = weightedVote(p, rule, fb)
			reason = "both sources clear floor " + floor + ", " + reason
		case ruleOK:
			outcome, confidence, winner = rule.Outcome, rule.Confidence, contracts.SourceRule
			reason = "only rule clears floor " + floor
		case fbOK:
			outcome, confidence, winner = fb.Outcome, fb.Confidence, contracts.SourceFallbackModel
			reason = "only fallback clears floor " + floor
		default:
			outcome, confidence, winner = contracts.OutcomeNeedsReview, math.Max(rule.Confidence, fb.Confidence), contracts.SourceHybrid
			reason = "no source clears floor " + floor + ", escalated to review"
		}

	case UnanimousRequired:
		confidence = math.Min(rule.Confidence, fb.Confidence)
		winner = contracts.SourceHybrid
		if agree(rule, fb) {
			outcome = rule.Outcome
			reason = "sources agree"
		} else {
			outcome = contracts.OutcomeNeedsReview
			reason = "sources disagree, unanimity required"
		}

	case FallbackOverride, FallbackOnly:
		if fb.Conclusive() || !rule.Conclusive() {
			outcome, confidence, winner = fb.Outcome, fb.Confidence, contracts.SourceFallbackModel
			reason = "fallback overrides rule"
		} else {
			outcome, confidence, winner = rule.Outcome, rule.Confidence, contracts.SourceRule
			reason = "fallback inconclusive, rule used"
		}

	default:
		panic(fmt.Sprintf("judgment: unhandled aggregation %q", p.Aggregation))
	}

	rationale := make([]string, 0, 3+len(rule.Rationale)+len(fb.Rationale))
	rationale = append(rationale,
		fmt.Sprintf("policy %s (%s): %s", p.ID, p.Aggregation, reason),
		fmt.Sprintf("rule: %s @ %s", rule.Outcome, fmtConf(rule.Confidence)),
		fmt.Sprintf("fallback_model: %s @ %s", fb.Outcome, fmtConf(fb.Confidence)),
	)
	for _, r := range rule.Rationale {
		rationale = append(rationale, "rule: "+r)
	}
	for _, r := range fb.Rationale {
		rationale = append(rationale, "fallback_model: "+r)
	}

	first, second := rule.RecommendedActions, fb.RecommendedActions
	if winner == contracts.SourceFallbackModel {
		first, second = second, first
	}

	return contracts.Verdict{
		Outcome:            outcome,
		Confidence:         clamp(confidence),
		Rationale:          rationale,
		RecommendedActions: unionActions(first, second),
		Source:             contracts.SourceHybrid,
	}
}

// weightedVote scores each conclusive source by weight × confidence.
// Agreement combines the scores with a bonus; disagreement goes to the higher
// score, then the higher raw confidence, then the rule.
func weightedVote(p PolicyConfig, rule, fb contracts.Verdict) (contracts.Outcome, float64, contracts.Source, string) {
	switch {
	case !rule.Conclusive() && !fb.Conclusive():
		return contracts.OutcomeInconclusive, math.Max(rule.Confidence, fb.Confidence), contracts.SourceHybrid,
			"neither source conclusive"
	case !fb.Conclusive():
		return rule.Outcome, rule.Confidence, contracts.SourceRule, "only rule conclusive"
	case !rule.Conclusive():
		return fb.Outcome, fb.Confidence, contracts.SourceFallbackModel, "only fallback conclusive"
	}

	rs := p.RuleWeight * rule.Confidence
	fs := p.FallbackWeight * fb.Confidence

	if rule.Outcome == fb.Outcome {
		return rule.Outcome, math.Min(1, (rs+fs)*agreementBonus), contracts.SourceHybrid,
			fmt.Sprintf("sources agree, weighted %s × %.1f", fmtConf(rs+fs), agreementBonus)
	}

	scores := fmt.Sprintf("rule score %s vs fallback score %s", fmtConf(rs), fmtConf(fs))
	switch {
	case !nearlyEqual(rs, fs) && rs > fs:
		return rule.Outcome, rule.Confidence, contracts.SourceRule, scores + ", rule wins"
	case !nearlyEqual(rs, fs):
		return fb.Outcome, fb.Confidence, contracts.SourceFallbackModel, scores + ", fallback wins"
	case fb.Confidence > rule.Confidence && !nearlyEqual(fb.Confidence, rule.Confidence):
		return fb.Outcome, fb.Confidence, contracts.SourceFallbackModel, scores + " tied, higher-confidence fallback wins"
	case rule.Confidence > fb.Confidence && !nearlyEqual(fb.Confidence, rule.Confidence):
		return rule.Outcome, rule.Confidence, contracts.SourceRule, scores + " tied, higher-confidence rule wins"
	default:
		return rule.Outcome, rule.Confidence, contracts.SourceRule, scores + " tied exactly, rule wins"
	}
}

func agree(a, b contracts.Verdict) bool {
	return a.Conclusive() && b.Conclusive() && a.Outcome == b.Outcome
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func clamp(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func unionActions(lists ...[]string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, l := range lists {
		for _, a := range l {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

func fmtConf(c float64) string {
	return strconv.FormatFloat(math.Round(c*1000)/1000, 'f', -1, 64)
}
