package contracts

import "strings"

var outcomeAliases = map[string]Outcome{
	"critical":     OutcomeCritical,
	"stop_line":    OutcomeCritical,
	"alert":        OutcomeCritical,
	"high_defect":  OutcomeCritical,
	"warning":      OutcomeWarning,
	"warn":         OutcomeWarning,
	"high":         OutcomeWarning,
	"notify":       OutcomeWarning,
	"ok":           OutcomeNormal,
	"normal":       OutcomeNormal,
	"none":         OutcomeNormal,
	"log":          OutcomeNormal,
	"unknown":      OutcomeInconclusive,
	"no_match":     OutcomeInconclusive,
	"inconclusive": OutcomeInconclusive,
	"needs_review": OutcomeNeedsReview,
}

// NormalizeOutcome folds a raw label into the canonical outcome set.
// Labels outside the known aliases are kept, lower-cased.
func NormalizeOutcome(label string) Outcome {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	if key == "" {
		return OutcomeInconclusive
	}
	if o, ok := outcomeAliases[key]; ok {
		return o
	}
	return Outcome(key)
}
